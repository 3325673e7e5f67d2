package proc

import (
	"context"
	"strings"
	"testing"
)

func TestShellEscape(t *testing.T) {
	cases := []struct {
		argv []string
		want string
	}{
		{[]string{"echo", "hi"}, `'echo' 'hi'`},
		{[]string{"echo", "two words"}, `'echo' 'two words'`},
		{[]string{"echo", "don't"}, `'echo' 'don'\''t'`},
		{[]string{"echo", "$HOME"}, `'echo' '$HOME'`},
	}
	for _, c := range cases {
		if got := ShellEscape(c.argv); got != c.want {
			t.Errorf("ShellEscape(%v) = %s, want %s", c.argv, got, c.want)
		}
	}
}

func TestShellEscape_RoundTripThroughShell(t *testing.T) {
	out, err := Output(context.Background(), Cmd{
		Argv: []string{"sh", "-c", ShellEscape([]string{"printf", "%s", `a 'quoted' $arg`})},
	})
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	if !strings.Contains(out, `a 'quoted' $arg`) {
		t.Errorf("shell saw %q", out)
	}
}
