package userenv

import (
	"strings"
	"testing"
	"time"

	"github.com/denv-project/denv/pkg/runner"
)

func TestElevatedArgvShape(t *testing.T) {
	b := New(Options{Prefix: "denv-"})
	argv := b.elevated("denv-abc", "/home/denv-abc",
		map[string]string{"SANDBOX": "1", "A": "b"}, "true")

	joined := strings.Join(argv, " ")
	if argv[0] != "sudo" {
		t.Errorf("argv[0] = %q, want sudo", argv[0])
	}
	for _, want := range []string{
		"--user denv-abc",
		"env -i",
		"HOME=/home/denv-abc",
		"USER=denv-abc",
		"LOGNAME=denv-abc",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("elevated argv missing %q: %v", want, argv)
		}
	}
	// Extra variables are sorted for stable invocations.
	if strings.Index(joined, "A=b") > strings.Index(joined, "SANDBOX=1") {
		t.Errorf("extra env not sorted: %v", argv)
	}
	if argv[len(argv)-1] != "true" {
		t.Errorf("command not last: %v", argv)
	}
}

func TestRunScriptVariants(t *testing.T) {
	script, env, err := runScript(runner.Interactive())
	if err != nil {
		t.Fatalf("interactive: %v", err)
	}
	if !strings.Contains(script, "bash -l") || env != nil {
		t.Errorf("interactive script = %q env = %v", script, env)
	}

	script, _, err = runScript(runner.InitCommand())
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !strings.Contains(script, runner.InitScriptName) {
		t.Errorf("init script does not reference %s: %q", runner.InitScriptName, script)
	}

	script, env, err = runScript(runner.Exec([]string{"echo", "a b"}, map[string]string{"K": "v"}))
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if !strings.Contains(script, "'a b'") {
		t.Errorf("exec argv not quoted: %q", script)
	}
	if env["K"] != "v" {
		t.Errorf("exec env dropped: %v", env)
	}

	if _, _, err := runScript(runner.Exec(nil, nil)); err == nil {
		t.Error("expected error for empty exec argv")
	}
}

func TestParseFindOutput(t *testing.T) {
	out := "100 1700000000.5000000000\n" +
		"28 1700000100.0000000000\n"
	sum, sawErrors := parseFindOutput(out)
	if sawErrors {
		t.Error("unexpected parse errors")
	}
	if sum.TotalBytes != 128 {
		t.Errorf("TotalBytes = %d, want 128", sum.TotalBytes)
	}
	want := time.Unix(1700000100, 0)
	if !sum.LastModified.Equal(want) {
		t.Errorf("LastModified = %v, want %v", sum.LastModified, want)
	}
}

func TestParseFindOutputEmpty(t *testing.T) {
	sum, sawErrors := parseFindOutput("")
	if sawErrors || sum.TotalBytes != 0 || !sum.LastModified.IsZero() {
		t.Errorf("empty scan = %+v errors=%v", sum, sawErrors)
	}
}

func TestParseFindOutputMalformedLine(t *testing.T) {
	sum, sawErrors := parseFindOutput("garbage\n64 1700000000.0\n")
	if !sawErrors {
		t.Error("expected parse errors flag")
	}
	if sum.TotalBytes != 64 {
		t.Errorf("TotalBytes = %d, want 64 from the good line", sum.TotalBytes)
	}
}
