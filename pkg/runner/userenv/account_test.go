package userenv

import (
	"strings"
	"testing"

	"github.com/denv-project/denv/pkg/names"
)

func envName(t *testing.T, s string) names.EnvironmentName {
	t.Helper()
	name, err := names.NewEnvironmentName(s)
	if err != nil {
		t.Fatalf("NewEnvironmentName(%q): %v", s, err)
	}
	return name
}

func TestAccountNameDeterministic(t *testing.T) {
	name := envName(t, "work/py прим")
	a := accountName("denv-", name)
	b := accountName("denv-", name)
	if a != b {
		t.Errorf("accountName not deterministic: %q vs %q", a, b)
	}
}

func TestAccountNameShape(t *testing.T) {
	account := accountName("denv-", envName(t, "a name with spaces and / slashes"))
	if !strings.HasPrefix(account, "denv-") {
		t.Errorf("account %q missing prefix", account)
	}
	digest := strings.TrimPrefix(account, "denv-")
	if len(digest) != 2*accountHashLen {
		t.Errorf("digest %q has length %d, want %d", digest, len(digest), 2*accountHashLen)
	}
	for _, c := range digest {
		if !strings.ContainsRune("0123456789abcdef", c) {
			t.Errorf("digest %q contains non-hex rune %q", digest, c)
		}
	}
}

func TestAccountNameDistinguishesNames(t *testing.T) {
	a := accountName("denv-", envName(t, "alpha"))
	b := accountName("denv-", envName(t, "beta"))
	if a == b {
		t.Errorf("distinct environments collide on account %q", a)
	}
}

func TestIsDerivedAccount(t *testing.T) {
	derived := accountName("denv-", envName(t, "alpha"))
	tests := []struct {
		account string
		want    bool
	}{
		{derived, true},
		{"denv-", false},
		{"denv-short", false},
		{"root", false},
		{"denv-" + strings.Repeat("g", 2*accountHashLen), false},
		{"other-" + strings.Repeat("a", 2*accountHashLen), false},
	}
	for _, tt := range tests {
		if got := isDerivedAccount("denv-", tt.account); got != tt.want {
			t.Errorf("isDerivedAccount(%q) = %v, want %v", tt.account, got, tt.want)
		}
	}
}

func TestGecosRoundTrip(t *testing.T) {
	for _, raw := range []string{
		"simple",
		"with spaces",
		"комната",
		"colon:comma,percent%",
		"path/like/name",
	} {
		name := envName(t, raw)
		field := encodeGecos(name)
		if strings.ContainsAny(field, ":,") {
			t.Errorf("encodeGecos(%q) = %q contains a passwd delimiter", raw, field)
		}
		got, err := decodeGecos(field)
		if err != nil {
			t.Errorf("decodeGecos(%q): %v", field, err)
			continue
		}
		if got != name {
			t.Errorf("gecos round trip of %q = %q", raw, got)
		}
	}
}

func TestDecodeGecosIgnoresTrailingFields(t *testing.T) {
	field := encodeGecos(envName(t, "alpha")) + ",Room 1,555-0100"
	got, err := decodeGecos(field)
	if err != nil {
		t.Fatalf("decodeGecos: %v", err)
	}
	if got != envName(t, "alpha") {
		t.Errorf("decodeGecos = %q, want alpha", got)
	}
}

func TestParsePasswd(t *testing.T) {
	out := "denv-0123456789abcdef0123:x:1500:1500:alpha:/home/denv-0123456789abcdef0123:/bin/bash\n" +
		"root:x:0:0:root:/root:/bin/bash\n"
	entries, err := parsePasswd(out)
	if err != nil {
		t.Fatalf("parsePasswd: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	first := entries[0]
	if first.Account != "denv-0123456789abcdef0123" ||
		first.Gecos != "alpha" ||
		first.Home != "/home/denv-0123456789abcdef0123" {
		t.Errorf("unexpected first entry: %+v", first)
	}
}

func TestParsePasswdMalformed(t *testing.T) {
	if _, err := parsePasswd("not a passwd line\n"); err == nil {
		t.Error("expected error for malformed passwd output")
	}
}
