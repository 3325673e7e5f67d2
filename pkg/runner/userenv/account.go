package userenv

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/denv-project/denv/pkg/names"
)

// accountSecret keys the account-name digest. It is fixed: the same
// environment name must map to the same account across invocations, and
// the key only exists to keep unrelated tools from colliding with ours.
const accountSecret = "denv user-account backend v1"

// accountHashLen is the number of digest bytes kept. Twenty hex digits
// plus the prefix stays well under the OS's 32-character account name
// limit while leaving collisions out of practical reach.
const accountHashLen = 10

// accountName derives the OS account name for an environment: a keyed
// digest of the secret, the prefix, and the environment name, truncated
// and hex-encoded.
func accountName(prefix string, name names.EnvironmentName) string {
	h, err := blake2b.New256([]byte(accountSecret))
	if err != nil {
		panic(err) // key length is a compile-time constant
	}
	h.Write([]byte(prefix))
	h.Write([]byte{0})
	h.Write([]byte(name.String()))
	digest := h.Sum(nil)
	return prefix + hex.EncodeToString(digest[:accountHashLen])
}

// isDerivedAccount reports whether account could have been produced by
// accountName with this prefix.
func isDerivedAccount(prefix, account string) bool {
	rest, ok := strings.CutPrefix(account, prefix)
	if !ok || len(rest) != 2*accountHashLen {
		return false
	}
	_, err := hex.DecodeString(rest)
	return err == nil
}

// gecosReplacer additionally encodes the GECOS field's own delimiters;
// names.Escape already encodes '%', so plain names.Unescape reverses the
// combination.
var gecosReplacer = strings.NewReplacer(":", "%3A", ",", "%2C")

// encodeGecos renders the environment's display name for the account's
// descriptive field.
func encodeGecos(name names.EnvironmentName) string {
	return gecosReplacer.Replace(names.Escape(name.String()))
}

// decodeGecos recovers the display name from the GECOS field.
func decodeGecos(field string) (names.EnvironmentName, error) {
	// adduser may have appended subfields after the name.
	field, _, _ = strings.Cut(field, ",")
	return names.UnescapeEnvironmentName(field)
}

// passwdEntry is one parsed line of passwd output.
type passwdEntry struct {
	Account string
	Gecos   string
	Home    string
}

// parsePasswd parses `getent passwd` style output.
func parsePasswd(output string) ([]passwdEntry, error) {
	var entries []passwdEntry
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 6 {
			return nil, fmt.Errorf("malformed passwd line %q", line)
		}
		entries = append(entries, passwdEntry{
			Account: fields[0],
			Gecos:   fields[4],
			Home:    fields[5],
		})
	}
	return entries, nil
}
