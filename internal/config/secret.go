package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	redacted         = "[REDACTED]"
	secretFilePrefix = "file:"
)

// Secret holds a credential. It prints and marshals redacted; only Reveal
// returns the cleartext. In YAML a value of the form "file:/path" is replaced
// by the trimmed contents of that file, which is how mounted credentials are
// supplied.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

func (s Secret) GoString() string { return `"` + redacted + `"` }

func (s Secret) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func (s *Secret) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	v, err := resolveSecret(raw)
	if err != nil {
		return err
	}
	*s = Secret(v)
	return nil
}

// Reveal returns the cleartext for use on the wire.
func (s Secret) Reveal() string {
	return string(s)
}

func resolveSecret(raw string) (string, error) {
	path, ok := strings.CutPrefix(raw, secretFilePrefix)
	if !ok {
		return raw, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
