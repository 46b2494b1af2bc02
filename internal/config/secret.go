package config

import (
	"fmt"
	"io"
)

const redacted = "[REDACTED]"

// Secret is a credential read from the config file or environment. The
// plaintext is reachable only through Value; formatting, logging and
// encoding all see a mask.
type Secret struct {
	value string
}

// NewSecret wraps a plaintext credential.
func NewSecret(v string) Secret {
	return Secret{value: v}
}

// Value returns the plaintext.
func (s Secret) Value() string { return s.value }

// IsSet reports whether a credential was configured.
func (s Secret) IsSet() bool { return s.value != "" }

func (s Secret) String() string { return s.mask() }

// Format masks every verb, including %#v and %q.
func (s Secret) Format(f fmt.State, _ rune) {
	_, _ = io.WriteString(f, s.mask())
}

// MarshalText masks the value for JSON, YAML and zap's reflected encoders.
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.mask()), nil
}

// UnmarshalText is used by koanf's text unmarshaler hook when decoding
// string keys such as couchdb.password.
func (s *Secret) UnmarshalText(text []byte) error {
	s.value = string(text)
	return nil
}

func (s Secret) mask() string {
	if s.value == "" {
		return ""
	}
	return redacted
}
