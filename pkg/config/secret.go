package config

// Secret holds a credential (database password, signing key, API key).
// String, GoString and MarshalText redact the value so it cannot leak
// through logs, %v formatting or JSON. Use Value to read it.
type Secret string

const redacted = "[REDACTED]"

func (s Secret) String() string { return redacted }

func (s Secret) GoString() string { return redacted }

// Value returns the plaintext.
func (s Secret) Value() string { return string(s) }

// MarshalText keeps the plaintext out of JSON and YAML output.
func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// Empty reports whether no secret was configured.
func (s Secret) Empty() bool { return s == "" }
