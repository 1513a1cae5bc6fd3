package models

import (
	"database/sql/driver"
	"fmt"
)

// Scheme tags the encryption method that produced a stored payload.
type Scheme int

const (
	// SchemeNone means the payload is plaintext.
	SchemeNone Scheme = iota
	// SchemeLegacy is AES-256-GCM with the nonce kept in a separate IV column.
	SchemeLegacy
	// SchemeCurrent is XChaCha20-Poly1305 with the nonce embedded in the payload.
	SchemeCurrent
)

// String returns the persisted name of the scheme.
func (s Scheme) String() string {
	switch s {
	case SchemeNone:
		return "none"
	case SchemeLegacy:
		return "legacy"
	case SchemeCurrent:
		return "current"
	default:
		return fmt.Sprintf("scheme(%d)", int(s))
	}
}

// ParseScheme maps a persisted name to a Scheme. An empty string is read as SchemeNone.
func ParseScheme(s string) (Scheme, error) {
	switch s {
	case "", "none":
		return SchemeNone, nil
	case "legacy":
		return SchemeLegacy, nil
	case "current":
		return SchemeCurrent, nil
	default:
		return SchemeNone, fmt.Errorf("unknown encryption scheme %q", s)
	}
}

// Scan implements sql.Scanner.
func (s *Scheme) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case nil:
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("scan scheme: unsupported type %T", src)
	}
	parsed, err := ParseScheme(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Value implements driver.Valuer.
func (s Scheme) Value() (driver.Value, error) {
	switch s {
	case SchemeNone, SchemeLegacy, SchemeCurrent:
		return s.String(), nil
	default:
		return nil, fmt.Errorf("invalid scheme %d", int(s))
	}
}
