package models

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
)

const visibilityAll = "all"

// Visibility controls which roles can see a field.
type Visibility struct {
	// All grants visibility to every role; Roles is ignored when set.
	All bool
	// Roles lists the role identifiers allowed to see the field.
	Roles []int64
}

// String renders the persisted form: "all" or a comma separated list of role ids.
func (v Visibility) String() string {
	if v.All {
		return visibilityAll
	}
	parts := make([]string, 0, len(v.Roles))
	for _, id := range v.Roles {
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	return strings.Join(parts, ",")
}

// ParseVisibility reads the persisted form. Empty entries are skipped.
func ParseVisibility(s string) (Visibility, error) {
	if s == visibilityAll {
		return Visibility{All: true}, nil
	}
	var v Visibility
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return Visibility{}, fmt.Errorf("parse role id %q: %w", part, err)
		}
		v.Roles = append(v.Roles, id)
	}
	return v, nil
}

// VisibilityFromRoles builds a Visibility from submitted role tokens, where
// the token "all" selects every role.
func VisibilityFromRoles(tokens []string) (Visibility, error) {
	for _, t := range tokens {
		if t == visibilityAll {
			return Visibility{All: true}, nil
		}
	}
	return ParseVisibility(strings.Join(tokens, ","))
}

// Scan implements sql.Scanner.
func (v *Visibility) Scan(src any) error {
	var raw string
	switch s := src.(type) {
	case nil:
	case string:
		raw = s
	case []byte:
		raw = string(s)
	default:
		return fmt.Errorf("scan visibility: unsupported type %T", src)
	}
	parsed, err := ParseVisibility(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Value implements driver.Valuer.
func (v Visibility) Value() (driver.Value, error) {
	return v.String(), nil
}
