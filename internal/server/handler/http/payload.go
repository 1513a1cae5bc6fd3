package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/atinyakov/fieldkeeper/internal/models"
	"github.com/atinyakov/fieldkeeper/internal/ordering"
	"github.com/atinyakov/fieldkeeper/internal/service"
)

var errMissingPosition = errors.New("missing position")

// flexInt accepts a JSON number or a numeric string. An empty string or null is zero.
type flexInt int64

func (n *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %s", b)
	}
	*n = flexInt(v)
	return nil
}

// flexBool accepts a JSON boolean, 0/1, or their string forms.
type flexBool bool

func (f *flexBool) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	switch strings.ToLower(s) {
	case "true", "1":
		*f = true
	case "false", "0", "", "null":
		*f = false
	default:
		return fmt.Errorf("invalid boolean %s", b)
	}
	return nil
}

// flexPosition accepts "top", "bottom", or the id of the sibling to be placed before,
// as a number or a string.
type flexPosition struct {
	ordering.Position
	set bool
}

func (p *flexPosition) UnmarshalJSON(b []byte) error {
	pos, err := ordering.ParsePosition(strings.Trim(string(bytes.TrimSpace(b)), `"`))
	if err != nil {
		return err
	}
	p.Position = pos
	p.set = true
	return nil
}

func ids(in []flexInt) []int64 {
	out := make([]int64, 0, len(in))
	for _, v := range in {
		out = append(out, int64(v))
	}
	return out
}

type categoryPayload struct {
	ID       flexInt      `json:"categoryId"`
	Label    string       `json:"label"`
	Position flexPosition `json:"position"`
	Folders  []flexInt    `json:"folders"`
}

func (p categoryPayload) input() (service.CategoryInput, error) {
	if !p.Position.set {
		return service.CategoryInput{}, errMissingPosition
	}
	return service.CategoryInput{
		ID:       int64(p.ID),
		Label:    p.Label,
		Position: p.Position.Position,
		Folders:  ids(p.Folders),
	}, nil
}

type fieldPayload struct {
	ID         flexInt      `json:"fieldId"`
	CategoryID flexInt      `json:"categoryId"`
	Label      string       `json:"label"`
	Regex      string       `json:"regex"`
	Type       string       `json:"type"`
	Masked     flexBool     `json:"masked"`
	Mandatory  flexBool     `json:"mandatory"`
	Encrypted  *flexBool    `json:"encrypted"`
	Roles      []string     `json:"roles"`
	Position   flexPosition `json:"order"`
}

func (p fieldPayload) input() (service.FieldInput, error) {
	if !p.Position.set {
		return service.FieldInput{}, errMissingPosition
	}
	visibility := models.Visibility{All: true}
	if p.Roles != nil {
		v, err := models.VisibilityFromRoles(p.Roles)
		if err != nil {
			return service.FieldInput{}, err
		}
		visibility = v
	}

	in := service.FieldInput{
		ID:         int64(p.ID),
		CategoryID: int64(p.CategoryID),
		Label:      p.Label,
		Regex:      p.Regex,
		Type:       models.FieldType(p.Type),
		Masked:     bool(p.Masked),
		Mandatory:  bool(p.Mandatory),
		Visibility: visibility,
		Position:   p.Position.Position,
	}
	if p.Encrypted != nil {
		enc := bool(*p.Encrypted)
		in.Encrypted = &enc
	}
	return in, nil
}

type deletePayload struct {
	ID   flexInt `json:"idToRemove"`
	Kind string  `json:"action"`
}

// decodeData strictly decodes an action payload. A missing payload decodes as empty.
func decodeData(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 || string(raw) == "null" {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
