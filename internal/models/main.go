// Package models defines the core data structures for categories, custom fields
// and the values stored against them.
package models

// Level distinguishes categories from the fields nested inside them.
type Level int

const (
	// LevelCategory marks a top-level grouping node.
	LevelCategory Level = 0
	// LevelField marks a custom field belonging to a category.
	LevelField Level = 1
)

// FieldType is the declared input type of a custom field.
type FieldType string

const (
	// FieldText is a single line of free text.
	FieldText FieldType = "text"
	// FieldTextarea is a multi-line block of free text.
	FieldTextarea FieldType = "textarea"
)

// Valid reports whether t is one of the known field types.
func (t FieldType) Valid() bool {
	return t == FieldText || t == FieldTextarea
}

// Folder is a password folder a category can be attached to.
type Folder struct {
	// ID is the folder identifier.
	ID int64 `json:"id"`
	// Title is the folder name as displayed in the tree.
	Title string `json:"title"`
}

// Category is a grouping node for custom fields.
type Category struct {
	// ID is the unique identifier of the category.
	ID int64 `db:"id"`
	// Title is the display name.
	Title string `db:"title"`
	// Rank is the 1-based display position among top-level categories.
	Rank int `db:"rank"`
	// ParentID is always 0 for categories.
	ParentID int64 `db:"parent_id"`
	// Level is LevelCategory.
	Level Level `db:"level"`
	// Folders lists the folders this category is attached to.
	Folders []Folder `db:"-"`
}

// Field is a custom field nested under a category.
type Field struct {
	ID         int64      `db:"id"`
	CategoryID int64      `db:"parent_id"`
	Label      string     `db:"title"`
	Regex      string     `db:"regex"`
	Type       FieldType  `db:"type"`
	Masked     bool       `db:"masked"`
	Mandatory  bool       `db:"is_mandatory"`
	Encrypted  bool       `db:"encrypted_data"`
	Visibility Visibility `db:"role_visibility"`
	Rank       int        `db:"rank"`
}

// StoredValue is one value submitted for a field on a specific item.
type StoredValue struct {
	// ID is the row identifier.
	ID int64 `db:"id"`
	// FieldID is the owning field.
	FieldID int64 `db:"field_id"`
	// ItemID is the item the value was submitted for.
	ItemID int64 `db:"item_id"`
	// Payload is the plaintext, or base64 ciphertext for encrypted schemes.
	Payload string `db:"data"`
	// IV is only set for SchemeLegacy values.
	IV []byte `db:"data_iv"`
	// Scheme records how Payload was produced.
	Scheme Scheme `db:"encryption_type"`
}
