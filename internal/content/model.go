package content

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidItemID indicates that an item identifier is empty or exceeds storage bounds.
	ErrInvalidItemID = errors.New("content: invalid item id")
	// ErrInvalidEditorID indicates that an editor identifier is empty or exceeds storage bounds.
	ErrInvalidEditorID = errors.New("content: invalid editor id")
	// ErrInvalidJSONColumn indicates that a JSON-backed column could not be decoded.
	ErrInvalidJSONColumn = errors.New("content: invalid json column")
)

// ItemID represents a validated content item identifier.
type ItemID string

// NewItemID validates raw input and returns an ItemID.
func NewItemID(rawInput string) (ItemID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidItemID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidItemID, maxIdentifierLength)
	}
	return ItemID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ItemID) String() string {
	return string(id)
}

// EditorID represents a validated editor identifier. Internal users carry a
// "user:<id>" key, external collaborators an "email:<address>" key.
type EditorID string

// NewEditorID validates raw input and returns an EditorID.
func NewEditorID(rawInput string) (EditorID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEditorID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidEditorID, maxIdentifierLength)
	}
	return EditorID(trimmed), nil
}

// String returns the underlying string identifier.
func (id EditorID) String() string {
	return string(id)
}

// JSONMap persists an arbitrary string-keyed document in a text column.
type JSONMap map[string]any

// Value serializes the map for storage.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

// Scan decodes the stored text column into the map.
func (m *JSONMap) Scan(value any) error {
	raw, err := rawJSONColumn(value)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		*m = JSONMap{}
		return nil
	}
	decoded := JSONMap{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSONColumn, err)
	}
	*m = decoded
	return nil
}

// Clone deep-copies the map through a marshal round trip, detaching nested
// values so a snapshot survives later mutation.
func (m JSONMap) Clone() JSONMap {
	if m == nil {
		return JSONMap{}
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		return JSONMap{}
	}
	cloned := JSONMap{}
	if err := json.Unmarshal(encoded, &cloned); err != nil {
		return JSONMap{}
	}
	return cloned
}

// VersionMap persists the per-field optimistic concurrency counters.
type VersionMap map[string]int64

// Value serializes the version counters for storage.
func (m VersionMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

// Scan decodes the stored text column into the version map.
func (m *VersionMap) Scan(value any) error {
	raw, err := rawJSONColumn(value)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		*m = VersionMap{}
		return nil
	}
	decoded := VersionMap{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSONColumn, err)
	}
	*m = decoded
	return nil
}

// EditorList persists the ordered list of distinct session editors.
type EditorList []string

// Value serializes the editor list for storage.
func (l EditorList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	encoded, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

// Scan decodes the stored text column into the editor list.
func (l *EditorList) Scan(value any) error {
	raw, err := rawJSONColumn(value)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		*l = EditorList{}
		return nil
	}
	decoded := EditorList{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSONColumn, err)
	}
	*l = decoded
	return nil
}

// Contains reports whether the editor id is already listed.
func (l EditorList) Contains(editorID string) bool {
	for _, listed := range l {
		if listed == editorID {
			return true
		}
	}
	return false
}

func rawJSONColumn(value any) ([]byte, error) {
	switch typed := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return typed, nil
	case string:
		return []byte(typed), nil
	default:
		return nil, fmt.Errorf("%w: unsupported column type %T", ErrInvalidJSONColumn, value)
	}
}

// Item models the persisted content item with per-field version counters.
// The item's lifecycle (creation, deletion) belongs to the surrounding CRUD
// system; the reconciler only mutates content, versions, and annotations.
type Item struct {
	ItemID           string     `gorm:"column:item_id;primaryKey;size:190;not null"`
	DeskID           string     `gorm:"column:desk_id;size:190;not null;index"`
	SchemaName       string     `gorm:"column:schema_name;size:190;not null;default:''"`
	Content          JSONMap    `gorm:"column:content;type:text;not null"`
	FieldVersions    VersionMap `gorm:"column:field_versions;type:text;not null"`
	Annotations      JSONMap    `gorm:"column:annotations;type:text;not null"`
	LastEditor       string     `gorm:"column:last_editor;size:190;not null;default:''"`
	LastEditedAtSecs int64      `gorm:"column:last_edited_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Item) TableName() string {
	return "content_items"
}

// FieldVersion returns the stored counter for a field, defaulting to zero
// for fields that have never been edited.
func (item *Item) FieldVersion(fieldName string) int64 {
	if item.FieldVersions == nil {
		return 0
	}
	return item.FieldVersions[fieldName]
}

// EditSession models a contiguous block of editing activity on one item.
// Sessions are created and extended by the reconciler and never deleted
// here; pruning belongs to the surrounding versioning subsystem.
type EditSession struct {
	SessionID    string     `gorm:"column:session_id;primaryKey;size:190;not null"`
	ItemID       string     `gorm:"column:item_id;size:190;not null;index:idx_sessions_item_end,priority:1"`
	StartSeconds int64      `gorm:"column:start_s;not null"`
	EndSeconds   int64      `gorm:"column:end_s;not null;index:idx_sessions_item_end,priority:2"`
	Content      JSONMap    `gorm:"column:content;type:text;not null"`
	Annotations  JSONMap    `gorm:"column:annotations;type:text;not null"`
	Editors      EditorList `gorm:"column:editors;type:text;not null"`
	MajorVersion int64      `gorm:"column:major_version;not null;default:1"`
	MinorVersion int64      `gorm:"column:minor_version;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (EditSession) TableName() string {
	return "content_edit_sessions"
}

// VersionLabel renders the session's major.minor version pair.
func (s *EditSession) VersionLabel() string {
	return fmt.Sprintf("%d.%d", s.MajorVersion, s.MinorVersion)
}
