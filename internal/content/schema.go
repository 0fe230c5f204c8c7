package content

import (
	"strconv"
	"strings"
)

// FieldKind enumerates the closed set of schema field types the reconciler
// understands. The editable schema itself is external and versioned per
// item type; the reconciler only needs the kind to apply safety policy.
type FieldKind string

const (
	// FieldKindRichText holds serialized rich-text editor state.
	FieldKindRichText FieldKind = "rich_text"
	// FieldKindPlainText holds a plain string value.
	FieldKindPlainText FieldKind = "plain_text"
	// FieldKindChoice holds a selection from a configured option list.
	FieldKindChoice FieldKind = "choice"
	// FieldKindAsset holds a reference to an uploaded asset.
	FieldKindAsset FieldKind = "asset"
	// FieldKindElastic is a repeatable field group expanded into indexed
	// sibling fields at runtime ("photo-0", "photo-1", ...).
	FieldKindElastic FieldKind = "elastic"
)

// ElasticAddElementSuffix marks a client-side request to append a fresh
// element to an elastic group; it resolves against the base definition.
const ElasticAddElementSuffix = "-new"

// FieldDef describes one schema field.
type FieldDef struct {
	Name        string
	Kind        FieldKind
	ElasticKind FieldKind
}

// Schema maps field names to their definitions for one item type.
type Schema map[string]FieldDef

// SchemaProvider resolves the active content schema for an item.
type SchemaProvider interface {
	SchemaForItem(item *Item) (Schema, error)
}

// StaticSchemaProvider serves schemas from a fixed name-keyed registry.
type StaticSchemaProvider struct {
	schemas map[string]Schema
	// fallback is served when the item names no schema, covering items
	// created before schemas became mandatory.
	fallback Schema
}

// NewStaticSchemaProvider builds a provider over the given registry. The
// empty-name entry, when present, acts as the fallback schema.
func NewStaticSchemaProvider(schemas map[string]Schema) *StaticSchemaProvider {
	registry := make(map[string]Schema, len(schemas))
	for name, schema := range schemas {
		registry[name] = schema
	}
	return &StaticSchemaProvider{
		schemas:  registry,
		fallback: registry[""],
	}
}

// SchemaForItem returns the schema registered under the item's schema name.
func (p *StaticSchemaProvider) SchemaForItem(item *Item) (Schema, error) {
	if schema, ok := p.schemas[item.SchemaName]; ok {
		return schema, nil
	}
	return p.fallback, nil
}

// Resolve looks up the definition governing a concrete field name. Indexed
// elastic element names ("photo-2") and the add-element marker ("photo-new")
// resolve against the base elastic definition, surfacing its element kind.
// The second return is false when the schema does not know the field.
func (s Schema) Resolve(fieldName string) (FieldDef, bool) {
	if def, ok := s[fieldName]; ok {
		return def, true
	}

	base, indexed := splitElasticName(fieldName)
	if !indexed {
		return FieldDef{}, false
	}
	baseDef, ok := s[base]
	if !ok || baseDef.Kind != FieldKindElastic {
		return FieldDef{}, false
	}
	element := FieldDef{
		Name: fieldName,
		Kind: baseDef.ElasticKind,
	}
	if element.Kind == "" {
		element.Kind = FieldKindPlainText
	}
	return element, true
}

// ElasticBase returns the base definition for an elastic group name.
func (s Schema) ElasticBase(fieldName string) (FieldDef, bool) {
	def, ok := s[fieldName]
	if !ok || def.Kind != FieldKindElastic {
		return FieldDef{}, false
	}
	return def, true
}

// ElasticElementName renders the concrete field name for one element slot.
func ElasticElementName(base string, index int) string {
	return base + "-" + strconv.Itoa(index)
}

func splitElasticName(fieldName string) (string, bool) {
	if strings.HasSuffix(fieldName, ElasticAddElementSuffix) {
		base := strings.TrimSuffix(fieldName, ElasticAddElementSuffix)
		if base == "" {
			return "", false
		}
		return base, true
	}

	separator := strings.LastIndex(fieldName, "-")
	if separator <= 0 || separator == len(fieldName)-1 {
		return "", false
	}
	if _, err := strconv.Atoi(fieldName[separator+1:]); err != nil {
		return "", false
	}
	return fieldName[:separator], true
}
