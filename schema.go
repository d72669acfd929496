package ingester

import (
	"sort"

	"github.com/pkg/errors"
)

// AttrKind is the declared type of a schema attribute.
type AttrKind string

const (
	KindFile    AttrKind = "file"
	KindString  AttrKind = "string"
	KindInteger AttrKind = "integer"
	KindDouble  AttrKind = "double"
	KindBoolean AttrKind = "boolean"
)

// Valid reports whether k is one of the known attribute kinds.
func (k AttrKind) Valid() bool {
	switch k {
	case KindFile, KindString, KindInteger, KindDouble, KindBoolean:
		return true
	}
	return false
}

// Schema declares the attributes entries of a dataset may carry.
type Schema struct {
	ID         int64               `json:"id" yaml:"id"`
	Name       string              `json:"name" yaml:"name"`
	Attributes map[string]AttrKind `json:"attributes" yaml:"attributes"`
}

// ValidateSchema checks attrs against schema. Every attribute must be
// declared, and its value must match the declared kind. Attributes declared
// by the schema but absent from attrs are allowed.
func ValidateSchema(attrs Attributes, schema *Schema) error {
	if schema == nil {
		return errors.New("no schema")
	}
	for _, a := range attrs {
		kind, ok := schema.Attributes[a.Name]
		if !ok {
			return errors.Errorf("attribute %q is not declared by schema %q, known attributes: %v", a.Name, schema.Name, schema.names())
		}
		if got := KindOf(a.Value); got != kind {
			return errors.Errorf("attribute %q: expected %s, got %s (%T)", a.Name, kind, got, a.Value)
		}
	}
	return nil
}

// Validate checks entry against the schema of its dataset, as found through
// r. Datasets without a schema accept any attributes of a storable kind.
func Validate(r SchemaResolver, entry *DataEntry) error {
	ds, err := r.GetDataset(entry.DatasetID)
	if err != nil {
		return errors.Wrap(err, "resolving dataset")
	}
	if ds.SchemaID == 0 {
		for _, a := range entry.Attrs {
			if KindOf(a.Value) == "" {
				return errors.Errorf("attribute %q has unsupported type %T", a.Name, a.Value)
			}
		}
		return nil
	}
	schema, err := r.GetSchema(ds.SchemaID)
	if err != nil {
		return errors.Wrap(err, "resolving schema")
	}
	return errors.Wrapf(ValidateSchema(entry.Attrs, schema), "dataset %d", ds.ID)
}

func (s *Schema) names() []string {
	names := make([]string, 0, len(s.Attributes))
	for n := range s.Attributes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// KindOf returns the attribute kind a value would be stored as, or the empty
// kind if the value's type is not storable.
func KindOf(v interface{}) AttrKind {
	switch v.(type) {
	case FileAttachment, *FileAttachment:
		return KindFile
	case string:
		return KindString
	case int64:
		return KindInteger
	case float64:
		return KindDouble
	case bool:
		return KindBoolean
	}
	return ""
}
