package model

import (
	"fmt"
	"reflect"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/theory-cloud/tablemodel/pkg/attr"
	"github.com/theory-cloud/tablemodel/pkg/errors"
	"github.com/theory-cloud/tablemodel/pkg/naming"
)

// Index projection types.
const (
	ProjectionAll      = "ALL"
	ProjectionKeysOnly = "KEYS_ONLY"
	ProjectionInclude  = "INCLUDE"
)

// Metadata holds all metadata for a model
type Metadata struct {
	Type             reflect.Type
	PrimaryKey       *KeySchema
	Fields           map[string]*FieldMetadata
	FieldsByDBName   map[string]*FieldMetadata
	VersionField     *FieldMetadata
	TTLField         *FieldMetadata
	CreatedAtField   *FieldMetadata
	UpdatedAtField   *FieldMetadata
	TableName        string
	FieldList        []*FieldMetadata
	Indexes          []IndexSchema
	NamingConvention naming.Convention
}

// KeySchema represents a primary key or index key schema
type KeySchema struct {
	PartitionKey *FieldMetadata
	SortKey      *FieldMetadata
}

// IndexSchema represents a GSI or LSI schema
type IndexSchema struct {
	PartitionKey    *FieldMetadata
	SortKey         *FieldMetadata
	Name            string
	Type            IndexType
	ProjectionType  string
	ProjectedFields []string
}

// IndexType represents the type of index
type IndexType string

const (
	GlobalSecondaryIndex IndexType = "GSI"
	LocalSecondaryIndex  IndexType = "LSI"
)

// FieldMetadata holds metadata for a single field
type FieldMetadata struct {
	Type        reflect.Type
	Codec       *attr.Codec
	IndexInfo   map[string]IndexRole
	Tags        map[string]string
	DBName      string
	Name        string
	Default     string
	Projection  string
	Format      attr.DateFormat
	IndexPath   []int
	IsPK        bool
	IsSK        bool
	IsVersion   bool
	IsTTL       bool
	IsCreatedAt bool
	IsUpdatedAt bool
	IsSet       bool
	IsJSON      bool
	OmitEmpty   bool
}

// IndexRole represents a field's role in an index
type IndexRole struct {
	IndexName string
	IsPK      bool
	IsSK      bool
}

// Name returns the Go type name of the model.
func (m *Metadata) Name() string {
	return m.Type.Name()
}

// Field resolves a field by Go name or attribute name.
func (m *Metadata) Field(name string) (*FieldMetadata, bool) {
	if f, ok := m.Fields[name]; ok {
		return f, true
	}
	f, ok := m.FieldsByDBName[name]
	return f, ok
}

// IndexByName returns the schema of a secondary index.
func (m *Metadata) IndexByName(name string) (*IndexSchema, error) {
	for i := range m.Indexes {
		if m.Indexes[i].Name == name {
			return &m.Indexes[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", errors.ErrIndexNotFound, name)
}

// KeyAttributes lists the attribute names of the table's primary key.
func (m *Metadata) KeyAttributes() []string {
	names := []string{m.PrimaryKey.PartitionKey.DBName}
	if m.PrimaryKey.SortKey != nil {
		names = append(names, m.PrimaryKey.SortKey.DBName)
	}
	return names
}

// ExtractKey copies the primary key attributes out of an item.
func (m *Metadata) ExtractKey(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	key := make(map[string]types.AttributeValue, 2)
	for _, name := range m.KeyAttributes() {
		if av, ok := item[name]; ok {
			key[name] = attr.Clone(av)
		}
	}
	return key
}

// StructValue returns the addressable struct behind model, which must be a non-nil
// pointer to the registered type.
func (m *Metadata) StructValue(model any) (reflect.Value, error) {
	v := reflect.ValueOf(model)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return reflect.Value{}, fmt.Errorf("%w: expected a non-nil pointer to %s", errors.ErrInvalidModel, m.Name())
	}
	v = v.Elem()
	if v.Type() != m.Type {
		return reflect.Value{}, fmt.Errorf("%w: expected %s, got %s", errors.ErrInvalidModel, m.Type, v.Type())
	}
	return v, nil
}

// FieldValue returns the settable value of f inside the struct v.
func (m *Metadata) FieldValue(v reflect.Value, f *FieldMetadata) reflect.Value {
	return v.FieldByIndex(f.IndexPath)
}

// Marshal converts model into a full item.
func (m *Metadata) Marshal(model any) (map[string]types.AttributeValue, error) {
	v := reflect.ValueOf(model)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil, fmt.Errorf("%w: nil model", errors.ErrInvalidModel)
		}
		v = v.Elem()
	}
	if v.Type() != m.Type {
		return nil, fmt.Errorf("%w: expected %s, got %s", errors.ErrInvalidModel, m.Type, v.Type())
	}
	return m.MarshalValue(v)
}

// MarshalValue converts a struct value into a full item.
func (m *Metadata) MarshalValue(v reflect.Value) (map[string]types.AttributeValue, error) {
	item := make(map[string]types.AttributeValue, len(m.FieldList))
	for _, f := range m.FieldList {
		av, present, err := f.Codec.Marshal(v.FieldByIndex(f.IndexPath))
		if err != nil {
			return nil, fmt.Errorf("marshal %s.%s: %w", m.Name(), f.Name, err)
		}
		if present {
			item[f.DBName] = av
		}
	}
	return item, nil
}

// Unmarshal hydrates model from item. Attributes missing from the item reset the
// corresponding fields; attributes unknown to the model are ignored.
func (m *Metadata) Unmarshal(item map[string]types.AttributeValue, model any) error {
	v, err := m.StructValue(model)
	if err != nil {
		return err
	}
	return m.UnmarshalValue(item, v)
}

// UnmarshalValue hydrates the addressable struct value v from item.
func (m *Metadata) UnmarshalValue(item map[string]types.AttributeValue, v reflect.Value) error {
	for _, f := range m.FieldList {
		if err := f.Codec.Unmarshal(item[f.DBName], v.FieldByIndex(f.IndexPath)); err != nil {
			return fmt.Errorf("unmarshal %s.%s: %w", m.Name(), f.Name, err)
		}
	}
	return nil
}

// KeyOf returns the primary key attributes of model.
func (m *Metadata) KeyOf(model any) (map[string]types.AttributeValue, error) {
	v := reflect.ValueOf(model)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil, fmt.Errorf("%w: nil model", errors.ErrInvalidModel)
		}
		v = v.Elem()
	}
	if v.Type() != m.Type {
		return nil, fmt.Errorf("%w: expected %s, got %s", errors.ErrInvalidModel, m.Type, v.Type())
	}

	key := make(map[string]types.AttributeValue, 2)
	for _, f := range m.keyFields() {
		av, present, err := f.Codec.Marshal(v.FieldByIndex(f.IndexPath))
		if err != nil {
			return nil, err
		}
		if !present || isEmptyKey(av) {
			return nil, fmt.Errorf("%w: %s is empty", errors.ErrMissingPrimaryKey, f.Name)
		}
		key[f.DBName] = av
	}
	return key, nil
}

// KeyFromValues builds a primary key from raw values. The sort key is required
// exactly when the table has one.
func (m *Metadata) KeyFromValues(partition any, sort any) (map[string]types.AttributeValue, error) {
	key := make(map[string]types.AttributeValue, 2)

	pk := m.PrimaryKey.PartitionKey
	av, err := pk.Codec.MarshalAny(partition)
	if err != nil {
		return nil, err
	}
	if isEmptyKey(av) {
		return nil, fmt.Errorf("%w: %s is empty", errors.ErrMissingPrimaryKey, pk.Name)
	}
	key[pk.DBName] = av

	sk := m.PrimaryKey.SortKey
	switch {
	case sk == nil && sort != nil:
		return nil, fmt.Errorf("%w: %s has no sort key", errors.ErrInvalidPrimaryKey, m.TableName)
	case sk != nil && sort == nil:
		return nil, fmt.Errorf("%w: %s is required", errors.ErrMissingPrimaryKey, sk.Name)
	case sk != nil:
		av, err := sk.Codec.MarshalAny(sort)
		if err != nil {
			return nil, err
		}
		if isEmptyKey(av) {
			return nil, fmt.Errorf("%w: %s is empty", errors.ErrMissingPrimaryKey, sk.Name)
		}
		key[sk.DBName] = av
	}

	return key, nil
}

func (m *Metadata) keyFields() []*FieldMetadata {
	fields := []*FieldMetadata{m.PrimaryKey.PartitionKey}
	if m.PrimaryKey.SortKey != nil {
		fields = append(fields, m.PrimaryKey.SortKey)
	}
	return fields
}

// ProjectsAttribute reports whether an index returns the attribute name.
func (idx *IndexSchema) ProjectsAttribute(name string, table *Metadata) bool {
	switch idx.ProjectionType {
	case ProjectionAll, "":
		return true
	}
	for _, key := range table.KeyAttributes() {
		if key == name {
			return true
		}
	}
	if idx.PartitionKey != nil && idx.PartitionKey.DBName == name {
		return true
	}
	if idx.SortKey != nil && idx.SortKey.DBName == name {
		return true
	}
	for _, projected := range idx.ProjectedFields {
		if projected == name {
			return true
		}
	}
	return false
}

func isEmptyKey(av types.AttributeValue) bool {
	switch v := av.(type) {
	case nil:
		return true
	case *types.AttributeValueMemberNULL:
		return true
	case *types.AttributeValueMemberS:
		return v.Value == ""
	case *types.AttributeValueMemberB:
		return len(v.Value) == 0
	default:
		return false
	}
}
