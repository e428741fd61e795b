// Package dms reads and writes data model schema documents: a YAML description
// of the key schema and secondary indexes of a set of tables. A document can be
// produced from registered models or from live tables and compared against
// either, which makes schema drift visible before a migration.
package dms

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"gopkg.in/yaml.v3"

	customerrors "github.com/theory-cloud/tablemodel/pkg/errors"
	"github.com/theory-cloud/tablemodel/pkg/validation"
)

// Version is the document format written by Marshal.
const Version = "1"

// Document lists table schemas.
type Document struct {
	Version string  `yaml:"version"`
	Tables  []Table `yaml:"tables"`
}

// Table is the key schema and indexes of one table.
type Table struct {
	Name         string  `yaml:"name"`
	PartitionKey Key     `yaml:"partition_key"`
	SortKey      *Key    `yaml:"sort_key,omitempty"`
	Indexes      []Index `yaml:"indexes,omitempty"`
}

// Key is a key attribute and its scalar type: S, N or B.
type Key struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// Index is a global (GSI) or local (LSI) secondary index.
type Index struct {
	Name             string   `yaml:"name"`
	Kind             string   `yaml:"kind"`
	PartitionKey     Key      `yaml:"partition_key"`
	SortKey          *Key     `yaml:"sort_key,omitempty"`
	Projection       string   `yaml:"projection,omitempty"`
	NonKeyAttributes []string `yaml:"non_key_attributes,omitempty"`
}

// Parse decodes and validates a document. Unknown fields are rejected.
func Parse(data []byte) (*Document, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var doc Document
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: schema document: %w", customerrors.ErrInvalidConfig, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Marshal encodes the document as YAML with tables and indexes sorted by name.
func (d *Document) Marshal() ([]byte, error) {
	out := *d
	if out.Version == "" {
		out.Version = Version
	}
	out.Tables = make([]Table, len(d.Tables))
	for i, table := range d.Tables {
		out.Tables[i] = table.normalized()
	}
	sort.Slice(out.Tables, func(i, j int) bool { return out.Tables[i].Name < out.Tables[j].Name })

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(&out); err != nil {
		return nil, err
	}
	if err := encoder.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Table returns the table called name.
func (d *Document) Table(name string) (*Table, bool) {
	for i := range d.Tables {
		if d.Tables[i].Name == name {
			return &d.Tables[i], true
		}
	}
	return nil, false
}

// Validate checks the version, names and key types of every table.
func (d *Document) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: schema document: %s", customerrors.ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	if d.Version != Version {
		return invalid("unsupported version %q", d.Version)
	}

	seen := make(map[string]bool, len(d.Tables))
	for _, table := range d.Tables {
		if err := validation.ValidateTableName(table.Name); err != nil {
			return invalid("table %q: %v", table.Name, err)
		}
		if seen[table.Name] {
			return invalid("table %q is listed twice", table.Name)
		}
		seen[table.Name] = true

		if err := table.PartitionKey.validate(); err != nil {
			return invalid("table %q partition key: %v", table.Name, err)
		}
		if table.SortKey != nil {
			if err := table.SortKey.validate(); err != nil {
				return invalid("table %q sort key: %v", table.Name, err)
			}
		}
		for _, index := range table.Indexes {
			if err := index.validate(); err != nil {
				return invalid("table %q index %q: %v", table.Name, index.Name, err)
			}
		}
	}
	return nil
}

func (k Key) validate() error {
	if k.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch k.Type {
	case string(types.ScalarAttributeTypeS), string(types.ScalarAttributeTypeN), string(types.ScalarAttributeTypeB):
		return nil
	default:
		return fmt.Errorf("type %q is not S, N or B", k.Type)
	}
}

func (i Index) validate() error {
	if err := validation.ValidateIndexName(i.Name); err != nil || i.Name == "" {
		return fmt.Errorf("invalid name")
	}
	if i.Kind != KindGlobal && i.Kind != KindLocal {
		return fmt.Errorf("kind %q is not GSI or LSI", i.Kind)
	}
	if err := i.PartitionKey.validate(); err != nil {
		return err
	}
	if i.SortKey != nil {
		return i.SortKey.validate()
	}
	return nil
}

// Index kinds.
const (
	KindGlobal = "GSI"
	KindLocal  = "LSI"
)

// FromCreateInput describes the table a CreateTable request would create.
func FromCreateInput(in *dynamodb.CreateTableInput) Table {
	defs := definitions(in.AttributeDefinitions)
	table := Table{Name: aws.ToString(in.TableName)}
	table.PartitionKey, table.SortKey = keys(in.KeySchema, defs)
	for _, gsi := range in.GlobalSecondaryIndexes {
		table.Indexes = append(table.Indexes, index(KindGlobal, gsi.IndexName, gsi.KeySchema, gsi.Projection, defs))
	}
	for _, lsi := range in.LocalSecondaryIndexes {
		table.Indexes = append(table.Indexes, index(KindLocal, lsi.IndexName, lsi.KeySchema, lsi.Projection, defs))
	}
	return table.normalized()
}

// FromDescription describes a live table.
func FromDescription(desc *types.TableDescription) Table {
	defs := definitions(desc.AttributeDefinitions)
	table := Table{Name: aws.ToString(desc.TableName)}
	table.PartitionKey, table.SortKey = keys(desc.KeySchema, defs)
	for _, gsi := range desc.GlobalSecondaryIndexes {
		table.Indexes = append(table.Indexes, index(KindGlobal, gsi.IndexName, gsi.KeySchema, gsi.Projection, defs))
	}
	for _, lsi := range desc.LocalSecondaryIndexes {
		table.Indexes = append(table.Indexes, index(KindLocal, lsi.IndexName, lsi.KeySchema, lsi.Projection, defs))
	}
	return table.normalized()
}

func definitions(defs []types.AttributeDefinition) map[string]string {
	out := make(map[string]string, len(defs))
	for _, def := range defs {
		out[aws.ToString(def.AttributeName)] = string(def.AttributeType)
	}
	return out
}

func keys(schema []types.KeySchemaElement, defs map[string]string) (Key, *Key) {
	var partition Key
	var sortKey *Key
	for _, element := range schema {
		name := aws.ToString(element.AttributeName)
		key := Key{Name: name, Type: defs[name]}
		if element.KeyType == types.KeyTypeRange {
			sortKey = &key
		} else {
			partition = key
		}
	}
	return partition, sortKey
}

func index(kind string, name *string, schema []types.KeySchemaElement, projection *types.Projection, defs map[string]string) Index {
	out := Index{Name: aws.ToString(name), Kind: kind, Projection: string(types.ProjectionTypeAll)}
	out.PartitionKey, out.SortKey = keys(schema, defs)
	if projection != nil {
		if projection.ProjectionType != "" {
			out.Projection = string(projection.ProjectionType)
		}
		out.NonKeyAttributes = append([]string(nil), projection.NonKeyAttributes...)
	}
	return out
}

func (t Table) normalized() Table {
	out := t
	out.Indexes = make([]Index, len(t.Indexes))
	for i, index := range t.Indexes {
		index.NonKeyAttributes = append([]string(nil), index.NonKeyAttributes...)
		sort.Strings(index.NonKeyAttributes)
		if index.Projection == "" {
			index.Projection = string(types.ProjectionTypeAll)
		}
		out.Indexes[i] = index
	}
	sort.Slice(out.Indexes, func(i, j int) bool { return out.Indexes[i].Name < out.Indexes[j].Name })
	if len(out.Indexes) == 0 {
		out.Indexes = nil
	}
	return out
}

// Diff lists the differences between the wanted and the actual schema of a
// table. An empty result means they match.
func Diff(want, got Table) []string {
	want, got = want.normalized(), got.normalized()
	var diffs []string
	add := func(format string, args ...any) { diffs = append(diffs, fmt.Sprintf(format, args...)) }

	if want.PartitionKey != got.PartitionKey {
		add("partition key: want %s, got %s", want.PartitionKey, got.PartitionKey)
	}
	if !sameKey(want.SortKey, got.SortKey) {
		add("sort key: want %s, got %s", keyString(want.SortKey), keyString(got.SortKey))
	}

	actual := make(map[string]Index, len(got.Indexes))
	for _, index := range got.Indexes {
		actual[index.Name] = index
	}
	for _, index := range want.Indexes {
		have, ok := actual[index.Name]
		if !ok {
			add("index %s: missing", index.Name)
			continue
		}
		delete(actual, index.Name)
		if index.Kind != have.Kind {
			add("index %s: want %s, got %s", index.Name, index.Kind, have.Kind)
		}
		if index.PartitionKey != have.PartitionKey {
			add("index %s partition key: want %s, got %s", index.Name, index.PartitionKey, have.PartitionKey)
		}
		if !sameKey(index.SortKey, have.SortKey) {
			add("index %s sort key: want %s, got %s", index.Name, keyString(index.SortKey), keyString(have.SortKey))
		}
		if index.Projection != have.Projection || strings.Join(index.NonKeyAttributes, ",") != strings.Join(have.NonKeyAttributes, ",") {
			add("index %s projection: want %s, got %s", index.Name, projectionString(index), projectionString(have))
		}
	}
	extra := make([]string, 0, len(actual))
	for name := range actual {
		extra = append(extra, name)
	}
	sort.Strings(extra)
	for _, name := range extra {
		add("index %s: not in schema", name)
	}
	return diffs
}

func (k Key) String() string {
	return k.Name + " (" + k.Type + ")"
}

func keyString(k *Key) string {
	if k == nil {
		return "none"
	}
	return k.String()
}

func sameKey(a, b *Key) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func projectionString(i Index) string {
	if len(i.NonKeyAttributes) == 0 {
		return i.Projection
	}
	return i.Projection + " [" + strings.Join(i.NonKeyAttributes, ", ") + "]"
}
