// Package model provides model registration and metadata management for tablemodel
package model

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/theory-cloud/tablemodel/pkg/attr"
	"github.com/theory-cloud/tablemodel/pkg/errors"
	"github.com/theory-cloud/tablemodel/pkg/naming"
	"github.com/theory-cloud/tablemodel/pkg/tracking"
)

const tagValueTrue = "true"

// Default value generators accepted by the `default:` tag.
const (
	DefaultUUID = "uuid"
	DefaultULID = "ulid"
	DefaultNow  = "now"
)

var (
	stateType = reflect.TypeOf(tracking.State{})
	timeType  = reflect.TypeOf(time.Time{})
)

// Registry manages registered models and their metadata
type Registry struct {
	converters *attr.Converters
	models     map[reflect.Type]*Metadata
	tables     map[string]*Metadata
	mu         sync.RWMutex
}

// NewRegistry creates a new model registry. Codecs built by the registry consult
// converters for custom types; a nil registry of converters gets a private one.
func NewRegistry(converters *attr.Converters) *Registry {
	if converters == nil {
		converters = attr.NewConverters()
	}
	return &Registry{
		converters: converters,
		models:     make(map[reflect.Type]*Metadata),
		tables:     make(map[string]*Metadata),
	}
}

// Converters returns the converter registry shared by all codecs of this registry.
func (r *Registry) Converters() *attr.Converters {
	return r.converters
}

// Register registers a model and parses its metadata
func (r *Registry) Register(model any) error {
	_, err := r.Resolve(model)
	return err
}

// Resolve returns the metadata of model, registering it first when needed.
func (r *Registry) Resolve(model any) (*Metadata, error) {
	modelType, err := structType(model)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	metadata, exists := r.models[modelType]
	r.mu.RUnlock()
	if exists {
		return metadata, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if metadata, exists := r.models[modelType]; exists {
		return metadata, nil
	}

	metadata, err = parseMetadata(modelType, r.converters)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", modelType.Name(), err)
	}

	r.models[modelType] = metadata
	r.tables[metadata.TableName] = metadata
	return metadata, nil
}

// GetMetadata retrieves metadata for a registered model
func (r *Registry) GetMetadata(model any) (*Metadata, error) {
	modelType, err := structType(model)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	metadata, exists := r.models[modelType]
	if !exists {
		return nil, fmt.Errorf("%w: model not registered: %s", errors.ErrInvalidModel, modelType.Name())
	}

	return metadata, nil
}

// GetMetadataByTable retrieves metadata by table name
func (r *Registry) GetMetadataByTable(tableName string) (*Metadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	metadata, exists := r.tables[tableName]
	if !exists {
		return nil, fmt.Errorf("%w: no model registered for table %s", errors.ErrTableNotFound, tableName)
	}

	return metadata, nil
}

// Models returns the metadata of every registered model.
func (r *Registry) Models() []*Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Metadata, 0, len(r.models))
	for _, metadata := range r.models {
		out = append(out, metadata)
	}
	return out
}

// structType resolves the struct type behind model, which may be a value, a pointer,
// a slice of either, or a pointer to such a slice.
func structType(model any) (reflect.Type, error) {
	if model == nil {
		return nil, fmt.Errorf("%w: model cannot be nil", errors.ErrInvalidModel)
	}

	modelType := reflect.TypeOf(model)
	for modelType.Kind() == reflect.Ptr || modelType.Kind() == reflect.Slice {
		modelType = modelType.Elem()
	}

	if modelType.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: model must be a struct", errors.ErrInvalidModel)
	}
	return modelType, nil
}

// parseMetadata parses model metadata from struct tags
func parseMetadata(modelType reflect.Type, converters *attr.Converters) (*Metadata, error) {
	convention := detectNamingConvention(modelType)
	metadata := newMetadata(modelType, resolveTableName(modelType), convention)

	p := &parser{metadata: metadata, converters: converters, indexes: make(map[string]*IndexSchema)}
	if err := p.parseFields(modelType, []int{}); err != nil {
		return nil, err
	}

	if metadata.PrimaryKey.PartitionKey == nil {
		return nil, errors.ErrMissingPrimaryKey
	}

	if err := p.registerIndexes(); err != nil {
		return nil, err
	}

	return metadata, nil
}

func newMetadata(modelType reflect.Type, tableName string, convention naming.Convention) *Metadata {
	return &Metadata{
		Type:             modelType,
		TableName:        tableName,
		NamingConvention: convention,
		PrimaryKey:       &KeySchema{},
		Fields:           make(map[string]*FieldMetadata),
		FieldsByDBName:   make(map[string]*FieldMetadata),
		Indexes:          make([]IndexSchema, 0),
	}
}

func resolveTableName(modelType reflect.Type) string {
	if name := tableNameFromMethod(reflect.New(modelType).Elem()); name != "" {
		return name
	}
	if name := tableNameFromMethod(reflect.New(modelType)); name != "" {
		return name
	}
	return naming.TableName(modelType.Name())
}

func tableNameFromMethod(receiver reflect.Value) string {
	method := receiver.MethodByName("TableName")
	if !method.IsValid() {
		return ""
	}
	if method.Type().NumIn() != 0 || method.Type().NumOut() != 1 {
		return ""
	}

	results := method.Call(nil)
	if len(results) == 0 || results[0].Kind() != reflect.String {
		return ""
	}

	return results[0].String()
}

type parser struct {
	metadata   *Metadata
	converters *attr.Converters
	indexes    map[string]*IndexSchema
	order      []string
}

func (p *parser) registerIndexes() error {
	metadata := p.metadata
	for _, name := range p.order {
		index := p.indexes[name]
		if index.Type == LocalSecondaryIndex {
			if metadata.PrimaryKey.SortKey == nil {
				return fmt.Errorf("%w: local index %s requires a table sort key", errors.ErrInvalidTag, name)
			}
			if index.SortKey == nil {
				return fmt.Errorf("%w: local index %s has no sort key", errors.ErrInvalidTag, name)
			}
			index.PartitionKey = metadata.PrimaryKey.PartitionKey
		} else if index.PartitionKey == nil {
			return fmt.Errorf("%w: missing partition key for index %s", errors.ErrInvalidTag, name)
		}
		if index.ProjectionType == "" {
			index.ProjectionType = ProjectionAll
		}
		for i, projected := range index.ProjectedFields {
			if f, ok := metadata.Field(projected); ok {
				index.ProjectedFields[i] = f.DBName
			}
		}

		metadata.Indexes = append(metadata.Indexes, *index)
	}

	return nil
}

// parseFields recursively parses fields including embedded structs
func (p *parser) parseFields(modelType reflect.Type, indexPath []int) error {
	for i := 0; i < modelType.NumField(); i++ {
		field := modelType.Field(i)
		currentPath := appendIndexPath(indexPath, i)

		if err := p.parseField(field, currentPath); err != nil {
			return err
		}
	}

	return nil
}

func appendIndexPath(indexPath []int, index int) []int {
	currentPath := make([]int, len(indexPath)+1)
	copy(currentPath, indexPath)
	currentPath[len(indexPath)] = index
	return currentPath
}

func (p *parser) parseField(field reflect.StructField, indexPath []int) error {
	if field.Anonymous && field.Type == stateType {
		return nil
	}
	if !field.IsExported() {
		return nil
	}

	if isEmbeddedStruct(field) {
		return p.parseFields(field.Type, indexPath)
	}

	fieldMeta, err := parseFieldMetadata(field, indexPath, p.metadata.NamingConvention, p.converters)
	if err != nil {
		return fmt.Errorf("field %s: %w", field.Name, err)
	}
	if fieldMeta == nil {
		return nil
	}

	if err := p.registerField(fieldMeta); err != nil {
		return err
	}

	if err := p.applyKeyFields(fieldMeta); err != nil {
		return err
	}

	if err := p.applySpecialFields(fieldMeta); err != nil {
		return err
	}
	return p.applyFieldIndexes(fieldMeta)
}

func isEmbeddedStruct(field reflect.StructField) bool {
	return field.Anonymous && field.Type.Kind() == reflect.Struct && field.Type != timeType
}

func (p *parser) registerField(fieldMeta *FieldMetadata) error {
	metadata := p.metadata
	if existing, ok := metadata.FieldsByDBName[fieldMeta.DBName]; ok {
		return fmt.Errorf("%w: attribute %q used by both %s and %s", errors.ErrInvalidTag, fieldMeta.DBName, existing.Name, fieldMeta.Name)
	}
	metadata.Fields[fieldMeta.Name] = fieldMeta
	metadata.FieldsByDBName[fieldMeta.DBName] = fieldMeta
	metadata.FieldList = append(metadata.FieldList, fieldMeta)
	return nil
}

func (p *parser) applyKeyFields(fieldMeta *FieldMetadata) error {
	metadata := p.metadata
	if fieldMeta.IsPK || fieldMeta.IsSK || len(fieldMeta.IndexInfo) > 0 {
		if _, ok := fieldMeta.Codec.KeyType(); !ok {
			return fmt.Errorf("%w: key field %s must be a string, number or binary", errors.ErrInvalidTag, fieldMeta.Name)
		}
	}

	if fieldMeta.IsPK {
		if metadata.PrimaryKey.PartitionKey != nil {
			return fmt.Errorf("field %s: %w", fieldMeta.Name, errors.ErrDuplicatePrimaryKey)
		}
		metadata.PrimaryKey.PartitionKey = fieldMeta
	}

	if fieldMeta.IsSK {
		if metadata.PrimaryKey.SortKey != nil {
			return fmt.Errorf("%w: duplicate sort key definition on %s", errors.ErrInvalidTag, fieldMeta.Name)
		}
		metadata.PrimaryKey.SortKey = fieldMeta
	}

	return nil
}

func (p *parser) applySpecialFields(fieldMeta *FieldMetadata) error {
	metadata := p.metadata
	type special struct {
		enabled bool
		slot    **FieldMetadata
		label   string
	}
	for _, s := range []special{
		{fieldMeta.IsVersion, &metadata.VersionField, "version"},
		{fieldMeta.IsTTL, &metadata.TTLField, "ttl"},
		{fieldMeta.IsCreatedAt, &metadata.CreatedAtField, "created_at"},
		{fieldMeta.IsUpdatedAt, &metadata.UpdatedAtField, "updated_at"},
	} {
		if !s.enabled {
			continue
		}
		if *s.slot != nil {
			return fmt.Errorf("%w: more than one %s field", errors.ErrInvalidTag, s.label)
		}
		*s.slot = fieldMeta
	}
	return nil
}

func (p *parser) applyFieldIndexes(fieldMeta *FieldMetadata) error {
	names := make([]string, 0, len(fieldMeta.IndexInfo))
	for name := range fieldMeta.IndexInfo {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, indexName := range names {
		role := fieldMeta.IndexInfo[indexName]
		index := p.getOrCreateIndexSchema(fieldMeta, indexName)

		if role.IsPK {
			if index.PartitionKey != nil {
				return fmt.Errorf("%w: duplicate partition key for index %s", errors.ErrInvalidTag, indexName)
			}
			index.PartitionKey = fieldMeta
		}
		if role.IsSK {
			if index.SortKey != nil {
				return fmt.Errorf("%w: duplicate sort key for index %s", errors.ErrInvalidTag, indexName)
			}
			index.SortKey = fieldMeta
		}

		if projection := fieldMeta.Projection; projection != "" && (role.IsPK || index.Type == LocalSecondaryIndex) {
			applyProjection(index, projection)
		}
	}

	return nil
}

func applyProjection(index *IndexSchema, projection string) {
	switch strings.ToUpper(projection) {
	case ProjectionAll:
		index.ProjectionType = ProjectionAll
	case ProjectionKeysOnly:
		index.ProjectionType = ProjectionKeysOnly
	default:
		index.ProjectionType = ProjectionInclude
		index.ProjectedFields = strings.Split(projection, "|")
	}
}

func (p *parser) getOrCreateIndexSchema(fieldMeta *FieldMetadata, indexName string) *IndexSchema {
	index, exists := p.indexes[indexName]
	if exists {
		return index
	}

	indexType := GlobalSecondaryIndex
	if _, isLSI := fieldMeta.Tags["lsi:"+indexName]; isLSI {
		indexType = LocalSecondaryIndex
	}

	index = &IndexSchema{
		Name: indexName,
		Type: indexType,
	}
	p.indexes[indexName] = index
	p.order = append(p.order, indexName)
	return index
}

// parseFieldMetadata parses metadata for a single field
func parseFieldMetadata(field reflect.StructField, indexPath []int, convention naming.Convention, converters *attr.Converters) (*FieldMetadata, error) {
	dbName, skip := naming.ResolveAttrName(field, convention)
	if skip {
		return nil, nil
	}

	meta := &FieldMetadata{
		Name:      field.Name,
		Type:      field.Type,
		DBName:    dbName,
		IndexPath: indexPath,
		Tags:      make(map[string]string),
		IndexInfo: make(map[string]IndexRole),
	}

	applyImplicitTimestampTags(meta, field)

	if tag := field.Tag.Get(naming.TagKey); tag != "" {
		if err := parseTag(meta, tag); err != nil {
			return nil, err
		}
	}

	if err := validateFieldType(meta); err != nil {
		return nil, err
	}

	if _, explicit := meta.Tags["attr"]; !explicit {
		if err := naming.ValidateAttrName(meta.DBName, convention); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrInvalidTag, err)
		}
	}

	codec, err := attr.NewCodec(field.Type, attr.Options{
		Converters: converters,
		Format:     meta.Format,
		Set:        meta.IsSet,
		JSON:       meta.IsJSON,
		OmitEmpty:  meta.OmitEmpty,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrInvalidTag, err)
	}
	meta.Codec = codec

	return meta, nil
}

func applyImplicitTimestampTags(meta *FieldMetadata, field reflect.StructField) {
	if field.Type != timeType {
		return
	}
	if field.Name == "CreatedAt" {
		meta.IsCreatedAt = true
	}
	if field.Name == "UpdatedAt" {
		meta.IsUpdatedAt = true
	}
}

func parseTag(meta *FieldMetadata, tag string) error {
	for _, part := range splitTags(tag) {
		if err := applyTagPart(meta, part); err != nil {
			return err
		}
	}
	return nil
}

func applyTagPart(meta *FieldMetadata, part string) error {
	if colonIdx := strings.Index(part, ":"); colonIdx > 0 {
		key := part[:colonIdx]
		value := strings.TrimSpace(part[colonIdx+1:])
		return applyKeyValueTag(meta, key, value)
	}
	return applySimpleTag(meta, part)
}

func applyKeyValueTag(meta *FieldMetadata, key, value string) error {
	if value == "" {
		return fmt.Errorf("%w: empty value for '%s'", errors.ErrInvalidTag, key)
	}

	switch key {
	case "attr":
		meta.DBName = value
		meta.Tags["attr"] = value
		return nil
	case "index":
		return parseIndexTag(meta, value)
	case "lsi":
		return parseLSITag(meta, value)
	case "project":
		meta.Projection = value
		return nil
	case "format":
		format, err := attr.ParseDateFormat(value)
		if err != nil {
			return err
		}
		meta.Format = format
		return nil
	case "default":
		switch value {
		case DefaultUUID, DefaultULID, DefaultNow:
			meta.Default = value
			return nil
		default:
			return fmt.Errorf("%w: unknown default generator '%s'", errors.ErrInvalidTag, value)
		}
	case "naming":
		return nil
	default:
		return fmt.Errorf("%w: unknown tag '%s'", errors.ErrInvalidTag, key)
	}
}

func applySimpleTag(meta *FieldMetadata, tag string) error {
	switch tag {
	case "pk":
		meta.IsPK = true
	case "sk":
		meta.IsSK = true
	case "version":
		meta.IsVersion = true
	case "ttl":
		meta.IsTTL = true
	case "created_at":
		meta.IsCreatedAt = true
	case "updated_at":
		meta.IsUpdatedAt = true
	case "set":
		meta.IsSet = true
	case "json":
		meta.IsJSON = true
	case "omitempty":
		meta.OmitEmpty = true
	default:
		return fmt.Errorf("%w: unknown tag '%s'", errors.ErrInvalidTag, tag)
	}
	meta.Tags[tag] = tagValueTrue
	return nil
}

func parseLSITag(meta *FieldMetadata, value string) error {
	lsiParts := strings.Split(value, ",")
	indexName := strings.TrimSpace(lsiParts[0])

	for _, raw := range lsiParts[1:] {
		if modifier := strings.TrimSpace(raw); modifier != "sk" {
			return fmt.Errorf("%w: unknown lsi tag modifier '%s'", errors.ErrInvalidTag, modifier)
		}
	}

	meta.IndexInfo[indexName] = IndexRole{IndexName: indexName, IsSK: true}
	meta.Tags["lsi:"+indexName] = tagValueTrue
	return nil
}

// parseIndexTag parses an index tag value; a bare index name marks the partition key
func parseIndexTag(meta *FieldMetadata, value string) error {
	parts := strings.Split(value, ",")
	indexName := strings.TrimSpace(parts[0])

	role := IndexRole{IndexName: indexName}

	if len(parts) == 1 {
		role.IsPK = true
	}
	for _, raw := range parts[1:] {
		switch part := strings.TrimSpace(raw); part {
		case "":
		case "pk":
			role.IsPK = true
		case "sk":
			role.IsSK = true
		default:
			return fmt.Errorf("%w: unknown index tag modifier '%s'", errors.ErrInvalidTag, part)
		}
	}
	if !role.IsPK && !role.IsSK {
		role.IsPK = true
	}

	meta.IndexInfo[indexName] = role
	return nil
}

// validateFieldType validates field type against tag requirements
func validateFieldType(meta *FieldMetadata) error {
	base := meta.Type
	if base.Kind() == reflect.Ptr {
		base = base.Elem()
	}

	if meta.IsVersion {
		switch meta.Type.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		default:
			return fmt.Errorf("%w: version field must be an integer", errors.ErrInvalidTag)
		}
	}

	if meta.IsTTL {
		switch {
		case meta.Type.Kind() == reflect.Int64, meta.Type.Kind() == reflect.Uint64:
		case meta.Type == timeType:
			if meta.Format != "" && meta.Format != attr.FormatUnix {
				return fmt.Errorf("%w: ttl field must be stored as unix seconds", errors.ErrInvalidTag)
			}
			meta.Format = attr.FormatUnix
		default:
			return fmt.Errorf("%w: ttl field must be int64, uint64 or time.Time", errors.ErrInvalidTag)
		}
	}

	if meta.IsSet && meta.Type.Kind() != reflect.Slice {
		return fmt.Errorf("%w: set tag can only be used on slice types", errors.ErrInvalidTag)
	}

	if meta.IsCreatedAt || meta.IsUpdatedAt {
		if meta.Type != timeType {
			return fmt.Errorf("%w: created_at/updated_at fields must be time.Time", errors.ErrInvalidTag)
		}
	}

	switch meta.Default {
	case DefaultUUID, DefaultULID:
		if base.Kind() != reflect.String {
			return fmt.Errorf("%w: default:%s requires a string field", errors.ErrInvalidTag, meta.Default)
		}
	case DefaultNow:
		if base != timeType {
			return fmt.Errorf("%w: default:now requires a time.Time field", errors.ErrInvalidTag)
		}
	}

	if meta.Projection != "" && len(meta.IndexInfo) == 0 {
		return fmt.Errorf("%w: project requires an index tag on the same field", errors.ErrInvalidTag)
	}

	return nil
}

// splitTags splits struct tags while keeping index/LSI modifiers attached to the index tag
func splitTags(tag string) []string {
	tokens := strings.Split(tag, ",")
	parts := make([]string, 0, len(tokens))

	var current strings.Builder
	inIndexClause := false

	flushCurrent := func() {
		if current.Len() == 0 {
			return
		}
		parts = append(parts, current.String())
		current.Reset()
		inIndexClause = false
	}

	for _, raw := range tokens {
		part := strings.TrimSpace(raw)
		if part == "" {
			continue
		}

		if inIndexClause {
			if isIndexModifier(part) {
				current.WriteString(",")
				current.WriteString(part)
				continue
			}
			flushCurrent()
		}

		if strings.HasPrefix(part, "index:") || strings.HasPrefix(part, "lsi:") {
			inIndexClause = true
			current.WriteString(part)
			continue
		}

		parts = append(parts, part)
	}

	flushCurrent()

	return parts
}

// detectNamingConvention scans struct fields, usually the blank identifier, for a
// `tablemodel:"naming:snake_case"` tag. CamelCase is the default.
func detectNamingConvention(modelType reflect.Type) naming.Convention {
	for i := 0; i < modelType.NumField(); i++ {
		tag := modelType.Field(i).Tag.Get(naming.TagKey)
		if tag == "" {
			continue
		}

		for _, part := range strings.Split(tag, ",") {
			part = strings.TrimSpace(part)
			if value, ok := strings.CutPrefix(part, "naming:"); ok {
				if convention, ok := naming.ParseConvention(value); ok {
					return convention
				}
			}
		}
	}

	return naming.CamelCase
}

// isIndexModifier returns true if the token belongs to the current index/LSI clause
func isIndexModifier(token string) bool {
	switch token {
	case "pk", "sk":
		return true
	default:
		return false
	}
}
