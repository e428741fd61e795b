package model

import (
	"fmt"
	"reflect"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/theory-cloud/tablemodel/pkg/errors"
	"github.com/theory-cloud/tablemodel/pkg/tracking"
)

// PrepareCreate fills `default:` fields that are still zero, stamps created_at and
// updated_at and sets the version to 1. v must be an addressable struct value.
func (m *Metadata) PrepareCreate(v reflect.Value, now time.Time) {
	for _, f := range m.FieldList {
		if f.Default == "" {
			continue
		}
		fv := v.FieldByIndex(f.IndexPath)
		if !fv.IsZero() {
			continue
		}
		setDefault(fv, f.Default, now)
	}

	if f := m.CreatedAtField; f != nil {
		if fv := v.FieldByIndex(f.IndexPath); fv.IsZero() {
			fv.Set(reflect.ValueOf(now))
		}
	}
	m.Touch(v, now)
	if f := m.VersionField; f != nil {
		setInt(v.FieldByIndex(f.IndexPath), 1)
	}
}

// PreparePut behaves like PrepareCreate but keeps a non-zero version.
func (m *Metadata) PreparePut(v reflect.Value, now time.Time) {
	version, hasVersion := m.Version(v)
	m.PrepareCreate(v, now)
	if hasVersion && version > 0 {
		setInt(v.FieldByIndex(m.VersionField.IndexPath), version)
	}
}

// Touch stamps the updated_at field.
func (m *Metadata) Touch(v reflect.Value, now time.Time) {
	if f := m.UpdatedAtField; f != nil {
		v.FieldByIndex(f.IndexPath).Set(reflect.ValueOf(now))
	}
}

// Version returns the current version number of v.
func (m *Metadata) Version(v reflect.Value) (int64, bool) {
	if m.VersionField == nil {
		return 0, false
	}
	fv := v.FieldByIndex(m.VersionField.IndexPath)
	switch fv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return fv.Int(), true
	default:
		return int64(fv.Uint()), true
	}
}

// SetVersion overwrites the version number of v.
func (m *Metadata) SetVersion(v reflect.Value, version int64) {
	if m.VersionField != nil {
		setInt(v.FieldByIndex(m.VersionField.IndexPath), version)
	}
}

// Restore holds the bookkeeping fields of a model so a failed write can undo them.
type Restore struct {
	values map[*FieldMetadata]reflect.Value
}

// Remember captures the bookkeeping fields of v.
func (m *Metadata) Remember(v reflect.Value) Restore {
	r := Restore{values: make(map[*FieldMetadata]reflect.Value)}
	for _, f := range m.FieldList {
		if f.Default == "" && !f.IsVersion && !f.IsCreatedAt && !f.IsUpdatedAt {
			continue
		}
		fv := v.FieldByIndex(f.IndexPath)
		saved := reflect.New(fv.Type()).Elem()
		saved.Set(fv)
		r.values[f] = saved
	}
	return r
}

// Apply writes the captured values back into v.
func (r Restore) Apply(v reflect.Value) {
	for f, saved := range r.values {
		v.FieldByIndex(f.IndexPath).Set(saved)
	}
}

// Load hydrates v from item and marks a tracked model clean.
func (m *Metadata) Load(item map[string]types.AttributeValue, v reflect.Value) error {
	if err := m.UnmarshalValue(item, v); err != nil {
		return err
	}
	return m.MarkPersisted(v)
}

// MarkPersisted records the current image of v as the last persisted one. Untracked
// models are left alone.
func (m *Metadata) MarkPersisted(v reflect.Value) error {
	state, ok := stateOf(v)
	if !ok {
		return nil
	}
	item, err := m.MarshalValue(v)
	if err != nil {
		return err
	}
	state.MarkClean(item)
	return nil
}

// MarkDeleted flags a tracked model as deleted.
func (m *Metadata) MarkDeleted(v reflect.Value) {
	if state, ok := stateOf(v); ok {
		state.MarkDeleted()
	}
}

// Discard re-hydrates a clean model from its snapshot, dropping local edits.
func (m *Metadata) Discard(model any) error {
	v, err := m.StructValue(model)
	if err != nil {
		return err
	}
	state, ok := stateOf(v)
	if !ok || state.Status() != tracking.StatusClean {
		return fmt.Errorf("%w: %s has no snapshot to restore", errors.ErrNotPersisted, m.Name())
	}
	return m.UnmarshalValue(state.Snapshot(), v)
}

// Changes reports the attributes of model that differ from its snapshot.
func (m *Metadata) Changes(model any) (tracking.ChangeSet, error) {
	v, err := m.StructValue(model)
	if err != nil {
		return nil, err
	}
	current, err := m.MarshalValue(v)
	if err != nil {
		return nil, err
	}
	state, ok := stateOf(v)
	if !ok {
		return tracking.Diff(nil, current), nil
	}
	return state.Changes(current), nil
}

// LoadItems hydrates dest from items. dest may be a pointer to a model, to a slice
// of models or to a slice of model pointers; a single model receives the first item.
func (m *Metadata) LoadItems(items []map[string]types.AttributeValue, dest any) error {
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Ptr || dv.IsNil() {
		return fmt.Errorf("%w: destination must be a non-nil pointer", errors.ErrInvalidModel)
	}
	target := dv.Elem()

	switch {
	case target.Type() == m.Type:
		if len(items) == 0 {
			return errors.ErrItemNotFound
		}
		return m.Load(items[0], target)
	case target.Kind() == reflect.Slice:
		elem := target.Type().Elem()
		isPtr := elem.Kind() == reflect.Ptr
		if (isPtr && elem.Elem() != m.Type) || (!isPtr && elem != m.Type) {
			return fmt.Errorf("%w: cannot load %s into %s", errors.ErrInvalidModel, m.Name(), target.Type())
		}

		out := reflect.MakeSlice(target.Type(), 0, len(items))
		for _, item := range items {
			ptr := reflect.New(m.Type)
			if err := m.Load(item, ptr.Elem()); err != nil {
				return err
			}
			if isPtr {
				out = reflect.Append(out, ptr)
			} else {
				out = reflect.Append(out, ptr.Elem())
			}
		}
		target.Set(out)
		return nil
	default:
		return fmt.Errorf("%w: cannot load %s into %s", errors.ErrInvalidModel, m.Name(), target.Type())
	}
}

func stateOf(v reflect.Value) (*tracking.State, bool) {
	if !v.CanAddr() {
		return nil, false
	}
	return tracking.Of(v.Addr().Interface())
}

func setDefault(fv reflect.Value, kind string, now time.Time) {
	if fv.Kind() == reflect.Ptr {
		ptr := reflect.New(fv.Type().Elem())
		setDefault(ptr.Elem(), kind, now)
		fv.Set(ptr)
		return
	}
	switch kind {
	case DefaultUUID:
		fv.SetString(uuid.NewString())
	case DefaultULID:
		fv.SetString(ulid.Make().String())
	case DefaultNow:
		fv.Set(reflect.ValueOf(now))
	}
}

func setInt(fv reflect.Value, n int64) {
	switch fv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		fv.SetInt(n)
	default:
		fv.SetUint(uint64(n))
	}
}
