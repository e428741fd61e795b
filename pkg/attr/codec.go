// Package attr converts struct field values to and from DynamoDB attribute values.
//
// A Codec is built once per field when a model is registered. It decides how the field
// is stored (string, number, bool, date, set, binary, JSON text, nested document or a
// caller supplied converter) and applies the read-side coercions needed for data that
// was written by older versions of a model.
package attr

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/theory-cloud/tablemodel/internal/reflectutil"
	"github.com/theory-cloud/tablemodel/pkg/errors"
)

// Kind identifies the storage strategy of a Codec.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindBool
	KindDate
	KindSet
	KindBinary
	KindJSON
	KindDocument
	KindCustom
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindDate:
		return "date"
	case KindSet:
		return "set"
	case KindBinary:
		return "binary"
	case KindJSON:
		return "json"
	case KindDocument:
		return "document"
	case KindCustom:
		return "custom"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Options carries the tag-level switches that influence a Codec.
type Options struct {
	Converters *Converters
	Format     DateFormat
	Set        bool
	JSON       bool
	OmitEmpty  bool
}

// Codec marshals one field type.
type Codec struct {
	typ  reflect.Type
	base reflect.Type
	opts Options
	kind Kind
	ptr  bool
}

var (
	timeType        = reflect.TypeOf(time.Time{})
	marshalerType   = reflect.TypeOf((*attributevalue.Marshaler)(nil)).Elem()
	unmarshalerType = reflect.TypeOf((*attributevalue.Unmarshaler)(nil)).Elem()
	avType          = reflect.TypeOf((*types.AttributeValue)(nil)).Elem()
)

// NewCodec resolves the storage strategy for typ.
func NewCodec(typ reflect.Type, opts Options) (*Codec, error) {
	if typ == nil {
		return nil, fmt.Errorf("%w: nil type", errors.ErrUnsupportedType)
	}

	c := &Codec{typ: typ, base: typ, opts: opts}
	if typ.Kind() == reflect.Ptr {
		c.ptr = true
		c.base = typ.Elem()
	}

	kind, err := resolveKind(c.base, opts)
	if err != nil {
		return nil, err
	}
	c.kind = kind

	if opts.Format != "" {
		if kind != KindDate {
			return nil, fmt.Errorf("%w: format %q requires a time.Time field, got %s", errors.ErrUnsupportedType, opts.Format, typ)
		}
		if _, err := ParseDateFormat(string(opts.Format)); err != nil {
			return nil, err
		}
	} else {
		c.opts.Format = FormatISO8601
	}

	return c, nil
}

func resolveKind(t reflect.Type, opts Options) (Kind, error) {
	if _, ok := opts.Converters.Lookup(t); ok {
		return KindCustom, nil
	}
	if t.Implements(marshalerType) || reflect.PointerTo(t).Implements(marshalerType) ||
		reflect.PointerTo(t).Implements(unmarshalerType) {
		return KindCustom, nil
	}
	if opts.JSON {
		return KindJSON, nil
	}
	if t == timeType {
		return KindDate, nil
	}
	if opts.Set {
		if t.Kind() != reflect.Slice {
			return 0, fmt.Errorf("%w: set requires a slice, got %s", errors.ErrUnsupportedType, t)
		}
		if _, ok := setKindOf(t.Elem()); !ok {
			return 0, fmt.Errorf("%w: set members must be strings, numbers or []byte, got %s", errors.ErrUnsupportedType, t.Elem())
		}
		return KindSet, nil
	}
	if isByteSlice(t) {
		return KindBinary, nil
	}

	switch t.Kind() {
	case reflect.String:
		return KindString, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return KindNumber, nil
	case reflect.Bool:
		return KindBool, nil
	case reflect.Struct, reflect.Map, reflect.Slice, reflect.Array, reflect.Interface:
		return KindDocument, nil
	default:
		return 0, fmt.Errorf("%w: %s", errors.ErrUnsupportedType, t)
	}
}

// Kind reports the storage strategy.
func (c *Codec) Kind() Kind { return c.kind }

// Type returns the declared Go type the codec was built for.
func (c *Codec) Type() reflect.Type { return c.typ }

// Format returns the date format; it is only meaningful for KindDate.
func (c *Codec) Format() DateFormat { return c.opts.Format }

// KeyType reports the scalar attribute type used when the field is part of a key.
// The second result is false when the field cannot be a key.
func (c *Codec) KeyType() (types.ScalarAttributeType, bool) {
	switch c.kind {
	case KindString:
		return types.ScalarAttributeTypeS, true
	case KindNumber:
		return types.ScalarAttributeTypeN, true
	case KindBinary:
		return types.ScalarAttributeTypeB, true
	case KindDate:
		if c.opts.Format == FormatUnix || c.opts.Format == FormatUnixMilli {
			return types.ScalarAttributeTypeN, true
		}
		return types.ScalarAttributeTypeS, true
	default:
		return "", false
	}
}

// Marshal converts v, a value of the codec's declared type. The boolean result is false
// when the attribute should be left out of the item: nil pointers, nil collections,
// empty sets, and zero values of omitempty fields.
func (c *Codec) Marshal(v reflect.Value) (types.AttributeValue, bool, error) {
	if !v.IsValid() {
		return nil, false, nil
	}
	if c.ptr {
		if v.IsNil() {
			return nil, false, nil
		}
		v = v.Elem()
	}
	if c.opts.OmitEmpty && reflectutil.IsEmpty(v) {
		return nil, false, nil
	}

	if conv, ok := c.opts.Converters.Lookup(c.base); ok {
		av, err := conv.ToAttributeValue(v.Interface())
		if err != nil {
			return nil, false, err
		}
		return av, av != nil, nil
	}

	switch c.kind {
	case KindString:
		return &types.AttributeValueMemberS{Value: v.String()}, true, nil
	case KindNumber:
		return &types.AttributeValueMemberN{Value: formatNumber(v)}, true, nil
	case KindBool:
		return &types.AttributeValueMemberBOOL{Value: v.Bool()}, true, nil
	case KindDate:
		t, ok := v.Interface().(time.Time)
		if !ok {
			return nil, false, fmt.Errorf("%w: expected time.Time, got %s", errors.ErrUnsupportedType, v.Type())
		}
		return formatTime(t, c.opts.Format), true, nil
	case KindSet:
		av := marshalSet(v)
		return av, av != nil, nil
	case KindBinary:
		if v.IsNil() {
			return nil, false, nil
		}
		return &types.AttributeValueMemberB{Value: append([]byte(nil), v.Bytes()...)}, true, nil
	case KindJSON:
		data, err := json.Marshal(v.Interface())
		if err != nil {
			return nil, false, fmt.Errorf("json field: %w", err)
		}
		return &types.AttributeValueMemberS{Value: string(data)}, true, nil
	case KindCustom:
		return marshalCustom(v)
	default:
		return marshalDocument(v)
	}
}

// MarshalAny converts a caller supplied value (for example a query operand) using the
// codec when the value has the field's type, and the document rules otherwise.
func (c *Codec) MarshalAny(value any) (types.AttributeValue, error) {
	if value == nil {
		return &types.AttributeValueMemberNULL{Value: true}, nil
	}
	if av, ok := value.(types.AttributeValue); ok {
		return av, nil
	}

	rv := reflect.ValueOf(value)
	if converted, ok := c.coerce(rv); ok {
		av, present, err := c.withoutOmitEmpty().Marshal(converted)
		if err != nil {
			return nil, err
		}
		if present {
			return av, nil
		}
	}

	av, err := attributevalue.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrUnsupportedType, err)
	}
	return av, nil
}

func (c *Codec) withoutOmitEmpty() *Codec {
	if !c.opts.OmitEmpty {
		return c
	}
	clone := *c
	clone.opts.OmitEmpty = false
	return &clone
}

// coerce converts rv to the declared type when both are the same family of scalar.
func (c *Codec) coerce(rv reflect.Value) (reflect.Value, bool) {
	if rv.Type() == c.typ {
		return rv, true
	}
	if c.ptr && rv.Type() == c.base {
		ptr := reflect.New(c.base)
		ptr.Elem().Set(rv)
		return ptr, true
	}
	if c.kind != KindString && c.kind != KindNumber {
		return reflect.Value{}, false
	}
	if sameScalarFamily(rv.Kind(), c.base.Kind()) && rv.Type().ConvertibleTo(c.base) {
		converted := rv.Convert(c.base)
		if c.ptr {
			ptr := reflect.New(c.base)
			ptr.Elem().Set(converted)
			return ptr, true
		}
		return converted, true
	}
	return reflect.Value{}, false
}

// Unmarshal decodes av into target, which must be settable and of the codec's type.
// A nil or NULL attribute resets the target to its zero value.
func (c *Codec) Unmarshal(av types.AttributeValue, target reflect.Value) error {
	if !target.CanSet() {
		return fmt.Errorf("%w: target of type %s is not settable", errors.ErrUnsupportedType, target.Type())
	}
	if isNull(av) {
		target.Set(reflect.Zero(target.Type()))
		return nil
	}

	if c.ptr {
		elem := reflect.New(c.base)
		if err := c.unmarshalBase(av, elem.Elem()); err != nil {
			return err
		}
		target.Set(elem)
		return nil
	}
	return c.unmarshalBase(av, target)
}

func (c *Codec) unmarshalBase(av types.AttributeValue, target reflect.Value) error {
	if conv, ok := c.opts.Converters.Lookup(c.base); ok {
		ptr := reflect.New(c.base)
		if err := conv.FromAttributeValue(av, ptr.Interface()); err != nil {
			return err
		}
		target.Set(ptr.Elem())
		return nil
	}

	switch c.kind {
	case KindString:
		return decodeString(av, target)
	case KindNumber:
		return decodeNumber(av, target)
	case KindBool:
		return decodeBool(av, target)
	case KindDate:
		t, err := decodeTime(av, c.opts.Format)
		if err != nil {
			return err
		}
		target.Set(reflect.ValueOf(t))
		return nil
	case KindSet:
		return decodeSet(av, target)
	case KindBinary:
		b, ok := av.(*types.AttributeValueMemberB)
		if !ok {
			return unsupported(av, target.Type())
		}
		target.SetBytes(append([]byte(nil), b.Value...))
		return nil
	case KindJSON:
		s, ok := av.(*types.AttributeValueMemberS)
		if !ok {
			return unsupported(av, target.Type())
		}
		ptr := reflect.New(c.base)
		if err := json.Unmarshal([]byte(s.Value), ptr.Interface()); err != nil {
			return fmt.Errorf("json field: %w", err)
		}
		target.Set(ptr.Elem())
		return nil
	default:
		ptr := reflect.New(c.base)
		if err := attributevalue.Unmarshal(av, ptr.Interface()); err != nil {
			return fmt.Errorf("%w: %v", errors.ErrUnsupportedType, err)
		}
		target.Set(ptr.Elem())
		return nil
	}
}

func marshalCustom(v reflect.Value) (types.AttributeValue, bool, error) {
	var (
		av  types.AttributeValue
		err error
	)
	switch {
	case v.CanAddr() && reflect.PointerTo(v.Type()).Implements(marshalerType):
		av, err = v.Addr().Interface().(attributevalue.Marshaler).MarshalDynamoDBAttributeValue()
	case v.Type().Implements(marshalerType):
		av, err = v.Interface().(attributevalue.Marshaler).MarshalDynamoDBAttributeValue()
	default:
		av, err = attributevalue.Marshal(v.Interface())
	}
	if err != nil {
		return nil, false, err
	}
	if av == nil || isNull(av) {
		return nil, false, nil
	}
	return av, true, nil
}

func marshalDocument(v reflect.Value) (types.AttributeValue, bool, error) {
	switch v.Kind() {
	case reflect.Map, reflect.Slice, reflect.Interface:
		if v.IsNil() {
			return nil, false, nil
		}
	}
	if v.Type().Implements(avType) {
		av, _ := v.Interface().(types.AttributeValue)
		return av, av != nil, nil
	}

	av, err := attributevalue.Marshal(v.Interface())
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", errors.ErrUnsupportedType, err)
	}
	if isNull(av) {
		return nil, false, nil
	}
	return av, true, nil
}

func isNull(av types.AttributeValue) bool {
	if av == nil {
		return true
	}
	_, ok := av.(*types.AttributeValueMemberNULL)
	return ok
}

func isByteSlice(t reflect.Type) bool {
	return t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8
}

func sameScalarFamily(a, b reflect.Kind) bool {
	return (a == reflect.String && b == reflect.String) || (isNumberKind(a) && isNumberKind(b))
}

func isNumberKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}

func unsupported(av types.AttributeValue, target reflect.Type) error {
	return fmt.Errorf("%w: cannot decode %s into %s", errors.ErrUnsupportedType, TypeName(av), target)
}
