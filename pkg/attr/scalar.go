package attr

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/theory-cloud/tablemodel/pkg/errors"
)

// DateFormat selects how time.Time fields are stored.
type DateFormat string

const (
	// FormatISO8601 stores RFC3339 text with nanoseconds. It is the default.
	FormatISO8601 DateFormat = "iso8601"
	// FormatUnix stores whole seconds since the epoch as a number.
	FormatUnix DateFormat = "unix"
	// FormatUnixMilli stores milliseconds since the epoch as a number.
	FormatUnixMilli DateFormat = "unixmilli"
	// FormatDate stores the calendar date only, as 2006-01-02 text.
	FormatDate DateFormat = "date"
)

const dateLayout = "2006-01-02"

// ParseDateFormat validates the value of a `format:` tag.
func ParseDateFormat(value string) (DateFormat, error) {
	switch DateFormat(strings.ToLower(strings.TrimSpace(value))) {
	case FormatISO8601, "rfc3339", "":
		return FormatISO8601, nil
	case FormatUnix:
		return FormatUnix, nil
	case FormatUnixMilli:
		return FormatUnixMilli, nil
	case FormatDate:
		return FormatDate, nil
	default:
		return "", fmt.Errorf("%w: unknown date format %q", errors.ErrInvalidTag, value)
	}
}

func formatTime(t time.Time, format DateFormat) types.AttributeValue {
	switch format {
	case FormatUnix:
		return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.Unix(), 10)}
	case FormatUnixMilli:
		return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.UnixMilli(), 10)}
	case FormatDate:
		return &types.AttributeValueMemberS{Value: t.Format(dateLayout)}
	default:
		return &types.AttributeValueMemberS{Value: t.Format(time.RFC3339Nano)}
	}
}

func decodeTime(av types.AttributeValue, format DateFormat) (time.Time, error) {
	switch v := av.(type) {
	case *types.AttributeValueMemberN:
		n, err := parseInteger(v.Value)
		if err != nil {
			return time.Time{}, err
		}
		if format == FormatUnixMilli {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	case *types.AttributeValueMemberS:
		text := strings.TrimSpace(v.Value)
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, dateLayout} {
			if t, err := time.Parse(layout, text); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("%w: %q is not a recognised time", errors.ErrUnsupportedType, v.Value)
	default:
		return time.Time{}, unsupported(av, timeType)
	}
}

func formatNumber(v reflect.Value) string {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(v.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(v.Uint(), 10)
	case reflect.Float32:
		return strconv.FormatFloat(v.Float(), 'f', -1, 32)
	default:
		return strconv.FormatFloat(v.Float(), 'f', -1, 64)
	}
}

func decodeString(av types.AttributeValue, target reflect.Value) error {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		target.SetString(v.Value)
	case *types.AttributeValueMemberN:
		target.SetString(v.Value)
	default:
		return unsupported(av, target.Type())
	}
	return nil
}

func decodeNumber(av types.AttributeValue, target reflect.Value) error {
	var text string
	switch v := av.(type) {
	case *types.AttributeValueMemberN:
		text = v.Value
	case *types.AttributeValueMemberS:
		text = strings.TrimSpace(v.Value)
	default:
		return unsupported(av, target.Type())
	}
	return setNumber(text, target)
}

func setNumber(text string, target reflect.Value) error {
	switch target.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := parseInteger(text)
		if err != nil {
			return err
		}
		if target.OverflowInt(n) {
			return fmt.Errorf("%w: %s overflows %s", errors.ErrUnsupportedType, text, target.Type())
		}
		target.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(text, 10, 64)
		if err != nil {
			signed, serr := parseInteger(text)
			if serr != nil || signed < 0 {
				return fmt.Errorf("%w: %q is not an unsigned integer", errors.ErrUnsupportedType, text)
			}
			n = uint64(signed)
		}
		if target.OverflowUint(n) {
			return fmt.Errorf("%w: %s overflows %s", errors.ErrUnsupportedType, text, target.Type())
		}
		target.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(text, target.Type().Bits())
		if err != nil {
			return fmt.Errorf("%w: %q is not a number", errors.ErrUnsupportedType, text)
		}
		target.SetFloat(f)
	default:
		return fmt.Errorf("%w: %s is not numeric", errors.ErrUnsupportedType, target.Type())
	}
	return nil
}

// parseInteger accepts integral decimal text, including forms such as "3.0" or "1e3".
func parseInteger(text string) (int64, error) {
	if n, err := strconv.ParseInt(text, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || f != math.Trunc(f) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("%w: %q is not an integer", errors.ErrUnsupportedType, text)
	}
	return int64(f), nil
}

func decodeBool(av types.AttributeValue, target reflect.Value) error {
	switch v := av.(type) {
	case *types.AttributeValueMemberBOOL:
		target.SetBool(v.Value)
		return nil
	case *types.AttributeValueMemberS:
		switch strings.ToLower(strings.TrimSpace(v.Value)) {
		case "true":
			target.SetBool(true)
			return nil
		case "false":
			target.SetBool(false)
			return nil
		}
	case *types.AttributeValueMemberN:
		switch v.Value {
		case "1":
			target.SetBool(true)
			return nil
		case "0":
			target.SetBool(false)
			return nil
		}
	}
	return unsupported(av, target.Type())
}

type setKind int

const (
	stringSet setKind = iota
	numberSet
	binarySet
)

func setKindOf(elem reflect.Type) (setKind, bool) {
	switch {
	case elem.Kind() == reflect.String:
		return stringSet, true
	case isNumberKind(elem.Kind()):
		return numberSet, true
	case isByteSlice(elem):
		return binarySet, true
	default:
		return 0, false
	}
}

// marshalSet returns nil for empty sets; DynamoDB rejects them.
func marshalSet(v reflect.Value) types.AttributeValue {
	if v.Len() == 0 {
		return nil
	}

	kind, _ := setKindOf(v.Type().Elem())
	seen := make(map[string]struct{}, v.Len())
	switch kind {
	case stringSet:
		values := make([]string, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			s := v.Index(i).String()
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			values = append(values, s)
		}
		return &types.AttributeValueMemberSS{Value: values}
	case numberSet:
		values := make([]string, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			n := formatNumber(v.Index(i))
			if _, dup := seen[n]; dup {
				continue
			}
			seen[n] = struct{}{}
			values = append(values, n)
		}
		return &types.AttributeValueMemberNS{Value: values}
	default:
		values := make([][]byte, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			b := v.Index(i).Bytes()
			if _, dup := seen[string(b)]; dup {
				continue
			}
			seen[string(b)] = struct{}{}
			values = append(values, append([]byte(nil), b...))
		}
		return &types.AttributeValueMemberBS{Value: values}
	}
}

func decodeSet(av types.AttributeValue, target reflect.Value) error {
	var members []types.AttributeValue
	switch v := av.(type) {
	case *types.AttributeValueMemberSS:
		for _, s := range v.Value {
			members = append(members, &types.AttributeValueMemberS{Value: s})
		}
	case *types.AttributeValueMemberNS:
		for _, n := range v.Value {
			members = append(members, &types.AttributeValueMemberN{Value: n})
		}
	case *types.AttributeValueMemberBS:
		for _, b := range v.Value {
			members = append(members, &types.AttributeValueMemberB{Value: b})
		}
	case *types.AttributeValueMemberL:
		members = v.Value
	default:
		return unsupported(av, target.Type())
	}

	elemType := target.Type().Elem()
	kind, _ := setKindOf(elemType)
	out := reflect.MakeSlice(target.Type(), 0, len(members))
	for _, member := range members {
		elem := reflect.New(elemType).Elem()
		var err error
		switch kind {
		case stringSet:
			err = decodeString(member, elem)
		case numberSet:
			err = decodeNumber(member, elem)
		default:
			b, ok := member.(*types.AttributeValueMemberB)
			if !ok {
				err = unsupported(member, elemType)
				break
			}
			elem.SetBytes(append([]byte(nil), b.Value...))
		}
		if err != nil {
			return err
		}
		out = reflect.Append(out, elem)
	}
	target.Set(out)
	return nil
}
