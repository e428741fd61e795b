// Package reflectutil holds reflection helpers shared by the attribute codecs.
package reflectutil

import "reflect"

type zeroer interface {
	IsZero() bool
}

var zeroerType = reflect.TypeOf((*zeroer)(nil)).Elem()

// IsEmpty reports whether v is empty for omitempty fields. Beyond reflect's
// zero value it treats empty maps and slices as empty, defers to an IsZero
// method when the type has one (time.Time), and treats a struct or array as
// empty when every element is.
func IsEmpty(v reflect.Value) bool {
	if !v.IsValid() {
		return true
	}
	if v.Type().Implements(zeroerType) && v.CanInterface() {
		if v.Kind() == reflect.Ptr && v.IsNil() {
			return true
		}
		return v.Interface().(zeroer).IsZero()
	}

	switch v.Kind() {
	case reflect.Map, reflect.Slice:
		return v.Len() == 0
	case reflect.Interface, reflect.Ptr:
		return v.IsNil()
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if !IsEmpty(v.Index(i)) {
				return false
			}
		}
		return true
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if !IsEmpty(v.Field(i)) {
				return false
			}
		}
		return true
	default:
		return v.IsZero()
	}
}
