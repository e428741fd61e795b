package reflectutil_test

import (
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/theory-cloud/tablemodel/internal/reflectutil"
)

type address struct {
	Street string
	Zip    int
}

type audit struct {
	At   time.Time
	Tags []string
}

func TestIsEmpty(t *testing.T) {
	var nilPtr *address
	var nilTime *time.Time

	cases := map[string]struct {
		value any
		want  bool
	}{
		"empty string":           {"", true},
		"string":                 {"x", false},
		"zero int":               {0, true},
		"false":                  {false, true},
		"empty slice":            {[]string{}, true},
		"slice":                  {[]string{""}, false},
		"empty map":              {map[string]int{}, true},
		"nil pointer":            {nilPtr, true},
		"nil time pointer":       {nilTime, true},
		"pointer to zero struct": {&address{}, false},
		"zero time":              {time.Time{}, true},
		"time":                   {time.Unix(1, 0), false},
		"zero struct":            {address{}, true},
		"struct":                 {address{Zip: 1}, false},
		"nested empty":           {audit{Tags: []string{}}, true},
		"nested time":            {audit{At: time.Unix(1, 0)}, false},
		"zero array":             {[2]int{}, true},
		"array":                  {[2]int{0, 1}, false},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, reflectutil.IsEmpty(reflect.ValueOf(tc.value)))
		})
	}
	assert.True(t, reflectutil.IsEmpty(reflect.Value{}))
}
