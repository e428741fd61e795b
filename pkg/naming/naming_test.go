package naming

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Simple     string
	URLValue   string
	CustomAttr string `tablemodel:"attr:customName"`
	Skip       string `tablemodel:"-"`
	SK         string `tablemodel:"sk"`
	ExplicitPK string `tablemodel:"pk,attr:PK"`
}

func TestDefaultAttrName(t *testing.T) {
	tests := map[string]string{
		"Name":      "name",
		"CreatedAt": "createdAt",
		"URLValue":  "urlValue",
		"ID":        "id",
		"UUID":      "uuid",
		"HTTPCode":  "httpCode",
		"UserID":    "userID",
		"Field2A":   "field2A",
		"PK":        "PK",
		"SK":        "SK",
		"":          "",
	}

	for input, expected := range tests {
		assert.Equal(t, expected, DefaultAttrName(input), "DefaultAttrName(%q)", input)
	}
}

func TestToSnakeCase(t *testing.T) {
	tests := map[string]string{
		"Name":      "name",
		"CreatedAt": "created_at",
		"ID":        "id",
		"UserID":    "user_id",
		"URLValue":  "url_value",
		"HTTPSPort": "https_port",
		"APIKey":    "api_key",
		"Value1":    "value1",
		"Field2A":   "field2a",
		"X":         "x",
		"PK":        "pk",
	}

	for input, expected := range tests {
		assert.Equal(t, expected, ToSnakeCase(input), "ToSnakeCase(%q)", input)
	}
}

func TestValidateAttrName(t *testing.T) {
	t.Run("CamelCase", func(t *testing.T) {
		for _, v := range []string{"name", "createdAt", "value1", "PK", "SK"} {
			assert.NoError(t, ValidateAttrName(v, CamelCase), v)
		}
		for _, v := range []string{"", "snake_case", "CamelCase", "hyphen-name"} {
			assert.Error(t, ValidateAttrName(v, CamelCase), v)
		}
	})

	t.Run("SnakeCase", func(t *testing.T) {
		for _, v := range []string{"name", "created_at", "value_1", "user_id"} {
			assert.NoError(t, ValidateAttrName(v, SnakeCase), v)
		}
		for _, v := range []string{"", "CamelCase", "PK", "_leading", "trailing_"} {
			assert.Error(t, ValidateAttrName(v, SnakeCase), v)
		}
	})
}

func TestResolveAttrName(t *testing.T) {
	typ := reflect.TypeOf(sample{})

	cases := []struct {
		field    string
		expected string
		skip     bool
	}{
		{field: "Simple", expected: "simple"},
		{field: "URLValue", expected: "urlValue"},
		{field: "CustomAttr", expected: "customName"},
		{field: "Skip", skip: true},
		{field: "SK", expected: "SK"},
		{field: "ExplicitPK", expected: "PK"},
	}

	for _, tc := range cases {
		field, ok := typ.FieldByName(tc.field)
		require.True(t, ok)
		name, skip := ResolveAttrName(field, CamelCase)
		assert.Equal(t, tc.skip, skip, tc.field)
		assert.Equal(t, tc.expected, name, tc.field)
	}

	field, _ := typ.FieldByName("URLValue")
	name, _ := ResolveAttrName(field, SnakeCase)
	assert.Equal(t, "url_value", name)
}

func TestParseConvention(t *testing.T) {
	c, ok := ParseConvention("snake_case")
	assert.True(t, ok)
	assert.Equal(t, SnakeCase, c)

	c, ok = ParseConvention("camelCase")
	assert.True(t, ok)
	assert.Equal(t, CamelCase, c)

	_, ok = ParseConvention("kebab")
	assert.False(t, ok)
}

func TestTableName(t *testing.T) {
	tests := map[string]string{
		"User":     "Users",
		"Address":  "Addresses",
		"Box":      "Boxes",
		"Category": "Categories",
		"Day":      "Days",
		"Batch":    "Batches",
	}
	for input, expected := range tests {
		assert.Equal(t, expected, TableName(input), input)
	}
}

func TestWithPrefix(t *testing.T) {
	assert.Equal(t, "Users", WithPrefix("", "Users"))
	assert.Equal(t, "dev-Users", WithPrefix("dev-", "Users"))
	assert.Equal(t, "dev-Users", WithPrefix("dev-", "dev-Users"))
}
