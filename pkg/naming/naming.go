// Package naming turns Go identifiers into attribute and table names.
package naming

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"unicode"
)

// TagKey is the struct tag read by the registry.
const TagKey = "tablemodel"

// Convention selects how field names become attribute names.
type Convention int

const (
	// CamelCase yields "firstName"; PK and SK stay upper case.
	CamelCase Convention = 0
	// SnakeCase yields "first_name".
	SnakeCase Convention = 1
)

var (
	camelName = regexp.MustCompile(`^[a-z][A-Za-z0-9]*$`)
	snakeName = regexp.MustCompile(`^[a-z][a-z0-9]*(_[a-z0-9]+)*$`)
)

// ParseConvention maps the value of a `naming:` tag onto a Convention.
func ParseConvention(value string) (Convention, bool) {
	switch strings.TrimSpace(value) {
	case "snake_case":
		return SnakeCase, true
	case "camel_case", "camelCase":
		return CamelCase, true
	default:
		return CamelCase, false
	}
}

// ResolveAttrName returns the attribute name of field: the `attr:` tag part when
// present, else the converted Go name. skip is true for `tablemodel:"-"`.
func ResolveAttrName(field reflect.StructField, convention Convention) (name string, skip bool) {
	tag := field.Tag.Get(TagKey)
	if tag == "-" {
		return "", true
	}
	for _, part := range strings.Split(tag, ",") {
		if explicit, ok := strings.CutPrefix(strings.TrimSpace(part), "attr:"); ok && explicit != "" {
			return explicit, false
		}
	}
	return ConvertAttrName(field.Name, convention), false
}

// ConvertAttrName applies convention to a Go field name.
func ConvertAttrName(name string, convention Convention) string {
	if convention == SnakeCase {
		return ToSnakeCase(name)
	}
	return DefaultAttrName(name)
}

// DefaultAttrName lower-cases the first word of name. A leading acronym is
// lower-cased as a whole, so "URLValue" becomes "urlValue".
func DefaultAttrName(name string) string {
	if name == "PK" || name == "SK" {
		return name
	}
	words := splitWords(name)
	if len(words) == 0 {
		return ""
	}
	first := words[0]
	if isUpper(first) {
		first = strings.ToLower(first)
	} else {
		r := []rune(first)
		r[0] = unicode.ToLower(r[0])
		first = string(r)
	}
	return first + strings.Join(words[1:], "")
}

// ToSnakeCase joins the lower-cased words of name with underscores. Acronyms
// form one word: "UserID" is "user_id".
func ToSnakeCase(name string) string {
	words := splitWords(name)
	for i, w := range words {
		words[i] = strings.ToLower(w)
	}
	return strings.Join(words, "_")
}

// splitWords cuts an identifier before an upper-case letter that follows a
// lower-case one, or that starts a word after an acronym. Digits never start a
// word and never end one.
func splitWords(name string) []string {
	runes := []rune(name)
	var words []string
	start := 0
	for i := 1; i < len(runes); i++ {
		if !unicode.IsUpper(runes[i]) {
			continue
		}
		prev := runes[i-1]
		acronymEnd := unicode.IsUpper(prev) && i+1 < len(runes) && unicode.IsLower(runes[i+1])
		if unicode.IsLower(prev) || acronymEnd {
			words = append(words, string(runes[start:i]))
			start = i
		}
	}
	if start < len(runes) {
		words = append(words, string(runes[start:]))
	}
	return words
}

func isUpper(word string) bool {
	for _, r := range word {
		if unicode.IsLetter(r) && !unicode.IsUpper(r) {
			return false
		}
	}
	return true
}

// ValidateAttrName checks a derived attribute name against convention.
func ValidateAttrName(name string, convention Convention) error {
	if name == "" {
		return fmt.Errorf("attribute name cannot be empty")
	}
	if convention == SnakeCase {
		if !snakeName.MatchString(name) {
			return fmt.Errorf("attribute name must be snake_case (got %q)", name)
		}
		return nil
	}
	if name != "PK" && name != "SK" && !camelName.MatchString(name) {
		return fmt.Errorf("attribute name must be camelCase (got %q)", name)
	}
	return nil
}

// TableName pluralizes a type name: Box -> Boxes, Category -> Categories.
func TableName(typeName string) string {
	if typeName == "" {
		return ""
	}
	for _, suffix := range []string{"s", "x", "ch", "sh"} {
		if strings.HasSuffix(typeName, suffix) {
			return typeName + "es"
		}
	}
	if n := len(typeName); n > 1 && typeName[n-1] == 'y' && !strings.ContainsRune("aeiouAEIOU", rune(typeName[n-2])) {
		return typeName[:n-1] + "ies"
	}
	return typeName + "s"
}

// WithPrefix prepends prefix to table unless it is already there.
func WithPrefix(prefix, table string) string {
	if strings.HasPrefix(table, prefix) {
		return table
	}
	return prefix + table
}
