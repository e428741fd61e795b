// Package validation checks the names tablemodel sends to DynamoDB before a
// request is built: table names, index names and attribute paths.
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	customerrors "github.com/theory-cloud/tablemodel/pkg/errors"
)

const (
	// MaxNameLength is the DynamoDB limit for table, index and attribute names.
	MaxNameLength = 255
	// MaxNestedDepth is the deepest document path accepted in an expression.
	MaxNestedDepth = 32
)

var (
	resourceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
	listIndexPattern    = regexp.MustCompile(`^\[[0-9]+\]$`)
)

// NameError reports an invalid name. The message leaves the name out so it
// is safe to log; Name is kept for callers that need it.
type NameError struct {
	Kind   string
	Name   string
	Detail string
}

func (e *NameError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Kind, e.Detail)
}

func (e *NameError) Unwrap() error { return customerrors.ErrInvalidName }

// ValidateTableName checks the DynamoDB table naming rules: 3 to 255
// characters from [a-zA-Z0-9_.-].
func ValidateTableName(name string) error {
	return validateResourceName("table name", name)
}

// ValidateIndexName checks an index name. The empty name means the base table
// and is accepted.
func ValidateIndexName(name string) error {
	if name == "" {
		return nil
	}
	return validateResourceName("index name", name)
}

func validateResourceName(kind, name string) error {
	if len(name) < 3 || len(name) > MaxNameLength {
		return &NameError{Kind: kind, Name: name, Detail: "length must be between 3 and 255"}
	}
	if !resourceNamePattern.MatchString(name) {
		return &NameError{Kind: kind, Name: name, Detail: "contains characters outside [a-zA-Z0-9_.-]"}
	}
	return nil
}

// ValidateAttributePath checks a document path such as "address.zip" or
// "tags[2]". Each dotted segment is an attribute name optionally followed by
// list indexes.
func ValidateAttributePath(path string) error {
	if path == "" {
		return &NameError{Kind: "attribute path", Detail: "empty"}
	}
	if strings.IndexFunc(path, unicode.IsControl) >= 0 {
		return &NameError{Kind: "attribute path", Name: path, Detail: "contains control characters"}
	}

	segments := strings.Split(path, ".")
	if len(segments) > MaxNestedDepth {
		return &NameError{Kind: "attribute path", Name: path, Detail: "nesting exceeds 32 levels"}
	}
	for _, segment := range segments {
		if err := validateSegment(segment); err != nil {
			return &NameError{Kind: "attribute path", Name: path, Detail: err.Error()}
		}
	}
	return nil
}

func validateSegment(segment string) error {
	name := segment
	if open := strings.IndexByte(segment, '['); open >= 0 {
		name = segment[:open]
		rest := segment[open:]
		for rest != "" {
			end := strings.IndexByte(rest, ']')
			if end < 0 || !listIndexPattern.MatchString(rest[:end+1]) {
				return fmt.Errorf("malformed list index")
			}
			rest = rest[end+1:]
		}
	}
	switch {
	case name == "":
		return fmt.Errorf("empty segment")
	case len(name) > MaxNameLength:
		return fmt.Errorf("segment longer than 255 bytes")
	case strings.ContainsRune(name, ']'):
		return fmt.Errorf("malformed list index")
	}
	return nil
}
