package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	customerrors "github.com/theory-cloud/tablemodel/pkg/errors"
)

func TestValidateTableName(t *testing.T) {
	for _, name := range []string{"users", "dev_users", "app.orders-v2", "abc"} {
		assert.NoError(t, ValidateTableName(name), name)
	}

	for _, name := range []string{"", "ab", "users table", "users;drop", strings.Repeat("a", 256)} {
		err := ValidateTableName(name)
		assert.ErrorIs(t, err, customerrors.ErrInvalidName, name)
	}
}

func TestValidateIndexName(t *testing.T) {
	assert.NoError(t, ValidateIndexName(""))
	assert.NoError(t, ValidateIndexName("gsi-email"))
	assert.Error(t, ValidateIndexName("ix"))
	assert.Error(t, ValidateIndexName("by email"))
}

func TestValidateAttributePath(t *testing.T) {
	valid := []string{"id", "created-at", "address.zip", "tags[0]", "matrix[1][2].value", "#legacy"}
	for _, path := range valid {
		assert.NoError(t, ValidateAttributePath(path), path)
	}

	invalid := []string{
		"",
		"a..b",
		".a",
		"tags[",
		"tags[x]",
		"tags[1]x",
		"tags]",
		"[0]",
		"bad\nname",
		strings.Repeat("a.", MaxNestedDepth) + "a",
	}
	for _, path := range invalid {
		assert.ErrorIs(t, ValidateAttributePath(path), customerrors.ErrInvalidName, path)
	}
}

func TestNameErrorOmitsName(t *testing.T) {
	err := ValidateTableName("secret name")
	var nameErr *NameError
	assert.ErrorAs(t, err, &nameErr)
	assert.Equal(t, "secret name", nameErr.Name)
	assert.NotContains(t, err.Error(), "secret")
}
