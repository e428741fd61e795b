package attr

import (
	"reflect"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Converter lets callers own the stored representation of a Go type.
type Converter interface {
	// ToAttributeValue converts a Go value to a DynamoDB attribute value.
	// Returning nil marks the attribute as absent.
	ToAttributeValue(value any) (types.AttributeValue, error)

	// FromAttributeValue decodes av into target, which is always a non-nil pointer.
	FromAttributeValue(av types.AttributeValue, target any) error
}

// Converters is a concurrency-safe registry of custom converters keyed by Go type.
// Codecs consult it on every call, so registering after a model was parsed still applies.
type Converters struct {
	converters map[reflect.Type]Converter
	mu         sync.RWMutex
}

// NewConverters creates an empty converter registry.
func NewConverters() *Converters {
	return &Converters{converters: make(map[reflect.Type]Converter)}
}

// Register installs a converter for typ, replacing any previous one.
func (c *Converters) Register(typ reflect.Type, converter Converter) {
	if c == nil || typ == nil || converter == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.converters[typ] = converter
}

// Lookup returns the converter registered for typ, walking pointer indirections.
func (c *Converters) Lookup(typ reflect.Type) (Converter, bool) {
	if c == nil || typ == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	for {
		if converter, ok := c.converters[typ]; ok {
			return converter, true
		}
		if typ.Kind() != reflect.Ptr {
			return nil, false
		}
		typ = typ.Elem()
	}
}
