// Package stream hydrates models from DynamoDB stream records delivered to Lambda.
package stream

import (
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/theory-cloud/tablemodel/pkg/errors"
	"github.com/theory-cloud/tablemodel/pkg/model"
)

// Resolver returns the metadata of a model. *model.Registry implements it.
type Resolver interface {
	Resolve(model any) (*model.Metadata, error)
}

// ConvertImage converts a Lambda stream image into SDK attribute values.
func ConvertImage(image map[string]events.DynamoDBAttributeValue) map[string]types.AttributeValue {
	item := make(map[string]types.AttributeValue, len(image))
	for k, v := range image {
		item[k] = convertAttributeValue(v)
	}
	return item
}

// UnmarshalImage hydrates dest, a pointer to a model or to a slice of models, from a
// stream image. A tracked model is left clean with the image as its snapshot.
func UnmarshalImage(resolver Resolver, image map[string]events.DynamoDBAttributeValue, dest any) error {
	metadata, err := resolver.Resolve(dest)
	if err != nil {
		return err
	}
	if len(image) == 0 {
		return fmt.Errorf("%w: empty stream image", errors.ErrItemNotFound)
	}
	if err := metadata.LoadItems([]map[string]types.AttributeValue{ConvertImage(image)}, dest); err != nil {
		return errors.NewError("UnmarshalImage", metadata.Name(), err)
	}
	return nil
}

// UnmarshalRecord hydrates dest from the image that describes the item after the
// change: NewImage for inserts and modifications, OldImage for removals. It returns
// the operation of the record.
func UnmarshalRecord(resolver Resolver, record events.DynamoDBEventRecord, dest any) (events.DynamoDBOperationType, error) {
	op := events.DynamoDBOperationType(record.EventName)
	image := record.Change.NewImage
	if op == events.DynamoDBOperationTypeRemove {
		image = record.Change.OldImage
	}
	return op, UnmarshalImage(resolver, image, dest)
}

// Keys returns the key attributes of a record as SDK attribute values.
func Keys(record events.DynamoDBEventRecord) map[string]types.AttributeValue {
	return ConvertImage(record.Change.Keys)
}

func convertAttributeValue(av events.DynamoDBAttributeValue) types.AttributeValue {
	switch av.DataType() {
	case events.DataTypeString:
		return &types.AttributeValueMemberS{Value: av.String()}
	case events.DataTypeNumber:
		return &types.AttributeValueMemberN{Value: av.Number()}
	case events.DataTypeBinary:
		return &types.AttributeValueMemberB{Value: av.Binary()}
	case events.DataTypeBoolean:
		return &types.AttributeValueMemberBOOL{Value: av.Boolean()}
	case events.DataTypeList:
		list := make([]types.AttributeValue, 0, len(av.List()))
		for _, item := range av.List() {
			list = append(list, convertAttributeValue(item))
		}
		return &types.AttributeValueMemberL{Value: list}
	case events.DataTypeMap:
		return &types.AttributeValueMemberM{Value: ConvertImage(av.Map())}
	case events.DataTypeStringSet:
		return &types.AttributeValueMemberSS{Value: av.StringSet()}
	case events.DataTypeNumberSet:
		return &types.AttributeValueMemberNS{Value: av.NumberSet()}
	case events.DataTypeBinarySet:
		return &types.AttributeValueMemberBS{Value: av.BinarySet()}
	default:
		return &types.AttributeValueMemberNULL{Value: true}
	}
}
