package transaction

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/theory-cloud/tablemodel/internal/expr"
	"github.com/theory-cloud/tablemodel/pkg/attr"
	customerrors "github.com/theory-cloud/tablemodel/pkg/errors"
	"github.com/theory-cloud/tablemodel/pkg/model"
	"github.com/theory-cloud/tablemodel/pkg/query"
)

// conditionComponents adds the caller conditions of op to builder and compiles it.
func conditionComponents(op operation, builder *expr.Builder) (expr.ExpressionComponents, error) {
	for _, cond := range op.conditions {
		name, values, err := operands(op.metadata, cond)
		if err != nil {
			return expr.ExpressionComponents{}, err
		}
		if err := builder.AddConditionExpression(name, cond.Operator, values...); err != nil {
			return expr.ExpressionComponents{}, err
		}
	}
	return builder.Build()
}

// operands resolves the attribute of cond and marshals its value with the codec
// of the field, so conditions compare against the stored representation.
func operands(metadata *model.Metadata, cond query.Condition) (string, []types.AttributeValue, error) {
	name, codec := cond.Field, (*attr.Codec)(nil)
	if f, ok := metadata.Field(cond.Field); ok {
		name, codec = f.DBName, f.Codec
	}

	op, err := expr.NormalizeOperator(cond.Operator)
	if err != nil {
		return "", nil, err
	}

	var raw []any
	switch op {
	case expr.OpExists, expr.OpNotExists:
		return name, nil, nil
	case expr.OpBetween, expr.OpIn:
		raw = spread(cond.Value)
	default:
		raw = []any{cond.Value}
	}

	values := make([]types.AttributeValue, 0, len(raw))
	for _, v := range raw {
		av, err := marshalOperand(codec, v)
		if err != nil {
			return "", nil, fmt.Errorf("%s: %w", cond.Field, err)
		}
		values = append(values, av)
	}
	return name, values, nil
}

func marshalOperand(codec *attr.Codec, v any) (types.AttributeValue, error) {
	if av, ok := v.(types.AttributeValue); ok {
		return av, nil
	}
	if codec != nil {
		return codec.MarshalAny(v)
	}
	av, err := attributevalue.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", customerrors.ErrUnsupportedType, err)
	}
	return av, nil
}

func spread(value any) []any {
	rv := reflect.ValueOf(value)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) || rv.Type().Elem().Kind() == reflect.Uint8 {
		return []any{value}
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

// keyID renders a primary key as a comparable string.
func keyID(metadata *model.Metadata, key map[string]types.AttributeValue) string {
	var sb strings.Builder
	for _, name := range metadata.KeyAttributes() {
		sb.WriteString(name)
		switch v := key[name].(type) {
		case *types.AttributeValueMemberS:
			sb.WriteString("=S:")
			sb.WriteString(v.Value)
		case *types.AttributeValueMemberN:
			sb.WriteString("=N:")
			sb.WriteString(v.Value)
		case *types.AttributeValueMemberB:
			sb.WriteString("=B:")
			sb.WriteString(hex.EncodeToString(v.Value))
		}
		sb.WriteByte(0)
	}
	return sb.String()
}

func numberValue(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}
