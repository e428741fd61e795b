package tracking

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type account struct {
	State
	ID string
}

func item(pairs ...string) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue)
	for i := 0; i+1 < len(pairs); i += 2 {
		out[pairs[i]] = &types.AttributeValueMemberS{Value: pairs[i+1]}
	}
	return out
}

func TestOf(t *testing.T) {
	a := &account{}
	state, ok := Of(a)
	require.True(t, ok)
	assert.Same(t, &a.State, state)

	_, ok = Of(&struct{ ID string }{})
	assert.False(t, ok)
}

func TestLifecycle(t *testing.T) {
	var s State
	assert.Equal(t, StatusNew, s.Status())
	assert.True(t, s.IsNew())
	assert.True(t, s.IsDirty(item("id", "1")))

	s.MarkClean(item("id", "1", "name", "a"))
	assert.Equal(t, StatusClean, s.Status())
	assert.False(t, s.IsDirty(item("id", "1", "name", "a")))
	assert.True(t, s.IsDirty(item("id", "1", "name", "b")))

	s.MarkDeleted()
	assert.True(t, s.IsDeleted())
	assert.True(t, s.IsNew())
	assert.Nil(t, s.Snapshot())

	s.Reset()
	assert.Equal(t, StatusNew, s.Status())
}

func TestSnapshotIsACopy(t *testing.T) {
	source := item("id", "1")
	var s State
	s.MarkClean(source)

	source["id"].(*types.AttributeValueMemberS).Value = "2"
	assert.False(t, s.IsDirty(item("id", "1")))

	snap := s.Snapshot()
	snap["id"] = &types.AttributeValueMemberS{Value: "3"}
	av, ok := s.SnapshotValue("id")
	require.True(t, ok)
	assert.Equal(t, "1", av.(*types.AttributeValueMemberS).Value)
}

func TestChanges(t *testing.T) {
	var s State
	s.MarkClean(item("id", "1", "name", "a", "note", "x"))

	changes := s.Changes(item("id", "1", "name", "b", "email", "e"))
	assert.Equal(t, []string{"email", "name", "note"}, changes.Attributes())
	assert.Equal(t, []string{"email", "name"}, changes.Updated())
	assert.Equal(t, []string{"note"}, changes.Removed())
	assert.True(t, changes.Changed("name"))
	assert.False(t, changes.Changed("id"))
	assert.Nil(t, changes["email"].Old)
	assert.True(t, changes["note"].Removed())
}

func TestChangesForNewModel(t *testing.T) {
	var s State
	changes := s.Changes(item("id", "1", "name", "a"))
	assert.Equal(t, []string{"id", "name"}, changes.Attributes())

	var nilState *State
	assert.True(t, nilState.IsDirty(item("id", "1")))
}

func TestSetsCompareWithoutOrder(t *testing.T) {
	var s State
	s.MarkClean(map[string]types.AttributeValue{
		"tags": &types.AttributeValueMemberSS{Value: []string{"a", "b"}},
	})
	assert.False(t, s.IsDirty(map[string]types.AttributeValue{
		"tags": &types.AttributeValueMemberSS{Value: []string{"b", "a"}},
	}))
}

func TestLowDigitNumberChangeIsDirty(t *testing.T) {
	before := map[string]types.AttributeValue{"balance": &types.AttributeValueMemberN{Value: "12345678901234567890123"}}
	after := map[string]types.AttributeValue{"balance": &types.AttributeValueMemberN{Value: "12345678901234567890124"}}

	var s State
	s.MarkClean(before)
	assert.True(t, s.IsDirty(after))
	assert.Equal(t, []string{"balance"}, s.Changes(after).Attributes())
}
