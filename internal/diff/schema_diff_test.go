package diff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koba/pgobjects/internal/apierror"
	"github.com/koba/pgobjects/internal/schema"
)

var gameFields = map[string]schema.Field{
	"objectId": {Type: schema.TypeString},
	"score":    {Type: schema.TypeNumber},
	"name":     {Type: schema.TypeString},
	"players":  {Type: schema.TypeRelation, TargetClass: "_User"},
}

func TestCompareIndexesDefaultsToObjectIDIndex(t *testing.T) {
	result, err := CompareIndexes("Game", nil, map[string]schema.Index{
		"score_name": {{Field: "score", Direction: 1}, {Field: "name", Direction: -1}},
	}, gameFields)
	require.NoError(t, err)

	assert.Equal(t, []IndexChange{{IndexName: "score_name", Action: ActionAdd, Fields: []string{"score", "name"}}}, result.Added())
	assert.Empty(t, result.Dropped())
	assert.Contains(t, result.Indexes, DefaultIndexName)
	assert.Contains(t, result.Indexes, "score_name")
}

func TestCompareIndexesDelete(t *testing.T) {
	existing := map[string]schema.Index{"by_score": {{Field: "score", Direction: 1}}}
	result, err := CompareIndexes("Game", existing, map[string]schema.Index{
		"by_score": schema.DeleteIndex(),
	}, gameFields)
	require.NoError(t, err)

	assert.Equal(t, []IndexChange{{IndexName: "by_score", Action: ActionDrop}}, result.Dropped())
	assert.NotContains(t, result.Indexes, "by_score")
	assert.Contains(t, existing, "by_score", "existing set must not be mutated")
}

func TestCompareIndexesErrors(t *testing.T) {
	existing := map[string]schema.Index{"by_score": {{Field: "score", Direction: 1}}}

	_, err := CompareIndexes("Game", existing, map[string]schema.Index{"by_score": {{Field: "name", Direction: 1}}}, gameFields)
	require.Error(t, err)
	assert.True(t, apierror.HasCode(err, apierror.InvalidQuery))
	assert.Contains(t, err.Error(), "Index by_score exists, cannot update.")

	_, err = CompareIndexes("Game", existing, map[string]schema.Index{"nope": schema.DeleteIndex()}, gameFields)
	assert.Contains(t, err.Error(), "Index nope does not exist, cannot delete.")

	_, err = CompareIndexes("Game", existing, map[string]schema.Index{"by_level": {{Field: "level", Direction: 1}}}, gameFields)
	assert.Contains(t, err.Error(), "Field level does not exist, cannot add index.")
}

func TestMissingColumns(t *testing.T) {
	columns := []schema.Column{{Name: "objectId"}, {Name: "score"}}
	assert.Equal(t, []string{"name"}, MissingColumns(gameFields, columns))
}

func TestRemoveFields(t *testing.T) {
	s := schema.Schema{ClassName: "Game", Fields: gameFields}

	out, columns := RemoveFields(s, []string{"score", "players"})

	assert.Equal(t, []string{"score"}, columns)
	assert.Equal(t, []string{"name", "objectId"}, out.FieldNames())
	assert.Len(t, s.Fields, 4)
}
