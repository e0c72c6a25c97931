package wire

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koba/pgobjects/internal/apierror"
	"github.com/koba/pgobjects/internal/schema"
)

func TestParseKeepsKeyOrder(t *testing.T) {
	doc := MustParse(`{"z": 1, "a": {"y": true, "b": null}, "m": [1, "two", {"k": "v"}]}`)

	assert.Equal(t, []string{"z", "a", "m"}, doc.Keys())
	nested, ok := doc.Get("a")
	require.True(t, ok)
	assert.Equal(t, []string{"y", "b"}, nested.(Document).Keys())

	list, _ := doc.Get("m")
	assert.Equal(t, 1.0, list.([]any)[0])
	assert.Equal(t, Document{{Key: "k", Value: "v"}}, list.([]any)[2])

	out, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.JSONEq(t, `{"z":1,"a":{"y":true,"b":null},"m":[1,"two",{"k":"v"}]}`, string(out))
	assert.Equal(t, `{"z":1,"a":{"y":true,"b":null},"m":[1,"two",{"k":"v"}]}`, string(out))
}

func TestParseRejectsNonObject(t *testing.T) {
	_, err := Parse([]byte(`[1, 2]`))
	assert.Error(t, err)
	_, err = Parse([]byte(`{"a": 1} {"b": 2}`))
	assert.Error(t, err)
}

func TestDocumentSetDelete(t *testing.T) {
	var doc Document
	doc.Set("a", 1)
	doc.Set("b", 2)
	doc.Set("a", 3)
	assert.Equal(t, Document{{Key: "a", Value: 3}, {Key: "b", Value: 2}}, doc)

	doc.Delete("a")
	assert.Equal(t, []string{"b"}, doc.Keys())
	assert.False(t, doc.Has("a"))
}

func TestFromMapSortsKeys(t *testing.T) {
	doc := FromMap(map[string]any{"b": map[string]any{"y": 1, "x": 2}, "a": "s"})
	assert.Equal(t, []string{"a", "b"}, doc.Keys())
	nested, _ := doc.Get("b")
	assert.Equal(t, []string{"x", "y"}, nested.(Document).Keys())
	assert.Equal(t, map[string]any{"a": "s", "b": map[string]any{"x": 2, "y": 1}}, doc.Map())
}

func TestToStorage(t *testing.T) {
	assert.Equal(t, "abc", ToStorage(MustParse(`{"__type":"Pointer","className":"_User","objectId":"abc"}`)))
	assert.Equal(t, "2020-01-01T00:00:00.000Z", ToStorage(MustParse(`{"__type":"Date","iso":"2020-01-01T00:00:00.000Z"}`)))
	assert.Equal(t, "f.png", ToStorage(MustParse(`{"__type":"File","name":"f.png"}`)))
	assert.Equal(t, 3.0, ToStorage(3.0))
	assert.Equal(t, "2021-02-03T04:05:06.007Z", ToStorage(time.Date(2021, 2, 3, 4, 5, 6, 7e6, time.UTC)))
}

func TestPolygonToSQL(t *testing.T) {
	sql, err := PolygonToSQL([]any{[]any{0.0, 0.0}, []any{0.0, 1.0}, []any{1.0, 1.0}})
	require.NoError(t, err)
	assert.Equal(t, "((0, 0), (1, 0), (1, 1), (0, 0))", sql)

	_, err = PolygonToSQL([]any{[]any{0.0, 0.0}, []any{0.0, 1.0}})
	assert.True(t, apierror.HasCode(err, apierror.InvalidJSON))

	_, err = PolygonToSQL([]any{[]any{0.0, 0.0}, []any{0.0, 1.0}, []any{0.0, 0.0}})
	assert.True(t, apierror.HasCode(err, apierror.InternalServerError))

	_, err = PolygonToSQL([]any{[]any{100.0, 0.0}, []any{0.0, 1.0}, []any{1.0, 1.0}})
	assert.True(t, apierror.HasCode(err, apierror.InvalidJSON))
}

func TestParseGeometry(t *testing.T) {
	p, err := ParsePoint("(-122.5,37.75)")
	require.NoError(t, err)
	assert.Equal(t, GeoPoint{Latitude: 37.75, Longitude: -122.5}, p)

	coords, err := ParsePolygon("((0,0),(1,0),(1,1),(0,0))")
	require.NoError(t, err)
	assert.Equal(t, []any{[]any{0.0, 0.0}, []any{0.0, 1.0}, []any{1.0, 1.0}, []any{0.0, 0.0}}, coords)

	_, err = ParsePoint("garbage")
	assert.Error(t, err)
}

func TestDecodeRowRoundTrip(t *testing.T) {
	s := schema.Normalize(schema.Schema{ClassName: "Place", Fields: map[string]schema.Field{
		"objectId":  {Type: schema.TypeString},
		"createdAt": {Type: schema.TypeDate},
		"name":      {Type: schema.TypeString},
		"owner":     {Type: schema.TypePointer, TargetClass: "_User"},
		"members":   {Type: schema.TypeRelation, TargetClass: "_User"},
		"location":  {Type: schema.TypeGeoPoint},
		"area":      {Type: schema.TypePolygon},
		"photo":     {Type: schema.TypeFile},
		"openedAt":  {Type: schema.TypeDate},
		"rating":    {Type: schema.TypeNumber},
		"tags":      {Type: schema.TypeArray},
		"meta":      {Type: schema.TypeObject},
		"missing":   {Type: schema.TypeString},
	}})
	created := time.Date(2020, 5, 1, 10, 0, 0, 0, time.UTC)
	row := schema.Row{
		"objectId":  "p1",
		"createdAt": created,
		"name":      "Cafe",
		"owner":     "u1",
		"location":  []byte("(-122.5,37.75)"),
		"area":      []byte("((0,0),(1,0),(1,1),(0,0))"),
		"photo":     "cafe.png",
		"openedAt":  created,
		"rating":    int64(4),
		"tags":      []byte(`["a", 1]`),
		"meta":      []byte(`{"k": {"n": 1}}`),
		"_rperm":    []byte(`{"*",role:admin}`),
		"missing":   nil,
	}

	doc, err := DecodeRow(s, row)
	require.NoError(t, err)

	want := MustParse(`{
		"_rperm": ["*", "role:admin"],
		"area": {"__type": "Polygon", "coordinates": [[0, 0], [0, 1], [1, 1], [0, 0]]},
		"createdAt": "2020-05-01T10:00:00.000Z",
		"location": {"__type": "GeoPoint", "latitude": 37.75, "longitude": -122.5},
		"members": {"__type": "Relation", "className": "_User"},
		"meta": {"k": {"n": 1}},
		"name": "Cafe",
		"objectId": "p1",
		"openedAt": {"__type": "Date", "iso": "2020-05-01T10:00:00.000Z"},
		"owner": {"__type": "Pointer", "className": "_User", "objectId": "u1"},
		"photo": {"__type": "File", "name": "cafe.png"},
		"rating": 4,
		"tags": ["a", 1]
	}`)
	assert.Equal(t, want, doc)
}

func TestParseValueScalars(t *testing.T) {
	v, err := ParseValue([]byte(`[-2.5e1, 0, "x", false, null, {"b": 1, "a": 2}]`))
	require.NoError(t, err)
	assert.Equal(t, []any{-25.0, 0.0, "x", false, nil, Document{{Key: "b", Value: 1.0}, {Key: "a", Value: 2.0}}}, v)

	_, err = ParseValue([]byte(`"a" "b"`))
	assert.Error(t, err)
}
