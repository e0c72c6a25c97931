package where

import (
	"regexp"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koba/pgobjects/internal/apierror"
	"github.com/koba/pgobjects/internal/schema"
	"github.com/koba/pgobjects/internal/wire"
)

var testSchema = schema.Normalize(schema.Schema{ClassName: "Item", Fields: map[string]schema.Field{
	"objectId": {Type: schema.TypeString},
	"age":      {Type: schema.TypeNumber},
	"name":     {Type: schema.TypeString},
	"username": {Type: schema.TypeString},
	"a":        {Type: schema.TypeNumber},
	"b":        {Type: schema.TypeNumber},
	"tags":     {Type: schema.TypeArray},
	"labels":   {Type: schema.TypeArray, Contents: &schema.Field{Type: schema.TypeString}},
	"owner":    {Type: schema.TypePointer, TargetClass: "_User"},
	"location": {Type: schema.TypeGeoPoint},
	"area":     {Type: schema.TypePolygon},
	"born":     {Type: schema.TypeDate},
	"meta":     {Type: schema.TypeObject},
	"body":     {Type: schema.TypeString},
}})

var placeholder = regexp.MustCompile(`\$(\d+)`)

// assertPlaceholders checks that the placeholders used are exactly
// start..start+len(values)-1.
func assertPlaceholders(t *testing.T, res Result, start int) {
	t.Helper()
	seen := map[int]bool{}
	texts := append([]string{res.Pattern}, res.Sorts...)
	for _, text := range texts {
		for _, m := range placeholder.FindAllStringSubmatch(text, -1) {
			n, _ := strconv.Atoi(m[1])
			seen[n] = true
		}
	}
	var used []int
	for n := range seen {
		used = append(used, n)
	}
	sort.Ints(used)
	var want []int
	for i := range res.Values {
		want = append(want, start+i)
	}
	assert.Equal(t, want, used, "pattern %q", res.Pattern)
}

func compile(t *testing.T, query string) Result {
	t.Helper()
	res, err := Compile(testSchema, wire.MustParse(query), 2, Options{})
	require.NoError(t, err)
	assertPlaceholders(t, res, 2)
	return res
}

func TestCompileComparator(t *testing.T) {
	res := compile(t, `{"age": {"$gt": 21}}`)
	assert.Equal(t, `"age" > $2`, res.Pattern)
	assert.Equal(t, []any{21.0}, res.Values)
}

func TestCompileOrKeepsOr(t *testing.T) {
	res := compile(t, `{"$or": [{"a": 1}, {"b": 2}]}`)
	assert.Equal(t, `(("a" = $2) OR ("b" = $3))`, res.Pattern)
	assert.Equal(t, []any{1.0, 2.0}, res.Values)

	res = compile(t, `{"$and": [{"a": 1}, {"b": 2}], "name": "x"}`)
	assert.Equal(t, `(("a" = $2) AND ("b" = $3)) AND "name" = $4`, res.Pattern)

	res = compile(t, `{"$nor": [{"a": 1}, {"a": 2, "b": 3}]}`)
	assert.Equal(t, `NOT (("a" = $2) OR ("a" = $3 AND "b" = $4))`, res.Pattern)
}

func TestCompileBadCombinator(t *testing.T) {
	_, err := Compile(testSchema, wire.MustParse(`{"$or": {"a": 1}}`), 1, Options{})
	assert.True(t, apierror.HasCode(err, apierror.InvalidQuery))
	_, err = Compile(testSchema, wire.MustParse(`{"$or": []}`), 1, Options{})
	assert.True(t, apierror.HasCode(err, apierror.InvalidQuery))
}

func TestCompileRegex(t *testing.T) {
	res := compile(t, `{"name": {"$regex": "^\\Qhello.*\\E"}}`)
	assert.Equal(t, `"name" ~ $2`, res.Pattern)
	assert.Equal(t, []any{`^hello\.\*`}, res.Values)

	res = compile(t, `{"name": {"$regex": "abc", "$options": "i"}}`)
	assert.Equal(t, `"name" ~* $2`, res.Pattern)
	assert.Equal(t, []any{"abc"}, res.Values)

	res = compile(t, `{"name": {"$regex": "a b # comment\n c", "$options": "x"}}`)
	assert.Equal(t, []any{"abc"}, res.Values)

	res = compile(t, `{"name": {"$regex": "\\Qit's\\E$"}}`)
	assert.Equal(t, []any{`it\'s$`}, res.Values)
}

func TestCompileLiterals(t *testing.T) {
	res := compile(t, `{"name": "x", "age": 3, "owner": null}`)
	assert.Equal(t, `"name" = $2 AND "age" = $3 AND "owner" IS NULL`, res.Pattern)

	res = compile(t, `{"age": true}`)
	assert.Equal(t, []any{maxIntPlusOne}, res.Values)

	res = compile(t, `{"meta.color": "red", "meta.size": null}`)
	assert.Equal(t, `"meta"->>'color' = $2::text AND "meta"->>'size' IS NULL`, res.Pattern)
}

func TestCompileCaseInsensitive(t *testing.T) {
	res, err := Compile(testSchema, wire.MustParse(`{"username": "Bob", "name": "Bob"}`), 1, Options{CaseInsensitive: true})
	require.NoError(t, err)
	assert.Equal(t, `LOWER("username") = LOWER($1) AND "name" = $2`, res.Pattern)
}

func TestCompileSkips(t *testing.T) {
	res := compile(t, `{"unknown": {"$exists": false}, "_auth_data_facebook": {"id": "1"}, "age": 1}`)
	assert.Equal(t, `"age" = $2`, res.Pattern)

	res = compile(t, `{}`)
	assert.Equal(t, "", res.Pattern)
}

func TestCompileNotEqual(t *testing.T) {
	res := compile(t, `{"name": {"$ne": "x"}}`)
	assert.Equal(t, `("name" <> $2 OR "name" IS NULL)`, res.Pattern)

	res = compile(t, `{"name": {"$ne": null}}`)
	assert.Equal(t, `"name" IS NOT NULL`, res.Pattern)

	res = compile(t, `{"tags": {"$ne": "x"}}`)
	assert.Equal(t, `NOT array_contains("tags", $2::jsonb)`, res.Pattern)
	assert.Equal(t, []any{`["x"]`}, res.Values)

	res = compile(t, `{"meta.count": {"$ne": 3}}`)
	assert.Equal(t, `(CAST (("meta"->>'count') AS double precision) <> $2 OR CAST (("meta"->>'count') AS double precision) IS NULL)`, res.Pattern)

	res = compile(t, `{"owner": {"$ne": {"__type": "Pointer", "className": "_User", "objectId": "u1"}}}`)
	assert.Equal(t, []any{"u1"}, res.Values)

	res = compile(t, `{"location": {"$ne": {"__type": "GeoPoint", "latitude": 10, "longitude": 20}}}`)
	assert.Equal(t, `(NOT "location" ~= POINT($2, $3) OR "location" IS NULL)`, res.Pattern)
	assert.Equal(t, []any{20.0, 10.0}, res.Values)
}

func TestCompileEqual(t *testing.T) {
	res := compile(t, `{"name": {"$eq": null}, "age": {"$eq": 4}}`)
	assert.Equal(t, `"name" IS NULL AND "age" = $2`, res.Pattern)

	res = compile(t, `{"meta.on": {"$eq": true}}`)
	assert.Equal(t, `CAST (("meta"->>'on') AS boolean) = $2`, res.Pattern)
}

func TestCompileInNin(t *testing.T) {
	res := compile(t, `{"name": {"$in": ["a", "b"]}}`)
	assert.Equal(t, `"name" IN ($2, $3)`, res.Pattern)

	res = compile(t, `{"name": {"$in": []}}`)
	assert.Equal(t, `"name" IS NULL`, res.Pattern)
	assert.Empty(t, res.Values)

	res = compile(t, `{"name": {"$nin": []}}`)
	assert.Equal(t, `1 = 1`, res.Pattern)

	res = compile(t, `{"name": {"$nin": ["a"]}, "age": {"$in": [1, null]}}`)
	assert.Equal(t, `"name" NOT IN ($2) AND ("age" IS NULL OR "age" IN ($3))`, res.Pattern)

	res = compile(t, `{"owner": {"$in": [{"__type": "Pointer", "className": "_User", "objectId": "u1"}]}}`)
	assert.Equal(t, []any{"u1"}, res.Values)

	res = compile(t, `{"tags": {"$in": ["a"]}, "labels": {"$in": ["x", null]}}`)
	assert.Equal(t, `array_contains("tags", $2::jsonb) AND ("labels" IS NULL OR "labels" && ARRAY[$3]::text[])`, res.Pattern)
	assert.Equal(t, []any{`["a"]`, "x"}, res.Values)

	res = compile(t, `{"tags": {"$nin": [["a", "b"]]}}`)
	assert.Equal(t, `NOT array_contains("tags", $2::jsonb)`, res.Pattern)
	assert.Equal(t, []any{`["a","b"]`}, res.Values)

	res = compile(t, `{"meta.color": {"$in": ["red", "blue"]}}`)
	assert.Equal(t, `$2::jsonb @> ("meta"->'color')`, res.Pattern)

	_, err := Compile(testSchema, wire.MustParse(`{"name": {"$in": "a"}}`), 1, Options{})
	assert.True(t, apierror.HasCode(err, apierror.InvalidQuery))
	assert.Contains(t, err.Error(), "bad $in value")

	_, err = Compile(testSchema, wire.MustParse(`{"name": {"$nin": 3}}`), 1, Options{})
	assert.Contains(t, err.Error(), "bad $nin value")
}

func TestCompileAll(t *testing.T) {
	res := compile(t, `{"tags": {"$all": ["a", "b"]}}`)
	assert.Equal(t, `array_contains_all("tags", $2::jsonb)`, res.Pattern)
	assert.Equal(t, []any{`["a","b"]`}, res.Values)

	res = compile(t, `{"tags": {"$all": [{"$regex": "^\\Qab\\E"}, {"$regex": "^\\Qc.d\\E"}]}}`)
	assert.Equal(t, `array_contains_all_regex("tags", $2::jsonb)`, res.Pattern)
	assert.Equal(t, []any{`["ab%","c\\.d%"]`}, res.Values)

	_, err := Compile(testSchema, wire.MustParse(`{"tags": {"$all": [{"$regex": "^\\Qab\\E"}, "plain"]}}`), 1, Options{})
	assert.True(t, apierror.HasCode(err, apierror.InvalidQuery))

	res = compile(t, `{"owner": {"$all": [{"__type": "Pointer", "className": "_User", "objectId": "u1"}]}}`)
	assert.Equal(t, `"owner" = $2`, res.Pattern)
	assert.Equal(t, []any{"u1"}, res.Values)
}

func TestCompileExistsAndContainedBy(t *testing.T) {
	res := compile(t, `{"name": {"$exists": true}, "age": {"$exists": false}}`)
	assert.Equal(t, `"name" IS NOT NULL AND "age" IS NULL`, res.Pattern)

	res = compile(t, `{"name": {"$exists": 1}, "age": {"$exists": "true"}, "body": {"$exists": 0}, "tags": {"$exists": ""}}`)
	assert.Equal(t, `"name" IS NOT NULL AND "age" IS NOT NULL AND "body" IS NULL AND "tags" IS NULL`, res.Pattern)

	res = compile(t, `{"tags": {"$containedBy": [1, 2]}}`)
	assert.Equal(t, `"tags" <@ $2::jsonb`, res.Pattern)

	_, err := Compile(testSchema, wire.MustParse(`{"tags": {"$containedBy": 1}}`), 1, Options{})
	assert.True(t, apierror.HasCode(err, apierror.InvalidQuery))
}

func TestCompileText(t *testing.T) {
	res := compile(t, `{"body": {"$text": {"$search": {"$term": "coffee"}}}}`)
	assert.Equal(t, `to_tsvector($2, "body") @@ to_tsquery($2, $3)`, res.Pattern)
	assert.Equal(t, []any{"english", "coffee"}, res.Values)
	require.NotNil(t, res.Text)
	assert.Equal(t, TextSearch{Field: "body", Language: "$2", Term: "$3"}, *res.Text)

	bad := []string{
		`{"body": {"$text": {"$search": "x"}}}`,
		`{"body": {"$text": {"$search": {"$term": 1}}}}`,
		`{"body": {"$text": {"$search": {"$term": "x", "$language": 1}}}}`,
		`{"body": {"$text": {"$search": {"$term": "x", "$caseSensitive": true}}}}`,
		`{"body": {"$text": {"$search": {"$term": "x", "$diacriticSensitive": false}}}}`,
	}
	for _, q := range bad {
		_, err := Compile(testSchema, wire.MustParse(q), 1, Options{})
		assert.True(t, apierror.HasCode(err, apierror.InvalidQuery), q)
	}
}

func TestCompileGeo(t *testing.T) {
	res := compile(t, `{"location": {"$nearSphere": {"__type": "GeoPoint", "latitude": 40, "longitude": -30}, "$maxDistance": 0.5}}`)
	assert.Equal(t, `ST_DistanceSphere("location"::geometry, POINT($2, $3)::geometry) <= $4`, res.Pattern)
	assert.Equal(t, []any{-30.0, 40.0, 0.5 * 6371 * 1000}, res.Values)
	assert.Equal(t, []string{`ST_DistanceSphere("location"::geometry, POINT($2, $3)::geometry) ASC`}, res.Sorts)

	res = compile(t, `{"location": {"$within": {"$box": [
		{"__type": "GeoPoint", "latitude": 1, "longitude": 2},
		{"__type": "GeoPoint", "latitude": 3, "longitude": 4}]}}}`)
	assert.Equal(t, `"location"::point <@ $2::box`, res.Pattern)
	assert.Equal(t, []any{"((2, 1), (4, 3))"}, res.Values)

	res = compile(t, `{"location": {"$geoWithin": {"$centerSphere": [[-30, 40], 1]}}}`)
	assert.Equal(t, []any{-30.0, 40.0, 6371000.0}, res.Values)

	res = compile(t, `{"location": {"$geoWithin": {"$polygon": [
		{"__type": "GeoPoint", "latitude": 0, "longitude": 0},
		{"__type": "GeoPoint", "latitude": 0, "longitude": 1},
		{"__type": "GeoPoint", "latitude": 1, "longitude": 1}]}}}`)
	assert.Equal(t, `"location"::point <@ $2::polygon`, res.Pattern)
	assert.Equal(t, []any{"((0, 0), (1, 0), (1, 1))"}, res.Values)

	res = compile(t, `{"area": {"$geoIntersects": {"$point": {"__type": "GeoPoint", "latitude": 5, "longitude": 6}}}}`)
	assert.Equal(t, `"area"::polygon @> $2::point`, res.Pattern)
	assert.Equal(t, []any{"(6, 5)"}, res.Values)

	bad := []string{
		`{"location": {"$geoWithin": {"$centerSphere": [[-30, 95], 1]}}}`,
		`{"location": {"$geoWithin": {"$centerSphere": [[-30, 40], -1]}}}`,
		`{"location": {"$geoWithin": {"$centerSphere": "x"}}}`,
		`{"location": {"$geoWithin": {"$polygon": [[0, 0], [1, 1]]}}}`,
		`{"location": {"$geoWithin": {"$polygon": 4}}}`,
		`{"area": {"$geoIntersects": {"$point": [1, 2]}}}`,
	}
	for _, q := range bad {
		_, err := Compile(testSchema, wire.MustParse(q), 1, Options{})
		assert.True(t, apierror.HasCode(err, apierror.InvalidQuery), q)
	}
}

func TestCompileTypedLiterals(t *testing.T) {
	res := compile(t, `{"owner": {"__type": "Pointer", "className": "_User", "objectId": "u1"}}`)
	assert.Equal(t, `"owner" = $2`, res.Pattern)
	assert.Equal(t, []any{"u1"}, res.Values)

	res = compile(t, `{"tags": {"__type": "Pointer", "className": "_User", "objectId": "u1"}}`)
	assert.Equal(t, `array_contains("tags", $2::jsonb)`, res.Pattern)

	res = compile(t, `{"born": {"__type": "Date", "iso": "2020-01-01T00:00:00.000Z"}}`)
	assert.Equal(t, []any{"2020-01-01T00:00:00.000Z"}, res.Values)

	res = compile(t, `{"location": {"__type": "GeoPoint", "latitude": 1, "longitude": 2}}`)
	assert.Equal(t, `"location" ~= POINT($2, $3)`, res.Pattern)

	res = compile(t, `{"area": {"__type": "Polygon", "coordinates": [[0, 0], [0, 1], [1, 1]]}}`)
	assert.Equal(t, `"area" ~= $2::polygon`, res.Pattern)
	assert.Equal(t, []any{"((0, 0), (1, 0), (1, 1), (0, 0))"}, res.Values)
}

func TestCompileComparators(t *testing.T) {
	res := compile(t, `{"age": {"$gte": 0, "$lt": 10}, "born": {"$gt": {"__type": "Date", "iso": "2020-01-01T00:00:00.000Z"}}}`)
	assert.Equal(t, `"age" < $2 AND "age" >= $3 AND "born" > $4`, res.Pattern)
	assert.Equal(t, []any{10.0, 0.0, "2020-01-01T00:00:00.000Z"}, res.Values)

	res = compile(t, `{"meta.count": {"$gt": 2}}`)
	assert.Equal(t, `CAST (("meta"->>'count') AS double precision) > $2`, res.Pattern)
}

func TestCompileRelativeTime(t *testing.T) {
	fixed := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	now = func() time.Time { return fixed }
	defer func() { now = time.Now }()

	res := compile(t, `{"born": {"$lt": {"$relativeTime": "2 days ago"}}}`)
	assert.Equal(t, []any{"2024-03-08T12:00:00.000Z"}, res.Values)

	_, err := Compile(testSchema, wire.MustParse(`{"age": {"$lt": {"$relativeTime": "2 days ago"}}}`), 1, Options{})
	assert.True(t, apierror.HasCode(err, apierror.InvalidJSON))

	_, err = Compile(testSchema, wire.MustParse(`{"born": {"$eq": {"$relativeTime": "now"}}}`), 1, Options{})
	assert.True(t, apierror.HasCode(err, apierror.InvalidJSON))
}

func TestRelativeTimeToDate(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	got, err := relativeTimeToDate("in 1 day 2 hours", at)
	require.NoError(t, err)
	assert.Equal(t, at.Add(26*time.Hour), got)

	got, err = relativeTimeToDate("now", at)
	require.NoError(t, err)
	assert.Equal(t, at, got)

	for _, bad := range []string{"2 days", "in 2 days ago", "in 2", "in x days", "in 2 fortnights"} {
		_, err := relativeTimeToDate(bad, at)
		assert.Error(t, err, bad)
	}
}

func TestCompileUnsupported(t *testing.T) {
	_, err := Compile(testSchema, wire.MustParse(`{"meta": {"nested": 1}}`), 1, Options{})
	assert.True(t, apierror.HasCode(err, apierror.OperationForbidden))
	assert.Contains(t, err.Error(), "Postgres doesn't support this query type yet")
}

func TestBuildThreadsArgs(t *testing.T) {
	res, err := Compile(testSchema, wire.MustParse(`{"a": 1, "$or": [{"b": 2}, {"name": {"$in": ["x", "y"]}}], "age": {"$lte": 9}}`), 5, Options{})
	require.NoError(t, err)
	assert.Equal(t, `"a" = $5 AND (("b" = $6) OR ("name" IN ($7, $8))) AND "age" <= $9`, res.Pattern)
	assertPlaceholders(t, res, 5)
}
