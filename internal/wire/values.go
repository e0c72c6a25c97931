package wire

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/koba/pgobjects/internal/apierror"
)

// Typed value markers carried in "__type".
const (
	TypePointer  = "Pointer"
	TypeRelation = "Relation"
	TypeDate     = "Date"
	TypeFile     = "File"
	TypeGeoPoint = "GeoPoint"
	TypePolygon  = "Polygon"
	TypeBytes    = "Bytes"
)

// ISOLayout is the millisecond UTC format used for dates on the wire.
const ISOLayout = "2006-01-02T15:04:05.000Z"

// TypeOf returns the "__type" marker of v, or "" when v is not a typed object.
func TypeOf(v any) string {
	doc, ok := AsDocument(v)
	if !ok {
		return ""
	}
	t, _ := doc.Get("__type")
	s, _ := t.(string)
	return s
}

// OpOf returns the "__op" marker of v together with the operation object.
func OpOf(v any) (string, Document, bool) {
	doc, ok := AsDocument(v)
	if !ok {
		return "", nil, false
	}
	op, ok := doc.Get("__op")
	if !ok {
		return "", nil, false
	}
	s, ok := op.(string)
	return s, doc, ok
}

// String returns the string under key of a typed object.
func String(v any, key string) (string, bool) {
	doc, ok := AsDocument(v)
	if !ok {
		return "", false
	}
	raw, _ := doc.Get(key)
	s, ok := raw.(string)
	return s, ok
}

// ToFloat converts any numeric value.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// IsNumber reports whether v is numeric.
func IsNumber(v any) bool {
	_, ok := ToFloat(v)
	return ok
}

// FormatNumber renders a number the way it appears in SQL literals.
func FormatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// FormatISO renders t as a wire date string.
func FormatISO(t time.Time) string {
	return t.UTC().Format(ISOLayout)
}

// DateObject wraps t as {"__type": "Date", "iso": ...}.
func DateObject(t time.Time) Document {
	return Document{{Key: "__type", Value: TypeDate}, {Key: "iso", Value: FormatISO(t)}}
}

// ToStorage reduces typed objects to the scalar stored in their column:
// pointers to their objectId, dates to their ISO string, files to their name.
// Other values pass through.
func ToStorage(v any) any {
	switch TypeOf(v) {
	case TypePointer:
		id, _ := String(v, "objectId")
		return id
	case TypeDate:
		iso, _ := String(v, "iso")
		return iso
	case TypeFile:
		name, _ := String(v, "name")
		return name
	}
	if t, ok := v.(time.Time); ok {
		return FormatISO(t)
	}
	return v
}

// JSON encodes v for a jsonb parameter.
func JSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", apierror.Wrap(apierror.InvalidJSON, err, "cannot encode value")
	}
	return string(data), nil
}

// GeoPoint is a latitude/longitude pair.
type GeoPoint struct {
	Latitude  float64
	Longitude float64
}

// AsGeoPoint reads a {"__type": "GeoPoint"} object.
func AsGeoPoint(v any) (GeoPoint, bool) {
	if TypeOf(v) != TypeGeoPoint {
		return GeoPoint{}, false
	}
	doc, _ := AsDocument(v)
	latRaw, _ := doc.Get("latitude")
	lngRaw, _ := doc.Get("longitude")
	lat, ok1 := ToFloat(latRaw)
	lng, ok2 := ToFloat(lngRaw)
	if !ok1 || !ok2 {
		return GeoPoint{}, false
	}
	return GeoPoint{Latitude: lat, Longitude: lng}, true
}

// Validate checks the coordinate ranges.
func (p GeoPoint) Validate() error {
	if p.Latitude < -90 || p.Latitude > 90 {
		return apierror.New(apierror.InvalidJSON, "GeoPoint latitude out of bounds: %v < -90.0 or > 90.0", p.Latitude)
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		return apierror.New(apierror.InvalidJSON, "GeoPoint longitude out of bounds: %v < -180.0 or > 180.0", p.Longitude)
	}
	return nil
}

// Object renders p on the wire.
func (p GeoPoint) Object() Document {
	return Document{
		{Key: "__type", Value: TypeGeoPoint},
		{Key: "latitude", Value: p.Latitude},
		{Key: "longitude", Value: p.Longitude},
	}
}

func (p GeoPoint) String() string {
	return fmt.Sprintf("(%s, %s)", FormatNumber(p.Longitude), FormatNumber(p.Latitude))
}
