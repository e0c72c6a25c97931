package wire

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/koba/pgobjects/internal/apierror"
)

// PolygonCoordinates reads the [lat, lng] pairs of a coordinate list.
func PolygonCoordinates(v any) ([][2]float64, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, apierror.New(apierror.InvalidJSON, "bad polygon coordinates")
	}
	coords := make([][2]float64, 0, len(list))
	for _, item := range list {
		pair, ok := item.([]any)
		if !ok || len(pair) != 2 {
			return nil, apierror.New(apierror.InvalidJSON, "bad polygon coordinate %v", item)
		}
		lat, ok1 := ToFloat(pair[0])
		lng, ok2 := ToFloat(pair[1])
		if !ok1 || !ok2 {
			return nil, apierror.New(apierror.InvalidJSON, "bad polygon coordinate %v", item)
		}
		coords = append(coords, [2]float64{lat, lng})
	}
	return coords, nil
}

// PolygonToSQL renders [lat, lng] coordinates as a closed Postgres polygon
// literal of (lng, lat) vertices.
func PolygonToSQL(v any) (string, error) {
	coords, err := PolygonCoordinates(v)
	if err != nil {
		return "", err
	}
	if len(coords) < 3 {
		return "", apierror.New(apierror.InvalidJSON, "Polygon must have at least 3 values")
	}
	if coords[0] != coords[len(coords)-1] {
		coords = append(coords, coords[0])
	}
	unique := make(map[[2]float64]struct{}, len(coords))
	for _, c := range coords {
		unique[c] = struct{}{}
	}
	if len(unique) < 3 {
		return "", apierror.New(apierror.InternalServerError, "GeoJSON: Loop must have at least 3 different vertices")
	}
	points := make([]string, len(coords))
	for i, c := range coords {
		p := GeoPoint{Latitude: c[0], Longitude: c[1]}
		if err := p.Validate(); err != nil {
			return "", err
		}
		points[i] = p.String()
	}
	return "(" + strings.Join(points, ", ") + ")", nil
}

// ParsePoint reads a Postgres point literal "(x,y)".
func ParsePoint(s string) (GeoPoint, error) {
	pairs, err := parsePairs(s)
	if err != nil {
		return GeoPoint{}, err
	}
	if len(pairs) != 1 {
		return GeoPoint{}, fmt.Errorf("bad point %q", s)
	}
	return GeoPoint{Longitude: pairs[0][0], Latitude: pairs[0][1]}, nil
}

// ParsePolygon reads a Postgres polygon literal "((x,y),...)" back into
// [lat, lng] coordinates.
func ParsePolygon(s string) ([]any, error) {
	pairs, err := parsePairs(s)
	if err != nil {
		return nil, err
	}
	coords := make([]any, len(pairs))
	for i, p := range pairs {
		coords[i] = []any{p[1], p[0]}
	}
	return coords, nil
}

func parsePairs(s string) ([][2]float64, error) {
	s = strings.TrimSpace(s)
	var pairs [][2]float64
	for {
		start := strings.IndexByte(s, '(')
		if start < 0 {
			break
		}
		// skip the outer parenthesis of a polygon
		if next := strings.IndexByte(s[start+1:], '('); next >= 0 && next < strings.IndexByte(s[start+1:], ')') {
			s = s[start+1:]
			continue
		}
		end := strings.IndexByte(s[start:], ')')
		if end < 0 {
			return nil, fmt.Errorf("unbalanced geometry %q", s)
		}
		parts := strings.Split(s[start+1:start+end], ",")
		if len(parts) != 2 {
			return nil, fmt.Errorf("bad coordinate pair %q", s[start:start+end+1])
		}
		x, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		if err != nil {
			return nil, err
		}
		y, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, [2]float64{x, y})
		s = s[start+end+1:]
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("no coordinates in %q", s)
	}
	return pairs, nil
}
