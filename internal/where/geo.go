package where

import (
	"fmt"
	"strings"

	"github.com/koba/pgobjects/internal/apierror"
	"github.com/koba/pgobjects/internal/wire"
)

// geo compiles $nearSphere, $within, $geoWithin and $geoIntersects.
func (c *compiler) geo(col string, ops wire.Document) ([]string, error) {
	var patterns []string

	if near, ok := ops.Get("$nearSphere"); ok {
		point, ok := wire.AsGeoPoint(near)
		if !ok {
			return nil, apierror.New(apierror.InvalidQuery, "bad $nearSphere value; should be a GeoPoint")
		}
		distance := fmt.Sprintf("ST_DistanceSphere(%s::geometry, POINT(%s, %s)::geometry)",
			col, c.args.Add(point.Longitude), c.args.Add(point.Latitude))
		c.sorts = append(c.sorts, distance+" ASC")
		if maxRaw, ok := ops.Get("$maxDistance"); ok {
			maxDistance, ok := wire.ToFloat(maxRaw)
			if !ok {
				return nil, apierror.New(apierror.InvalidQuery, "bad $maxDistance value")
			}
			patterns = append(patterns, fmt.Sprintf("%s <= %s", distance, c.args.Add(maxDistance*earthRadiusMeters)))
		} else {
			patterns = append(patterns, col+" IS NOT NULL")
		}
	}

	if withinRaw, ok := ops.Get("$within"); ok {
		within, _ := wire.AsDocument(withinRaw)
		boxRaw, _ := within.Get("$box")
		box, ok := boxRaw.([]any)
		if !ok || len(box) != 2 {
			return nil, apierror.New(apierror.InvalidQuery, "bad $within.$box value; should be two GeoPoints")
		}
		lowerLeft, ok1 := wire.AsGeoPoint(box[0])
		upperRight, ok2 := wire.AsGeoPoint(box[1])
		if !ok1 || !ok2 {
			return nil, apierror.New(apierror.InvalidQuery, "bad $within.$box value; should be two GeoPoints")
		}
		value := fmt.Sprintf("(%s, %s)", lowerLeft, upperRight)
		patterns = append(patterns, fmt.Sprintf("%s::point <@ %s::box", col, c.args.Add(value)))
	}

	if geoWithinRaw, ok := ops.Get("$geoWithin"); ok {
		geoWithin, ok := wire.AsDocument(geoWithinRaw)
		if !ok {
			return nil, apierror.New(apierror.InvalidQuery, "bad $geoWithin value")
		}
		if sphere, ok := geoWithin.Get("$centerSphere"); ok {
			frag, err := c.centerSphere(col, sphere)
			if err != nil {
				return nil, err
			}
			patterns = append(patterns, frag)
		}
		if polygon, ok := geoWithin.Get("$polygon"); ok {
			frag, err := c.withinPolygon(col, polygon)
			if err != nil {
				return nil, err
			}
			patterns = append(patterns, frag)
		}
	}

	if intersectsRaw, ok := ops.Get("$geoIntersects"); ok {
		intersects, _ := wire.AsDocument(intersectsRaw)
		pointRaw, _ := intersects.Get("$point")
		point, ok := wire.AsGeoPoint(pointRaw)
		if !ok {
			return nil, apierror.New(apierror.InvalidQuery, "bad $geoIntersect value; $point should be GeoPoint")
		}
		if err := point.Validate(); err != nil {
			return nil, apierror.Wrap(apierror.InvalidQuery, err, "bad GeoPoint")
		}
		patterns = append(patterns, fmt.Sprintf("%s::polygon @> %s::point", col, c.args.Add(point.String())))
	}
	return patterns, nil
}

func (c *compiler) centerSphere(col string, raw any) (string, error) {
	sphere, ok := raw.([]any)
	if !ok || len(sphere) < 2 {
		return "", apierror.New(apierror.InvalidQuery, "bad $geoWithin value; $centerSphere should be an array of Parse.GeoPoint and distance")
	}
	var point wire.GeoPoint
	if pair, ok := sphere[0].([]any); ok && len(pair) == 2 {
		lng, ok1 := wire.ToFloat(pair[0])
		lat, ok2 := wire.ToFloat(pair[1])
		if !ok1 || !ok2 {
			return "", apierror.New(apierror.InvalidQuery, "bad $geoWithin value; $centerSphere geo point invalid")
		}
		point = wire.GeoPoint{Latitude: lat, Longitude: lng}
	} else if p, ok := wire.AsGeoPoint(sphere[0]); ok {
		point = p
	} else {
		return "", apierror.New(apierror.InvalidQuery, "bad $geoWithin value; $centerSphere geo point invalid")
	}
	if err := point.Validate(); err != nil {
		return "", apierror.Wrap(apierror.InvalidQuery, err, "bad GeoPoint")
	}
	distance, ok := wire.ToFloat(sphere[1])
	if !ok || distance < 0 {
		return "", apierror.New(apierror.InvalidQuery, "bad $geoWithin value; $centerSphere distance invalid")
	}
	return fmt.Sprintf("ST_DistanceSphere(%s::geometry, POINT(%s, %s)::geometry) <= %s",
		col, c.args.Add(point.Longitude), c.args.Add(point.Latitude), c.args.Add(distance*earthRadiusMeters)), nil
}

// withinPolygon accepts a Polygon object, whose coordinates are [lat, lng],
// or a list of GeoPoints or [lng, lat] pairs.
func (c *compiler) withinPolygon(col string, raw any) (string, error) {
	var points []string
	switch {
	case wire.TypeOf(raw) == wire.TypePolygon:
		doc, _ := wire.AsDocument(raw)
		coordsRaw, _ := doc.Get("coordinates")
		coords, err := wire.PolygonCoordinates(coordsRaw)
		if err != nil || len(coords) < 3 {
			return "", apierror.New(apierror.InvalidQuery, "bad $geoWithin value; Polygon.coordinates should contain at least 3 lon/lat pairs")
		}
		for _, pair := range coords {
			p := wire.GeoPoint{Latitude: pair[0], Longitude: pair[1]}
			if err := p.Validate(); err != nil {
				return "", apierror.Wrap(apierror.InvalidQuery, err, "bad GeoPoint")
			}
			points = append(points, p.String())
		}
	default:
		list, ok := raw.([]any)
		if !ok {
			return "", apierror.New(apierror.InvalidQuery, "bad $geoWithin value; $polygon should be Polygon object or Array of Parse.GeoPoint's")
		}
		if len(list) < 3 {
			return "", apierror.New(apierror.InvalidQuery, "bad $geoWithin value; $polygon should contain at least 3 GeoPoints")
		}
		for _, item := range list {
			var p wire.GeoPoint
			if pair, ok := item.([]any); ok && len(pair) == 2 {
				lng, ok1 := wire.ToFloat(pair[0])
				lat, ok2 := wire.ToFloat(pair[1])
				if !ok1 || !ok2 {
					return "", apierror.New(apierror.InvalidQuery, "bad $geoWithin value")
				}
				p = wire.GeoPoint{Latitude: lat, Longitude: lng}
			} else if gp, ok := wire.AsGeoPoint(item); ok {
				p = gp
			} else {
				return "", apierror.New(apierror.InvalidQuery, "bad $geoWithin value")
			}
			if err := p.Validate(); err != nil {
				return "", apierror.Wrap(apierror.InvalidQuery, err, "bad GeoPoint")
			}
			points = append(points, p.String())
		}
	}
	value := "(" + strings.Join(points, ", ") + ")"
	return fmt.Sprintf("%s::point <@ %s::polygon", col, c.args.Add(value)), nil
}
