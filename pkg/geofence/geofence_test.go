package geofence

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var anchor = Point{Latitude: 12.9716, Longitude: 77.5946}

func TestEvaluateSamePoint(t *testing.T) {
	res, err := Evaluate(anchor, anchor, DefaultRadiusMeters)
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.DistanceMeters)
	assert.True(t, res.Allowed)
}

func TestEvaluateInsideAndOutside(t *testing.T) {
	// 0.00003 degrees of latitude is roughly 3.3 m
	near := Point{Latitude: anchor.Latitude + 0.00003, Longitude: anchor.Longitude}
	res, err := Evaluate(anchor, near, DefaultRadiusMeters)
	require.NoError(t, err)
	assert.InDelta(t, 3.34, res.DistanceMeters, 0.05)
	assert.True(t, res.Allowed)

	// 0.0001 degrees is roughly 11.1 m
	far := Point{Latitude: anchor.Latitude + 0.0001, Longitude: anchor.Longitude}
	res, err = Evaluate(anchor, far, DefaultRadiusMeters)
	require.NoError(t, err)
	assert.InDelta(t, 11.12, res.DistanceMeters, 0.05)
	assert.False(t, res.Allowed)
}

func TestEvaluateBoundaryIsInclusive(t *testing.T) {
	p := Point{Latitude: anchor.Latitude + 0.0001, Longitude: anchor.Longitude}
	d := Distance(anchor, p)

	res, err := Evaluate(anchor, p, d)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = Evaluate(anchor, p, math.Nextafter(d, 0))
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestDistanceSymmetricAndKnownValue(t *testing.T) {
	a := Point{Latitude: 0, Longitude: 0}
	b := Point{Latitude: 0, Longitude: 1}
	assert.Equal(t, Distance(a, b), Distance(b, a))
	// one degree of arc on the mean sphere
	assert.InDelta(t, 111195.08, Distance(a, b), 0.5)

	antipode := Point{Latitude: 0, Longitude: 180}
	assert.InDelta(t, math.Pi*EarthRadiusMeters, Distance(a, antipode), 0.01)
}

func TestEvaluateRejectsInvalidCoordinates(t *testing.T) {
	cases := []Point{
		{Latitude: 91, Longitude: 0},
		{Latitude: -91, Longitude: 0},
		{Latitude: 0, Longitude: 181},
		{Latitude: 0, Longitude: -180.5},
		{Latitude: math.NaN(), Longitude: 0},
		{Latitude: 0, Longitude: math.Inf(1)},
	}
	for _, p := range cases {
		_, err := Evaluate(anchor, p, DefaultRadiusMeters)
		assert.ErrorIs(t, err, ErrInvalidCoordinate, "point %+v", p)
		_, err = Evaluate(p, anchor, DefaultRadiusMeters)
		assert.ErrorIs(t, err, ErrInvalidCoordinate, "anchor %+v", p)
	}

	_, err := Evaluate(anchor, anchor, -1)
	assert.ErrorIs(t, err, ErrInvalidCoordinate)
}

func TestEvaluateAcceptsRangeEdges(t *testing.T) {
	_, err := Evaluate(Point{Latitude: 90, Longitude: 180}, Point{Latitude: -90, Longitude: -180}, DefaultRadiusMeters)
	require.NoError(t, err)
}
