package geofence

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"messattend/internal/model"
)

var mess = model.Point{Lat: 12.9716, Lng: 77.5946}

func TestEvaluate_SamePoint(t *testing.T) {
	t.Parallel()

	res := Evaluate(mess, mess, 200)
	assert.True(t, res.Within)
	assert.Equal(t, 0, res.DistanceM)
}

func TestEvaluate_KnownDistance(t *testing.T) {
	t.Parallel()

	// ~300m due north of the mess; 0.0027 deg latitude.
	reported := model.Point{Lat: mess.Lat + 0.0027, Lng: mess.Lng}
	res := Evaluate(reported, mess, 200)
	assert.False(t, res.Within)
	assert.InDelta(t, 300, res.DistanceM, 5)
}

func TestEvaluate_InsideRadius(t *testing.T) {
	t.Parallel()

	// ~50m due north.
	reported := model.Point{Lat: mess.Lat + 0.00045, Lng: mess.Lng}
	res := Evaluate(reported, mess, 200)
	assert.True(t, res.Within)
	assert.InDelta(t, 50, res.DistanceM, 3)
}

func TestEvaluate_Reproducible(t *testing.T) {
	t.Parallel()

	reported := model.Point{Lat: 12.9761, Lng: 77.5902}
	first := Evaluate(reported, mess, 200)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Evaluate(reported, mess, 200))
	}
	assert.False(t, first.Within)
}
