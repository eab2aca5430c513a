package mealwindow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"messattend/internal/model"
)

func at(hour, min int) time.Time {
	return time.Date(2025, 3, 10, hour, min, 0, 0, time.UTC)
}

func TestResolve_DefaultBoundaries(t *testing.T) {
	t.Parallel()

	cases := []struct {
		hour, min int
		want      model.Meal
	}{
		{6, 59, model.MealNone},
		{7, 0, model.MealBreakfast},
		{9, 59, model.MealBreakfast},
		{10, 0, model.MealNone},
		{11, 59, model.MealNone},
		{12, 0, model.MealLunch},
		{14, 59, model.MealLunch},
		{15, 0, model.MealNone},
		{18, 59, model.MealNone},
		{19, 0, model.MealDinner},
		{21, 59, model.MealDinner},
		{22, 0, model.MealNone},
		{23, 30, model.MealNone},
	}
	for _, tc := range cases {
		got := Resolve(at(tc.hour, tc.min), nil)
		assert.Equalf(t, tc.want, got, "at %02d:%02d", tc.hour, tc.min)
	}
}

func TestResolve_Deterministic(t *testing.T) {
	t.Parallel()

	ts := at(20, 15)
	first := Resolve(ts, nil)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Resolve(ts, nil))
	}
	assert.Equal(t, model.MealDinner, first)
}

func TestResolve_MessOverride(t *testing.T) {
	t.Parallel()

	overrides := map[model.Meal]model.Window{
		model.MealDinner: {StartHour: 18, EndHour: 21},
	}

	assert.Equal(t, model.MealDinner, Resolve(at(18, 30), overrides))
	assert.Equal(t, model.MealNone, Resolve(at(21, 30), overrides))
	// Unoverridden meals keep the defaults.
	assert.Equal(t, model.MealBreakfast, Resolve(at(8, 0), overrides))
}
