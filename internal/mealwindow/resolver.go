// Package mealwindow maps a local timestamp to the meal currently being
// served. Windows are inclusive of start, exclusive of end.
package mealwindow

import (
	"time"

	"messattend/internal/model"
)

// DefaultWindows are used when a mess defines no overrides.
var DefaultWindows = map[model.Meal]model.Window{
	model.MealBreakfast: {StartHour: 7, EndHour: 10},
	model.MealLunch:     {StartHour: 12, EndHour: 15},
	model.MealDinner:    {StartHour: 19, EndHour: 22},
}

// Resolve returns the meal served at t given per-mess overrides, or MealNone.
// A mess override replaces the default window for that meal only.
func Resolve(t time.Time, overrides map[model.Meal]model.Window) model.Meal {
	minute := t.Hour()*60 + t.Minute()
	for _, meal := range []model.Meal{model.MealBreakfast, model.MealLunch, model.MealDinner} {
		w, ok := overrides[meal]
		if !ok {
			w = DefaultWindows[meal]
		}
		start := w.StartHour*60 + w.StartMin
		end := w.EndHour*60 + w.EndMin
		if minute >= start && minute < end {
			return meal
		}
	}
	return model.MealNone
}
