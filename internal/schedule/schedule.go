// Package schedule computes when a recurring project scan is next due and
// enqueues the scans that are due now.
package schedule

import (
	"fmt"
	"time"

	apperrors "github.com/scan-orchestrator/internal/errors"
	"github.com/scan-orchestrator/internal/models"
	"github.com/scan-orchestrator/internal/types"
)

// NextRun returns the first occurrence of cfg strictly after now. All day
// and hour arithmetic happens on the wall clock of cfg.Timezone, so the
// result follows DST changes instead of a fixed UTC offset.
func NextRun(cfg *models.ScheduleConfig, now time.Time) (time.Time, error) {
	if cfg == nil {
		return time.Time{}, apperrors.NewInvalidParameterError("schedule", "missing")
	}
	if cfg.Hour < 0 || cfg.Hour > 23 {
		return time.Time{}, apperrors.NewInvalidParameterError("hour", "must be between 0 and 23")
	}

	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return time.Time{}, err
	}
	local := now.In(loc)

	var next time.Time
	switch cfg.Frequency {
	case types.FrequencyDaily:
		next = nextDaily(local, cfg.Hour, loc)
	case types.FrequencyWeekly:
		if cfg.DayOfWeek == nil {
			return time.Time{}, apperrors.NewInvalidParameterError("dayOfWeek", "required for weekly schedules")
		}
		next = nextWeekly(local, *cfg.DayOfWeek, cfg.Hour, loc)
	case types.FrequencyMonthly:
		if cfg.DayOfMonth == nil || *cfg.DayOfMonth < 1 || *cfg.DayOfMonth > 31 {
			return time.Time{}, apperrors.NewInvalidParameterError("dayOfMonth", "must be between 1 and 31")
		}
		next = nextMonthly(local, *cfg.DayOfMonth, cfg.Hour, loc)
	default:
		return time.Time{}, apperrors.NewInvalidParameterError("frequency", fmt.Sprintf("unknown frequency %q", cfg.Frequency))
	}

	return next.UTC(), nil
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, apperrors.NewInvalidParameterError("timezone", err.Error())
	}
	return loc, nil
}

func nextDaily(local time.Time, hour int, loc *time.Location) time.Time {
	y, m, d := local.Date()
	for i := 0; ; i++ {
		candidate := time.Date(y, m, d+i, hour, 0, 0, 0, loc)
		if candidate.After(local) {
			return candidate
		}
	}
}

func nextWeekly(local time.Time, weekday time.Weekday, hour int, loc *time.Location) time.Time {
	y, m, d := local.Date()
	daysAhead := (int(weekday) - int(local.Weekday()) + 7) % 7
	for i := daysAhead; ; i += 7 {
		candidate := time.Date(y, m, d+i, hour, 0, 0, 0, loc)
		if candidate.After(local) {
			return candidate
		}
	}
}

func nextMonthly(local time.Time, day, hour int, loc *time.Location) time.Time {
	y, m, _ := local.Date()
	for i := 0; ; i++ {
		first := time.Date(y, m+time.Month(i), 1, 0, 0, 0, 0, loc)
		candidate := time.Date(first.Year(), first.Month(), min(day, daysIn(first.Year(), first.Month())), hour, 0, 0, 0, loc)
		if candidate.After(local) {
			return candidate
		}
	}
}

// daysIn returns the number of days in month m of year y
func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
