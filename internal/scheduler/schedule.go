package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule decides when a job fires next.
type Schedule interface {
	cron.Schedule
	String() string
}

type everySchedule struct {
	cron.ConstantDelaySchedule
}

// Every fires at a fixed interval, rounded down to whole seconds (minimum one second).
func Every(d time.Duration) Schedule {
	return everySchedule{cron.Every(d)}
}

func (s everySchedule) String() string {
	return "every " + s.Delay.String()
}

type dailySchedule struct {
	hour   int
	minute int
	loc    *time.Location
}

// DailyAt fires once a day at hour:minute wall-clock time in loc.
func DailyAt(hour, minute int, loc *time.Location) (Schedule, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return nil, fmt.Errorf("invalid time of day %02d:%02d", hour, minute)
	}
	if loc == nil {
		loc = time.UTC
	}
	return dailySchedule{hour: hour, minute: minute, loc: loc}, nil
}

// Next returns the first hour:minute strictly after t.
func (s dailySchedule) Next(t time.Time) time.Time {
	local := t.In(s.loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), s.hour, s.minute, 0, 0, s.loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, s.hour, s.minute, 0, 0, s.loc)
	}
	return next
}

func (s dailySchedule) String() string {
	return fmt.Sprintf("daily at %02d:%02d %s", s.hour, s.minute, s.loc)
}
