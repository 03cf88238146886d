package monitor

import (
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// "@every 5m" or "@hourly".
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a re-probe schedule.
func ParseSchedule(expression string) (cron.Schedule, error) {
	return cronParser.Parse(expression)
}

// NextRun returns the first activation of expression after after.
func NextRun(expression string, after time.Time) (time.Time, error) {
	schedule, err := ParseSchedule(expression)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(after), nil
}
