package scheduler

import (
	"time"

	"github.com/hashicorp/cronexpr"
)

// nextCronTime computes the next occurrence of a 5-or-6-field cron
// expression strictly after after (spec §4.C "Cron tasks re-arm
// themselves on Finished").
func nextCronTime(expr string, after time.Time) (time.Time, error) {
	e, err := cronexpr.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return e.Next(after), nil
}
