package fetch

import (
	"fmt"
	"time"

	"github.com/Sternrassler/meraki-report/pkg/client"
)

// Window is a half-open time interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Duration returns the length of the window.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Empty reports whether the window covers no time.
func (w Window) Empty() bool {
	return !w.End.After(w.Start)
}

// String renders the window in the API's timestamp layout.
func (w Window) String() string {
	return fmt.Sprintf("%s..%s", client.FormatTime(w.Start), client.FormatTime(w.End))
}

// DayWindows returns one window per day going back from now: day d covers
// the UTC date of now-d days from 00:01 to 23:59, except day 0 which ends at
// now. Index 0 is today.
func DayWindows(now time.Time, days int) []Window {
	now = now.UTC().Truncate(time.Second)
	windows := make([]Window, 0, days)

	for d := 0; d < days; d++ {
		date := now.AddDate(0, 0, -d)
		y, m, day := date.Date()

		w := Window{
			Start: time.Date(y, m, day, 0, 1, 0, 0, time.UTC),
			End:   time.Date(y, m, day, 23, 59, 0, 0, time.UTC),
		}
		if d == 0 {
			w.End = now
		}
		windows = append(windows, w)
	}
	return windows
}

// hours converts fractional hours to a duration.
func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}
