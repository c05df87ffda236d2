package routing

import (
	"strconv"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/haasonsaas/callbridge/internal/storage"
)

var locations sync.Map // timezone name -> *time.Location

func loadLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	if loc, ok := locations.Load(name); ok {
		return loc.(*time.Location)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		loc = time.UTC
	}
	locations.Store(name, loc)
	return loc
}

// parseClock converts "HH:MM" to minutes past midnight.
func parseClock(s string) (int, bool) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, false
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 24 {
		return 0, false
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, false
	}
	return hour*60 + minute, true
}

// InBusinessHours reports whether now falls inside the weekly window,
// evaluated in the window's timezone. Unknown timezones are treated as UTC
// and unparseable bounds as open.
func InBusinessHours(bh storage.BusinessHours, now time.Time) bool {
	if bh.Start == "" && bh.End == "" && len(bh.Days) == 0 {
		return true
	}
	local := now.In(loadLocation(bh.Timezone))

	if len(bh.Days) > 0 {
		weekday := int(local.Weekday())
		open := false
		for _, d := range bh.Days {
			if d == weekday {
				open = true
				break
			}
		}
		if !open {
			return false
		}
	}

	minute := local.Hour()*60 + local.Minute()
	if start, ok := parseClock(bh.Start); ok && minute < start {
		return false
	}
	if end, ok := parseClock(bh.End); ok && minute >= end {
		return false
	}
	return true
}
