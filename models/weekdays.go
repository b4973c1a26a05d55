package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// Weekdays is a set of days a campaign may send on. It is stored as a comma
// separated list ("mon,tue,wed") and travels as a JSON array. An empty set
// allows every day.
type Weekdays []time.Weekday

func ParseWeekdays(names []string) (Weekdays, error) {
	seen := map[time.Weekday]bool{}
	var days Weekdays
	for _, n := range names {
		key := strings.ToLower(strings.TrimSpace(n))
		if key == "" {
			continue
		}
		if len(key) > 3 {
			key = key[:3]
		}
		d, ok := weekdayNames[key]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", n)
		}
		if !seen[d] {
			seen[d] = true
			days = append(days, d)
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })
	return days, nil
}

// Contains reports whether d is allowed.
func (w Weekdays) Contains(d time.Weekday) bool {
	if len(w) == 0 {
		return true
	}
	for _, x := range w {
		if x == d {
			return true
		}
	}
	return false
}

func (w Weekdays) Names() []string {
	out := make([]string, 0, len(w))
	for _, d := range w {
		out = append(out, strings.ToLower(d.String()[:3]))
	}
	return out
}

func (w Weekdays) Value() (driver.Value, error) {
	return strings.Join(w.Names(), ","), nil
}

func (w *Weekdays) Scan(src interface{}) error {
	var raw string
	switch v := src.(type) {
	case nil:
		*w = nil
		return nil
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("cannot scan %T into Weekdays", src)
	}
	days, err := ParseWeekdays(strings.Split(raw, ","))
	if err != nil {
		return err
	}
	*w = days
	return nil
}

func (w Weekdays) MarshalJSON() ([]byte, error) {
	return json.Marshal(w.Names())
}

func (w *Weekdays) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	days, err := ParseWeekdays(names)
	if err != nil {
		return err
	}
	*w = days
	return nil
}
