package utils

import (
	"sync"
	"time"

	"outreach/models"
)

// Denial reasons returned by EvaluateWindow.
const (
	ReasonOutsideDays   = "OUTSIDE_DAYS"
	ReasonOutsideHours  = "OUTSIDE_HOURS"
	ReasonQuotaExceeded = "QUOTA_EXCEEDED"
)

// WindowPolicy is the part of a campaign and its sending account that gates
// a dispatch.
type WindowPolicy struct {
	Timezone           string
	Days               models.Weekdays
	HourStart          int
	HourEnd            int
	CampaignDailyLimit int
	AccountDailyLimit  int
}

// QuotaSnapshot carries the sends already recorded for the local day.
type QuotaSnapshot struct {
	CampaignSentToday int
	AccountSentToday  int
}

type WindowDecision struct {
	Allowed bool
	Reason  string
	Local   time.Time
}

func PolicyFor(c *models.Campaign, s *models.Sender) WindowPolicy {
	p := WindowPolicy{
		Timezone:           c.Timezone,
		Days:               c.SendingDays,
		HourStart:          c.SendingHoursStart,
		HourEnd:            c.SendingHoursEnd,
		CampaignDailyLimit: c.DailyLimit,
	}
	if s != nil {
		p.AccountDailyLimit = s.DailyLimit
	}
	return p
}

// EvaluateWindow decides whether a send may go out at now. It has no side
// effects and must be called right before every dispatch.
func EvaluateWindow(p WindowPolicy, usage QuotaSnapshot, now time.Time) WindowDecision {
	local := now.In(Location(p.Timezone))
	d := WindowDecision{Local: local}

	if !p.Days.Contains(local.Weekday()) {
		d.Reason = ReasonOutsideDays
		return d
	}
	if !hourAllowed(local.Hour(), p.HourStart, p.HourEnd) {
		d.Reason = ReasonOutsideHours
		return d
	}
	if p.CampaignDailyLimit > 0 && usage.CampaignSentToday >= p.CampaignDailyLimit {
		d.Reason = ReasonQuotaExceeded
		return d
	}
	if p.AccountDailyLimit > 0 && usage.AccountSentToday >= p.AccountDailyLimit {
		d.Reason = ReasonQuotaExceeded
		return d
	}

	d.Allowed = true
	return d
}

// hourAllowed treats [start, end) as the window; start > end wraps past
// midnight and start == end means no restriction.
func hourAllowed(hour, start, end int) bool {
	start = clampHour(start)
	end = clampHour(end)
	switch {
	case start == end || (start == 0 && end == 24):
		return true
	case start < end:
		return hour >= start && hour < end
	default:
		return hour >= start || hour < end
	}
}

func clampHour(h int) int {
	if h < 0 {
		return 0
	}
	if h > 24 {
		return 24
	}
	return h
}

// AccountDay is the day bucket for a sending account's counter. Accounts
// are shared by campaigns in different timezones, so their limit runs on
// the UTC day.
func AccountDay(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// LocalDay is the calendar date of now in tz, used as the quota day key.
func LocalDay(tz string, now time.Time) string {
	return now.In(Location(tz)).Format("2006-01-02")
}

var locations sync.Map

// Location resolves an IANA name, falling back to UTC for unknown zones.
func Location(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	if loc, ok := locations.Load(tz); ok {
		return loc.(*time.Location)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	locations.Store(tz, loc)
	return loc
}

// ValidTimezone reports whether tz names a loadable IANA zone.
func ValidTimezone(tz string) bool {
	if tz == "" {
		return true
	}
	_, err := time.LoadLocation(tz)
	return err == nil
}
