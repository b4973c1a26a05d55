package utils

import (
	"testing"
	"time"

	"outreach/models"

	"github.com/stretchr/testify/assert"
)

func weekdayPolicy() WindowPolicy {
	return WindowPolicy{
		Timezone:  "America/New_York",
		Days:      models.Weekdays{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		HourStart: 9,
		HourEnd:   17,
	}
}

func TestEvaluateWindow(t *testing.T) {
	// 2024-01-08 is a Monday; New York is UTC-5 in January
	monday := func(hour int) time.Time { return time.Date(2024, 1, 8, hour+5, 0, 0, 0, time.UTC) }

	tests := []struct {
		name    string
		policy  func() WindowPolicy
		usage   QuotaSnapshot
		now     time.Time
		allowed bool
		reason  string
	}{
		{name: "inside window", policy: weekdayPolicy, now: monday(10), allowed: true},
		{name: "before start", policy: weekdayPolicy, now: monday(8), reason: ReasonOutsideHours},
		{name: "end is exclusive", policy: weekdayPolicy, now: monday(17), reason: ReasonOutsideHours},
		{
			name:   "weekend",
			policy: weekdayPolicy,
			now:    time.Date(2024, 1, 6, 15, 0, 0, 0, time.UTC),
			reason: ReasonOutsideDays,
		},
		{
			name: "campaign quota reached",
			policy: func() WindowPolicy {
				p := weekdayPolicy()
				p.CampaignDailyLimit = 10
				return p
			},
			usage:  QuotaSnapshot{CampaignSentToday: 10},
			now:    monday(10),
			reason: ReasonQuotaExceeded,
		},
		{
			name: "account quota reached",
			policy: func() WindowPolicy {
				p := weekdayPolicy()
				p.AccountDailyLimit = 2
				return p
			},
			usage:  QuotaSnapshot{AccountSentToday: 2},
			now:    monday(10),
			reason: ReasonQuotaExceeded,
		},
		{
			name: "zero limits are unlimited",
			policy: func() WindowPolicy {
				return WindowPolicy{Timezone: "UTC", HourEnd: 24}
			},
			usage:   QuotaSnapshot{CampaignSentToday: 100000, AccountSentToday: 100000},
			now:     monday(3),
			allowed: true,
		},
		{
			name: "window wraps midnight",
			policy: func() WindowPolicy {
				return WindowPolicy{Timezone: "UTC", HourStart: 22, HourEnd: 6}
			},
			now:     time.Date(2024, 1, 8, 23, 30, 0, 0, time.UTC),
			allowed: true,
		},
		{
			name: "outside wrapped window",
			policy: func() WindowPolicy {
				return WindowPolicy{Timezone: "UTC", HourStart: 22, HourEnd: 6}
			},
			now:    time.Date(2024, 1, 8, 12, 0, 0, 0, time.UTC),
			reason: ReasonOutsideHours,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := EvaluateWindow(tt.policy(), tt.usage, tt.now)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestEvaluateWindowUsesLocalTime(t *testing.T) {
	// 03:00 UTC Tuesday is still Monday evening in New York
	now := time.Date(2024, 1, 9, 3, 0, 0, 0, time.UTC)
	p := WindowPolicy{Timezone: "America/New_York", Days: models.Weekdays{time.Monday}, HourStart: 20, HourEnd: 23}

	d := EvaluateWindow(p, QuotaSnapshot{}, now)
	assert.True(t, d.Allowed)
	assert.Equal(t, time.Monday, d.Local.Weekday())
	assert.Equal(t, 22, d.Local.Hour())
}

func TestLocalDay(t *testing.T) {
	now := time.Date(2024, 1, 9, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, "2024-01-08", LocalDay("America/New_York", now))
	assert.Equal(t, "2024-01-09", LocalDay("UTC", now))
	assert.Equal(t, "2024-01-09", LocalDay("Not/AZone", now))
	assert.Equal(t, "2024-01-09", AccountDay(now.In(Location("America/New_York"))))
}

func TestValidTimezone(t *testing.T) {
	assert.True(t, ValidTimezone(""))
	assert.True(t, ValidTimezone("Europe/Berlin"))
	assert.False(t, ValidTimezone("Mars/Olympus"))
}
