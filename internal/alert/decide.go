// Package alert turns newly stored notification records into user-facing
// alerts: a visible toast, a sound and a vibration, each gated by priority,
// the user's preferences and quiet hours.
package alert

import (
	"time"

	"notifd/internal/notification"
)

type Sound string

const (
	SoundDefault Sound = "default"
	SoundAlarm   Sound = "alarm"
)

// AlarmOffsets are the start offsets of the repeated emergency alarm.
var AlarmOffsets = []time.Duration{0, 500 * time.Millisecond, 1000 * time.Millisecond}

var (
	shortVibration = []time.Duration{200 * time.Millisecond}
	longVibration  = []time.Duration{
		500 * time.Millisecond, 200 * time.Millisecond,
		500 * time.Millisecond, 200 * time.Millisecond,
		500 * time.Millisecond,
	}
)

// Suppression reasons.
const (
	ReasonDisabled    = "alerts_disabled"
	ReasonCategoryOff = "category_disabled"
	ReasonRateLimited = "rate_limited"
)

// Decision is what should happen for one record. A zero Decision shows nothing.
type Decision struct {
	Visible      bool
	Sound        Sound
	SoundOffsets []time.Duration
	Vibration    []time.Duration
	Quiet        bool
	Reason       string // set when !Visible
}

// Decide is pure: the same record, preferences and local time always produce
// the same decision. now must already be in the user's time zone.
func Decide(rec notification.Record, prefs notification.Preferences, now time.Time) Decision {
	var d Decision
	emergency := rec.Priority == notification.PriorityEmergency
	d.Quiet = prefs.QuietHours.Contains(now)

	switch {
	case rec.Priority.Urgent():
		d.Visible = true
	case !prefs.Enabled:
		d.Reason = ReasonDisabled
		return d
	case !prefs.CategoryEnabled(rec.Category):
		d.Reason = ReasonCategoryOff
		return d
	default:
		d.Visible = true
	}

	loud := !d.Quiet || (emergency && prefs.QuietHours.AllowEmergencySound)
	if !loud {
		return d
	}
	switch {
	case emergency:
		d.Sound = SoundAlarm
		d.SoundOffsets = AlarmOffsets
	case prefs.Sound:
		d.Sound = SoundDefault
		d.SoundOffsets = []time.Duration{0}
	}
	// AllowEmergencySound only lets the alarm through; quiet hours always mute vibration.
	if prefs.Vibration && !d.Quiet {
		if emergency {
			d.Vibration = longVibration
		} else {
			d.Vibration = shortVibration
		}
	}
	return d
}
