package notification

import (
	"fmt"
	"time"
)

// Preferences is the user's alert configuration. It is stored on the server
// and mirrored locally; the JSON shape is the server's.
type Preferences struct {
	Enabled    bool          `json:"enabled"`
	Sound      bool          `json:"sound"`
	Vibration  bool          `json:"vibration"`
	Categories CategoryPrefs `json:"categories"`
	QuietHours QuietHours    `json:"quietHours"`
}

type CategoryPrefs struct {
	JobRequests bool `json:"jobRequests"`
	Messages    bool `json:"messages"`
	Payments    bool `json:"payments"`
	Emergency   bool `json:"emergency"`
}

// QuietHours is a local-time window ("HH:MM") during which sound and vibration
// are suppressed. A window whose end is before its start wraps midnight.
type QuietHours struct {
	Enabled             bool   `json:"enabled"`
	Start               string `json:"start"`
	End                 string `json:"end"`
	AllowEmergencySound bool   `json:"allowEmergencySound"`
}

func DefaultPreferences() Preferences {
	return Preferences{
		Enabled:   true,
		Sound:     true,
		Vibration: true,
		Categories: CategoryPrefs{
			JobRequests: true,
			Messages:    true,
			Payments:    true,
			Emergency:   true,
		},
		QuietHours: QuietHours{Start: "22:00", End: "07:00"},
	}
}

// CategoryEnabled reports whether records of c may alert. Order updates follow
// the job-request switch since they belong to the same booking flow.
func (p Preferences) CategoryEnabled(c Category) bool {
	switch c {
	case CategoryJobRequest, CategoryOrderStatus:
		return p.Categories.JobRequests
	case CategoryMessage:
		return p.Categories.Messages
	case CategoryPayment:
		return p.Categories.Payments
	case CategoryEmergency:
		return p.Categories.Emergency
	default:
		return true
	}
}

// Validate checks the quiet-hours window format.
func (p Preferences) Validate() error {
	if !p.QuietHours.Enabled {
		return nil
	}
	if _, err := parseClock(p.QuietHours.Start); err != nil {
		return fmt.Errorf("quietHours.start: %w", err)
	}
	if _, err := parseClock(p.QuietHours.End); err != nil {
		return fmt.Errorf("quietHours.end: %w", err)
	}
	return nil
}

// Contains reports whether t (already in the user's local zone) falls inside the window.
// Disabled, malformed or zero-length windows contain nothing.
func (q QuietHours) Contains(t time.Time) bool {
	if !q.Enabled {
		return false
	}
	start, err := parseClock(q.Start)
	if err != nil {
		return false
	}
	end, err := parseClock(q.End)
	if err != nil {
		return false
	}
	if start == end {
		return false
	}
	now := t.Hour()*60 + t.Minute()
	if start < end {
		return now >= start && now < end
	}
	return now >= start || now < end
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// PreferencesPatch is a partial update; nil fields are left untouched.
type PreferencesPatch struct {
	Enabled    *bool            `json:"enabled,omitempty"`
	Sound      *bool            `json:"sound,omitempty"`
	Vibration  *bool            `json:"vibration,omitempty"`
	Categories *CategoryPatch   `json:"categories,omitempty"`
	QuietHours *QuietHoursPatch `json:"quietHours,omitempty"`
}

type CategoryPatch struct {
	JobRequests *bool `json:"jobRequests,omitempty"`
	Messages    *bool `json:"messages,omitempty"`
	Payments    *bool `json:"payments,omitempty"`
	Emergency   *bool `json:"emergency,omitempty"`
}

type QuietHoursPatch struct {
	Enabled             *bool   `json:"enabled,omitempty"`
	Start               *string `json:"start,omitempty"`
	End                 *string `json:"end,omitempty"`
	AllowEmergencySound *bool   `json:"allowEmergencySound,omitempty"`
}

// Merge returns p with patch applied.
func (p Preferences) Merge(patch PreferencesPatch) Preferences {
	setBool(&p.Enabled, patch.Enabled)
	setBool(&p.Sound, patch.Sound)
	setBool(&p.Vibration, patch.Vibration)
	if c := patch.Categories; c != nil {
		setBool(&p.Categories.JobRequests, c.JobRequests)
		setBool(&p.Categories.Messages, c.Messages)
		setBool(&p.Categories.Payments, c.Payments)
		setBool(&p.Categories.Emergency, c.Emergency)
	}
	if q := patch.QuietHours; q != nil {
		setBool(&p.QuietHours.Enabled, q.Enabled)
		setBool(&p.QuietHours.AllowEmergencySound, q.AllowEmergencySound)
		if q.Start != nil {
			p.QuietHours.Start = *q.Start
		}
		if q.End != nil {
			p.QuietHours.End = *q.End
		}
	}
	return p
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

// Bool returns a pointer to v, for building patches.
func Bool(v bool) *bool { return &v }

// String returns a pointer to v, for building patches.
func String(v string) *string { return &v }
