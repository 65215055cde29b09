// policy.go implements the rotation policy: when a token is due for
// rotation and when rotation must not run at all (blackout windows).
package tokens

import (
	"fmt"
	"strings"
	"time"

	"github.com/auth-gateway/auth-gateway/internal/config"
)

// RotationPolicy decides rotation eligibility and blackout state. Blackout
// windows are recurring weekly intervals in the configured location, so a
// deployment can fence rotation away from its change-freeze hours.
type RotationPolicy struct {
	MaxAge         time.Duration
	UsageThreshold int64

	windows  []blackoutWindow
	location *time.Location
}

type blackoutWindow struct {
	days  map[time.Weekday]bool
	start int // minutes since midnight
	end   int
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// NewRotationPolicy builds a policy from configuration. Window times are
// "15:04" strings; an empty day list means the window applies every day. A
// window whose end precedes its start crosses midnight (the late portion
// belongs to the named day, the early portion to the following day).
func NewRotationPolicy(cfg config.RotationConfig) (*RotationPolicy, error) {
	loc := time.Local
	if cfg.Location != "" {
		var err error
		loc, err = time.LoadLocation(cfg.Location)
		if err != nil {
			return nil, fmt.Errorf("invalid rotation location %q: %w", cfg.Location, err)
		}
	}

	p := &RotationPolicy{
		MaxAge:         time.Duration(cfg.MaxAgeDays) * 24 * time.Hour,
		UsageThreshold: cfg.UsageThreshold,
		location:       loc,
	}

	for _, w := range cfg.Blackout {
		window, err := parseWindow(w)
		if err != nil {
			return nil, err
		}
		p.windows = append(p.windows, window)
	}

	return p, nil
}

// InBlackout reports whether t falls inside any configured blackout window.
func (p *RotationPolicy) InBlackout(t time.Time) bool {
	local := t.In(p.location)
	day := local.Weekday()
	minute := local.Hour()*60 + local.Minute()

	for _, w := range p.windows {
		if w.start <= w.end {
			if w.matchesDay(day) && minute >= w.start && minute < w.end {
				return true
			}
			continue
		}
		// Crosses midnight: tonight's portion, or the spill-over from
		// yesterday's window.
		if w.matchesDay(day) && minute >= w.start {
			return true
		}
		if w.matchesDay(previousDay(day)) && minute < w.end {
			return true
		}
	}
	return false
}

func (w blackoutWindow) matchesDay(day time.Weekday) bool {
	if len(w.days) == 0 {
		return true
	}
	return w.days[day]
}

func previousDay(day time.Weekday) time.Weekday {
	return (day + 6) % 7
}

func parseWindow(cfg config.BlackoutWindow) (blackoutWindow, error) {
	start, err := parseMinutes(cfg.Start)
	if err != nil {
		return blackoutWindow{}, fmt.Errorf("invalid blackout start %q: %w", cfg.Start, err)
	}
	end, err := parseMinutes(cfg.End)
	if err != nil {
		return blackoutWindow{}, fmt.Errorf("invalid blackout end %q: %w", cfg.End, err)
	}

	w := blackoutWindow{start: start, end: end}
	if len(cfg.Days) > 0 {
		w.days = make(map[time.Weekday]bool, len(cfg.Days))
		for _, name := range cfg.Days {
			day, ok := weekdayNames[strings.ToLower(name)]
			if !ok {
				return blackoutWindow{}, fmt.Errorf("invalid blackout day %q", name)
			}
			w.days[day] = true
		}
	}
	return w, nil
}

func parseMinutes(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
