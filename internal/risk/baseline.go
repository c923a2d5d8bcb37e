package risk

import (
	"context"
	"errors"
	"slices"
	"time"

	"audit-ledger/internal/audit"
)

const (
	MaxNormalLocations = 5
	MaxTypicalActions  = 10

	defaultStartHour = 9
	defaultEndHour   = 17
)

var ErrBaselineUnavailable = errors.New("risk: baseline store unavailable")

// Baseline is a rolling per-user activity profile. It only shapes anomaly
// scoring and is never consulted for authorization.
type Baseline struct {
	UserID string `json:"user_id"`

	// NormalHours is an inclusive [start, end] hour window in the scorer's zone.
	NormalHours     [2]int   `json:"normal_hours"`
	NormalLocations []string `json:"normal_locations"`
	TypicalActions  []string `json:"typical_actions"`

	AvgSessionDuration    time.Duration `json:"avg_session_duration"`
	AvgRequestsPerSession float64       `json:"avg_requests_per_session"`
	SessionCount          int           `json:"session_count"`
	EventCount            int           `json:"event_count"`

	CurrentSession       string    `json:"current_session,omitempty"`
	CurrentSessionStart  time.Time `json:"current_session_start,omitzero"`
	CurrentSessionLast   time.Time `json:"current_session_last,omitzero"`
	CurrentSessionEvents int       `json:"current_session_events,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

func NewBaseline(userID string) Baseline {
	return Baseline{
		UserID:          userID,
		NormalHours:     [2]int{defaultStartHour, defaultEndHour},
		NormalLocations: []string{},
		TypicalActions:  []string{},
	}
}

// InNormalHours reports whether hour falls inside the normal window.
func (b Baseline) InNormalHours(hour int) bool {
	return hour >= b.NormalHours[0] && hour <= b.NormalHours[1]
}

// HasAction reports whether a is one of the user's typical actions.
func (b Baseline) HasAction(a audit.Action) bool {
	return slices.Contains(b.TypicalActions, string(a))
}

// Observe folds one event into the profile. hour is the local hour of at in
// the scorer's zone.
func (b *Baseline) Observe(e audit.AuditEvent, at time.Time, hour int) {
	b.EventCount++

	b.TypicalActions = pushCapped(b.TypicalActions, string(e.Action), MaxTypicalActions)
	if e.PHIAccessed {
		b.TypicalActions = pushCapped(b.TypicalActions, string(audit.ActionPHIAccess), MaxTypicalActions)
	}
	if e.IPAddress != "" {
		b.NormalLocations = pushCapped(b.NormalLocations, e.IPAddress, MaxNormalLocations)
	}

	// Drift one hour toward activity outside the window.
	switch {
	case hour < b.NormalHours[0]:
		b.NormalHours[0]--
	case hour > b.NormalHours[1]:
		b.NormalHours[1]++
	}

	if e.SessionID != "" {
		b.observeSession(e.SessionID, at)
	}
	b.UpdatedAt = at
}

func (b *Baseline) observeSession(id string, at time.Time) {
	if b.CurrentSession == id {
		b.CurrentSessionEvents++
		if at.After(b.CurrentSessionLast) {
			b.CurrentSessionLast = at
		}
		return
	}
	if b.CurrentSession != "" {
		b.closeSession()
	}
	b.CurrentSession = id
	b.CurrentSessionStart = at
	b.CurrentSessionLast = at
	b.CurrentSessionEvents = 1
}

// closeSession folds the current session into the running averages.
func (b *Baseline) closeSession() {
	n := float64(b.SessionCount)
	dur := b.CurrentSessionLast.Sub(b.CurrentSessionStart)
	b.AvgSessionDuration = time.Duration((float64(b.AvgSessionDuration)*n + float64(dur)) / (n + 1))
	b.AvgRequestsPerSession = (b.AvgRequestsPerSession*n + float64(b.CurrentSessionEvents)) / (n + 1)
	b.SessionCount++

	b.CurrentSession = ""
	b.CurrentSessionStart = time.Time{}
	b.CurrentSessionLast = time.Time{}
	b.CurrentSessionEvents = 0
}

func (b Baseline) clone() Baseline {
	b.NormalLocations = slices.Clone(b.NormalLocations)
	b.TypicalActions = slices.Clone(b.TypicalActions)
	return b
}

// pushCapped appends v unless present, evicting the oldest entry past max.
func pushCapped(list []string, v string, max int) []string {
	if slices.Contains(list, v) {
		return list
	}
	list = append(list, v)
	if len(list) > max {
		list = slices.Delete(list, 0, len(list)-max)
	}
	return list
}

// BaselineStore holds baselines keyed by user. Updates for the same user are
// serialized; different users never contend.
type BaselineStore interface {
	// Get returns the stored baseline and whether one exists.
	Get(ctx context.Context, userID string) (Baseline, bool, error)
	// Update applies fn to the user's baseline, creating it if missing, and
	// stores the result.
	Update(ctx context.Context, userID string, fn func(b *Baseline)) (Baseline, error)
	Reset(ctx context.Context, userID string) error
}
