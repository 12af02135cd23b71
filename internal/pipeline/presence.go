package pipeline

import (
	"fmt"
	"time"
)

// PresenceConfig holds the presence timing rules
type PresenceConfig struct {
	DwellTime        time.Duration // Presence must persist this long before a capture fires
	GracePeriod      time.Duration // Absence tolerated without abandoning a dwell
	CooldownDuration time.Duration // Quiet period after a capture
}

// Validate rejects negative durations
func (c PresenceConfig) Validate() error {
	if c.DwellTime < 0 {
		return fmt.Errorf("dwell time must be >= 0, got %s", c.DwellTime)
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("grace period must be >= 0, got %s", c.GracePeriod)
	}
	if c.CooldownDuration < 0 {
		return fmt.Errorf("cooldown duration must be >= 0, got %s", c.CooldownDuration)
	}
	return nil
}

// Transition describes what one observation did to the tracker
type Transition struct {
	From  Phase
	To    Phase
	Event *CaptureEvent // Non-nil only on the dwell -> cooldown transition
}

// Changed reports whether the phase changed
func (t Transition) Changed() bool {
	return t.From != t.To
}

// PresenceTracker turns per-frame presence verdicts into capture events.
//
// It is not safe for concurrent use: transitions are defined for a strictly
// ordered sequence of frames, so exactly one goroutine (the pipeline loop)
// may call Observe. Each camera feed owns its own tracker.
type PresenceTracker struct {
	config PresenceConfig
	state  PresenceState
}

// NewPresenceTracker creates a tracker in the idle phase
func NewPresenceTracker(config PresenceConfig) *PresenceTracker {
	return &PresenceTracker{
		config: config,
		state:  PresenceState{Phase: PhaseIdle},
	}
}

// State returns a copy of the current state
func (t *PresenceTracker) State() PresenceState {
	return t.state
}

// Observe feeds one sampled frame's verdict into the state machine.
// detections are the frame's confirmed subjects; they are copied into the
// capture event when the dwell matures.
func (t *PresenceTracker) Observe(now time.Time, present bool, detections []Detection) Transition {
	from := t.state.Phase

	switch t.state.Phase {
	case PhaseCooldown:
		if now.Before(t.state.CooldownUntil) {
			// Presence during cooldown is ignored
			return Transition{From: from, To: PhaseCooldown}
		}
		t.toIdle()
		// Re-evaluate this frame as idle would
		t.observeIdle(now, present)

	case PhaseDwelling:
		if !present {
			if now.Sub(t.state.LastSeenTime) > t.config.GracePeriod {
				t.toIdle()
			}
			// Inside the grace window the timers stay untouched
			break
		}
		t.state.LastSeenTime = now
		if now.Sub(t.state.EpisodeStartTime) >= t.config.DwellTime {
			event := &CaptureEvent{
				Timestamp: now,
				Subjects:  append([]Detection(nil), detections...),
			}
			t.state = PresenceState{
				Phase:         PhaseCooldown,
				LastSeenTime:  now,
				CooldownUntil: now.Add(t.config.CooldownDuration),
			}
			return Transition{From: from, To: PhaseCooldown, Event: event}
		}

	default:
		t.observeIdle(now, present)
	}

	return Transition{From: from, To: t.state.Phase}
}

func (t *PresenceTracker) observeIdle(now time.Time, present bool) {
	if !present {
		return
	}
	t.state = PresenceState{
		Phase:            PhaseDwelling,
		EpisodeStartTime: now,
		LastSeenTime:     now,
	}
}

func (t *PresenceTracker) toIdle() {
	t.state = PresenceState{
		Phase:        PhaseIdle,
		LastSeenTime: t.state.LastSeenTime,
	}
}
