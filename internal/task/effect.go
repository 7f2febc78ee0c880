package task

import "time"

// EffectKind enumerates the side-effect requests a transition can emit.
// Effects are executed by the scheduler engine strictly after the durable
// commit; the state machine itself performs no I/O.
type EffectKind string

const (
	// EffectNotify requests an outbound reminder notification at Level.
	EffectNotify EffectKind = "notify"
	// EffectScheduleWake requests the next timer wake at At.
	EffectScheduleWake EffectKind = "schedule_wake"
	// EffectCancelWake requests cancellation of any pending wake.
	EffectCancelWake EffectKind = "cancel_wake"
	// EffectClarify asks the user what they meant; storage is untouched.
	EffectClarify EffectKind = "clarify"
	// EffectReportTerminal tells the user the task is already closed.
	EffectReportTerminal EffectKind = "report_terminal"
)

// Effect is one side-effect request. Only the fields relevant to Kind are set.
type Effect struct {
	Kind EffectKind

	// EffectNotify.
	Level   int
	Channel ReminderChannel
	Message string

	// EffectScheduleWake. WakeKind tells the engine which event to fire when
	// the wake arrives (reminder_due or snooze_expiry).
	At       time.Time
	WakeKind EventKind
}

// HasWake reports whether the effect list schedules a wake.
func HasWake(effects []Effect) bool {
	for _, e := range effects {
		if e.Kind == EffectScheduleWake {
			return true
		}
	}
	return false
}

// FindNotify returns the notify effect and true when the list contains one.
func FindNotify(effects []Effect) (Effect, bool) {
	for _, e := range effects {
		if e.Kind == EffectNotify {
			return e, true
		}
	}
	return Effect{}, false
}
