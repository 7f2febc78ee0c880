// Package metrics exports the reminder pipeline's Prometheus metrics.
package metrics

import (
	"fmt"

	promclient "github.com/prometheus/client_golang/prometheus"
)

// Observer counts the pipeline's interesting events. A nil Observer is safe
// to call.
type Observer struct {
	eventsApplied     *promclient.CounterVec
	staleDiscarded    promclient.Counter
	versionConflicts  promclient.Counter
	notificationsSent *promclient.CounterVec
	remindersByLevel  *promclient.CounterVec
	sweepDispatched   promclient.Counter
}

// NewObserver registers the pipeline metrics with reg (the default registerer
// when nil). Registration is idempotent so tests can construct observers
// freely.
func NewObserver(namespace string, reg promclient.Registerer) (*Observer, error) {
	if namespace == "" {
		namespace = "kabanda"
	}
	if reg == nil {
		reg = promclient.DefaultRegisterer
	}
	o := &Observer{
		eventsApplied: promclient.NewCounterVec(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "events_applied_total",
			Help:      "Count of lifecycle events committed, by event kind.",
		}, []string{"kind"}),
		staleDiscarded: promclient.NewCounter(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "stale_events_discarded_total",
			Help:      "Count of events discarded by the version pin.",
		}),
		versionConflicts: promclient.NewCounter(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "version_conflicts_total",
			Help:      "Count of commit retries caused by concurrent writers.",
		}),
		notificationsSent: promclient.NewCounterVec(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Count of notification deliveries, by outcome.",
		}, []string{"outcome"}),
		remindersByLevel: promclient.NewCounterVec(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "reminders_fired_total",
			Help:      "Count of reminders fired, by escalation level.",
		}, []string{"level"}),
		sweepDispatched: promclient.NewCounter(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_wakes_dispatched_total",
			Help:      "Count of wakes recovered by the reconciliation sweep.",
		}),
	}

	collectors := []promclient.Collector{
		o.eventsApplied, o.staleDiscarded, o.versionConflicts,
		o.notificationsSent, o.remindersByLevel, o.sweepDispatched,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(promclient.AlreadyRegisteredError); !ok {
				return nil, fmt.Errorf("register pipeline metric: %w", err)
			}
		}
	}
	return o, nil
}

func (o *Observer) EventApplied(kind string) {
	if o == nil {
		return
	}
	o.eventsApplied.WithLabelValues(kind).Inc()
}

func (o *Observer) StaleDiscarded() {
	if o == nil {
		return
	}
	o.staleDiscarded.Inc()
}

func (o *Observer) VersionConflict() {
	if o == nil {
		return
	}
	o.versionConflicts.Inc()
}

func (o *Observer) NotificationSent(outcome string) {
	if o == nil {
		return
	}
	o.notificationsSent.WithLabelValues(outcome).Inc()
}

func (o *Observer) ReminderFired(level int) {
	if o == nil {
		return
	}
	o.remindersByLevel.WithLabelValues(fmt.Sprintf("%d", level)).Inc()
}

func (o *Observer) SweepDispatched() {
	if o == nil {
		return
	}
	o.sweepDispatched.Inc()
}
