// Package escalation holds the pure policy that maps a task's reminder
// history to an urgency level and the delay before the next wake.
package escalation

import (
	"time"

	"kabanda/internal/task"
)

// MaxLevel is the highest urgency tier a reminder can reach.
const MaxLevel = 3

// Config holds the tunable escalation table. Deployments override it via the
// configuration surface; nothing here is compiled in as a hard constant.
type Config struct {
	// Level2Threshold is the reminder count at which level 2 starts.
	Level2Threshold int `mapstructure:"level2_threshold" yaml:"level2_threshold"`
	// Level3Threshold is the reminder count at which level 3 starts.
	Level3Threshold int `mapstructure:"level3_threshold" yaml:"level3_threshold"`
	// UrgentLevel2Threshold replaces Level2Threshold for urgent-priority
	// tasks: a single missed reminder already escalates.
	UrgentLevel2Threshold int `mapstructure:"urgent_level2_threshold" yaml:"urgent_level2_threshold"`

	// InitialInterval is the wait after a level-1 reminder.
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	// RepeatInterval is the wait between reminders at level 2 and above.
	RepeatInterval time.Duration `mapstructure:"repeat_interval" yaml:"repeat_interval"`
	// FloorInterval is the minimum spacing between wakes for one task. No
	// reminder count, level, or misconfiguration can undercut it, which
	// bounds the worst case at one wake per floor per task.
	FloorInterval time.Duration `mapstructure:"floor_interval" yaml:"floor_interval"`

	// ResetCountOnEdit resets escalation progress when the user moves a
	// task's due time.
	ResetCountOnEdit bool `mapstructure:"reset_count_on_edit" yaml:"reset_count_on_edit"`
}

// DefaultConfig returns the stock escalation table: counts 0–1 stay at level
// 1, 2–3 reach level 2, 4 and beyond reach level 3, with ten-minute spacing
// throughout.
func DefaultConfig() Config {
	return Config{
		Level2Threshold:       2,
		Level3Threshold:       4,
		UrgentLevel2Threshold: 1,
		InitialInterval:       10 * time.Minute,
		RepeatInterval:        10 * time.Minute,
		FloorInterval:         10 * time.Minute,
	}
}

// Policy is a pure function table; it is safe for concurrent use.
type Policy struct {
	cfg Config
}

// New builds a Policy, filling gaps in cfg from DefaultConfig.
func New(cfg Config) Policy {
	def := DefaultConfig()
	if cfg.Level2Threshold <= 0 {
		cfg.Level2Threshold = def.Level2Threshold
	}
	if cfg.Level3Threshold <= cfg.Level2Threshold {
		cfg.Level3Threshold = cfg.Level2Threshold + 2
	}
	if cfg.UrgentLevel2Threshold <= 0 {
		cfg.UrgentLevel2Threshold = def.UrgentLevel2Threshold
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.RepeatInterval <= 0 {
		cfg.RepeatInterval = def.RepeatInterval
	}
	if cfg.FloorInterval <= 0 {
		cfg.FloorInterval = def.FloorInterval
	}
	return Policy{cfg: cfg}
}

// Default returns the policy for DefaultConfig.
func Default() Policy {
	return New(DefaultConfig())
}

// Level maps a post-increment reminder count to an urgency tier. Priority
// only moves the level-1→2 boundary: urgent tasks escalate after a single
// missed reminder.
func (p Policy) Level(reminderCount int, priority task.Priority) int {
	if reminderCount >= p.cfg.Level3Threshold {
		return 3
	}
	threshold := p.cfg.Level2Threshold
	if priority == task.PriorityUrgent {
		threshold = p.cfg.UrgentLevel2Threshold
	}
	if reminderCount >= threshold {
		return 2
	}
	return 1
}

// Delay returns the wait before the next wake after the reminderCount-th
// reminder fired. The floor interval is enforced unconditionally so no
// configuration or count magnitude can produce a retry storm.
func (p Policy) Delay(reminderCount int, priority task.Priority) time.Duration {
	d := p.cfg.RepeatInterval
	if p.Level(reminderCount, priority) == 1 {
		d = p.cfg.InitialInterval
	}
	if d < p.cfg.FloorInterval {
		d = p.cfg.FloorInterval
	}
	return d
}

// ResetCountOnEdit reports whether a due-time edit resets escalation.
func (p Policy) ResetCountOnEdit() bool {
	return p.cfg.ResetCountOnEdit
}
