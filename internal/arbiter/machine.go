// Package arbiter turns a stream of per-window risk assessments into at most
// one escalation per cooldown period.
//
// Machine holds the transition rules and is driven with explicit timestamps.
// Arbiter wraps a Machine in a single goroutine per subject so observations,
// countdown ticks and cancellations are applied in inbox order.
package arbiter

import (
	"time"
)

// State is the escalation state of one subject.
type State string

const (
	StateIdle       State = "idle"
	StateSustaining State = "sustaining"
	StateArmed      State = "armed"
	StateCooling    State = "cooling"
)

// Policy tunes the state machine. A zero Sustain arms on the first reading at
// or above Threshold; every other zero field takes its default.
type Policy struct {
	Threshold      float64       `json:"threshold"`
	Sustain        time.Duration `json:"sustain"`
	Countdown      time.Duration `json:"countdown"`
	Tick           time.Duration `json:"tick"`
	Cooldown       time.Duration `json:"cooldown"`
	NoticeInterval time.Duration `json:"notice_interval"`
}

// DefaultPolicy returns the stock thresholds.
func DefaultPolicy() Policy {
	return Policy{
		Threshold:      25,
		Sustain:        5 * time.Second,
		Countdown:      3 * time.Second,
		Tick:           time.Second,
		Cooldown:       2 * time.Minute,
		NoticeInterval: 30 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.Threshold <= 0 {
		p.Threshold = def.Threshold
	}
	if p.Sustain < 0 {
		p.Sustain = 0
	}
	if p.Countdown <= 0 {
		p.Countdown = def.Countdown
	}
	if p.Tick <= 0 {
		p.Tick = def.Tick
	}
	if p.Cooldown <= 0 {
		p.Cooldown = def.Cooldown
	}
	if p.NoticeInterval <= 0 {
		p.NoticeInterval = def.NoticeInterval
	}
	return p
}

// Decision describes what a single event did to the machine.
type Decision struct {
	From      State
	To        State
	Episode   uint64
	Remaining time.Duration

	// Arm starts a countdown for Episode.
	Arm bool
	// Disarm stops the running countdown.
	Disarm bool
	// Fire asks the caller to escalate.
	Fire bool
	// Notice is an advisory, rate-limited local alert.
	Notice bool
	// Cancelled is set when Cancel returned the machine to idle.
	Cancelled bool
	// Stale marks a tick from an episode that is no longer armed.
	Stale bool
}

// Changed reports whether the event moved the machine to another state.
func (d Decision) Changed() bool {
	return d.From != d.To
}

// Status is a read-only view of the machine.
type Status struct {
	State        State         `json:"state"`
	SustainStart time.Time     `json:"sustain_start,omitempty"`
	Remaining    time.Duration `json:"countdown_remaining"`
	LastTrigger  time.Time     `json:"last_trigger,omitempty"`
	LastNotice   time.Time     `json:"last_notice,omitempty"`
	Episode      uint64        `json:"episode"`
}

// Machine is the pure escalation state machine. It is not safe for concurrent
// use; Arbiter serializes access.
type Machine struct {
	policy Policy

	state        State
	sustainStart time.Time
	remaining    time.Duration
	lastTrigger  time.Time
	lastNotice   time.Time
	episode      uint64
}

// NewMachine returns an idle machine.
func NewMachine(p Policy) *Machine {
	return &Machine{policy: p.withDefaults(), state: StateIdle}
}

// Policy returns the effective policy.
func (m *Machine) Policy() Policy {
	return m.policy
}

// Observe applies one risk reading taken at now.
func (m *Machine) Observe(now time.Time, stPercent float64) Decision {
	d := Decision{From: m.state}
	m.expire(now)

	if m.state == StateCooling {
		return m.finish(d)
	}

	if stPercent < m.policy.Threshold {
		if m.state == StateArmed {
			d.Disarm = true
		}
		m.reset()
		return m.finish(d)
	}

	if m.state == StateIdle {
		m.state = StateSustaining
		m.sustainStart = now
	}
	if m.state == StateSustaining && now.Sub(m.sustainStart) >= m.policy.Sustain {
		m.state = StateArmed
		m.episode++
		m.remaining = m.policy.Countdown
		d.Arm = true
	}

	if m.lastNotice.IsZero() || now.Sub(m.lastNotice) >= m.policy.NoticeInterval {
		m.lastNotice = now
		d.Notice = true
	}
	return m.finish(d)
}

// Tick advances the countdown of episode by one tick. Ticks for any episode
// other than the armed one are ignored.
func (m *Machine) Tick(now time.Time, episode uint64) Decision {
	d := Decision{From: m.state}
	if m.state != StateArmed || episode != m.episode {
		d.Stale = true
		return m.finish(d)
	}

	m.remaining -= m.policy.Tick
	if m.remaining <= 0 {
		m.remaining = 0
		m.state = StateCooling
		m.lastTrigger = now
		m.sustainStart = time.Time{}
		d.Fire = true
		d.Disarm = true
	}
	return m.finish(d)
}

// Cancel drops a pending escalation. It has no effect while idle or cooling.
func (m *Machine) Cancel(now time.Time) Decision {
	d := Decision{From: m.state}
	m.expire(now)

	switch m.state {
	case StateArmed:
		d.Disarm = true
		fallthrough
	case StateSustaining:
		m.reset()
		d.Cancelled = true
	}
	return m.finish(d)
}

// Status reports the machine state as of now.
func (m *Machine) Status(now time.Time) Status {
	m.expire(now)
	return Status{
		State:        m.state,
		SustainStart: m.sustainStart,
		Remaining:    m.remaining,
		LastTrigger:  m.lastTrigger,
		LastNotice:   m.lastNotice,
		Episode:      m.episode,
	}
}

func (m *Machine) expire(now time.Time) {
	if m.state == StateCooling && now.Sub(m.lastTrigger) >= m.policy.Cooldown {
		m.reset()
	}
}

func (m *Machine) reset() {
	m.state = StateIdle
	m.sustainStart = time.Time{}
	m.remaining = 0
}

func (m *Machine) finish(d Decision) Decision {
	d.To = m.state
	d.Episode = m.episode
	d.Remaining = m.remaining
	return d
}
