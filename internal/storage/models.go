package storage

import (
	"errors"
	"fmt"
	"time"

	"ecg-sentinel/internal/signal"
)

var (
	// ErrNotFound is returned when an alert or outcome does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrInvalidTransition is returned when a status change would move backwards.
	ErrInvalidTransition = errors.New("storage: invalid status transition")
)

// AlertStatus is the lifecycle position of an alert.
type AlertStatus string

const (
	StatusTriggered AlertStatus = "triggered"
	StatusNotified  AlertStatus = "notified"
	StatusResolved  AlertStatus = "resolved"
)

// CanTransition reports whether an alert may move from one status to another.
// Repeating the current status is allowed and changes nothing.
func CanTransition(from, to AlertStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusTriggered:
		return to == StatusNotified || to == StatusResolved
	case StatusNotified:
		return to == StatusResolved
	default:
		return false
	}
}

// TriggerKind records what started an alert.
type TriggerKind string

const (
	TriggerManual TriggerKind = "manual"
	TriggerAuto   TriggerKind = "auto"
	TriggerTest   TriggerKind = "test"
)

// ParseTriggerKind validates a trigger name. Empty means manual.
func ParseTriggerKind(name string) (TriggerKind, error) {
	switch k := TriggerKind(name); k {
	case "":
		return TriggerManual, nil
	case TriggerManual, TriggerAuto, TriggerTest:
		return k, nil
	default:
		return "", fmt.Errorf("unknown trigger kind %q", name)
	}
}

// Alert is one escalation and the context it was raised with.
type Alert struct {
	ID         string              `json:"id"`
	Subject    string              `json:"subject_id"`
	Latitude   float64             `json:"latitude"`
	Longitude  float64             `json:"longitude"`
	Trigger    TriggerKind         `json:"trigger"`
	Notes      string              `json:"notes,omitempty"`
	Window     signal.SampleWindow `json:"window"`
	Risk       signal.Assessment   `json:"risk"`
	Status     AlertStatus         `json:"status"`
	CreatedAt  time.Time           `json:"created_at"`
	ResolvedAt *time.Time          `json:"resolved_at,omitempty"`
}

// ApplyStatus moves a to status if the transition is allowed.
func (a *Alert) ApplyStatus(status AlertStatus, at time.Time) error {
	if !CanTransition(a.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, status)
	}
	if a.Status == status {
		return nil
	}
	a.Status = status
	if status == StatusResolved {
		ts := at
		a.ResolvedAt = &ts
	}
	return nil
}

// OutcomeStatus is the result of one delivery attempt.
type OutcomeStatus string

const (
	OutcomeSent         OutcomeStatus = "sent"
	OutcomeDelivered    OutcomeStatus = "delivered"
	OutcomeFailed       OutcomeStatus = "failed"
	OutcomeUnconfigured OutcomeStatus = "skipped_unconfigured"
)

// RecipientKind tells facilities from personal contacts.
type RecipientKind string

const (
	RecipientFacility RecipientKind = "facility"
	RecipientContact  RecipientKind = "contact"
)

// DeliveryOutcome records one (alert, recipient, channel) attempt.
type DeliveryOutcome struct {
	ID            string        `json:"id"`
	AlertID       string        `json:"alert_id"`
	RecipientKind RecipientKind `json:"recipient_kind"`
	RecipientID   string        `json:"recipient_id"`
	RecipientName string        `json:"recipient_name,omitempty"`
	Channel       string        `json:"channel"`
	Address       string        `json:"address,omitempty"`
	Status        OutcomeStatus `json:"status"`
	Error         string        `json:"error,omitempty"`
	ProviderRef   string        `json:"provider_ref,omitempty"`
	AttemptedAt   time.Time     `json:"attempted_at"`
	CompletedAt   time.Time     `json:"completed_at"`
	DeliveredAt   *time.Time    `json:"delivered_at,omitempty"`
}

// MarkDelivered records a provider delivery confirmation. Failed and skipped
// attempts cannot be confirmed. The first confirmation time wins.
func (o *DeliveryOutcome) MarkDelivered(at time.Time) error {
	switch o.Status {
	case OutcomeSent, OutcomeDelivered:
	default:
		return fmt.Errorf("%w: outcome %s is %s", ErrInvalidTransition, o.ID, o.Status)
	}
	o.Status = OutcomeDelivered
	if o.DeliveredAt == nil {
		ts := at
		o.DeliveredAt = &ts
	}
	return nil
}
