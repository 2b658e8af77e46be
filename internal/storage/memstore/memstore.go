// Package memstore provides an in-memory implementation of storage.AlertStore.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"ecg-sentinel/internal/storage"
)

// Store holds alerts in memory. Suitable for dev/testing.
type Store struct {
	mu       sync.RWMutex
	alerts   map[string]storage.Alert
	outcomes map[string]storage.DeliveryOutcome // outcome ID -> row
	byAlert  map[string][]string                // alert ID -> outcome IDs in insert order
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		alerts:   make(map[string]storage.Alert),
		outcomes: make(map[string]storage.DeliveryOutcome),
		byAlert:  make(map[string][]string),
	}
}

// CreateAlert stores a copy of alert.
func (s *Store) CreateAlert(_ context.Context, alert storage.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[alert.ID] = cloneAlert(alert)
	return nil
}

// GetAlert returns a copy of the alert.
func (s *Store) GetAlert(_ context.Context, id string) (storage.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return storage.Alert{}, storage.ErrNotFound
	}
	return cloneAlert(a), nil
}

// UpdateAlertStatus moves an alert forward.
func (s *Store) UpdateAlertStatus(_ context.Context, id string, status storage.AlertStatus, at time.Time) (storage.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return storage.Alert{}, storage.ErrNotFound
	}
	if err := a.ApplyStatus(status, at); err != nil {
		return cloneAlert(a), err
	}
	s.alerts[id] = a
	return cloneAlert(a), nil
}

// ListRecentAlerts returns the newest alerts first.
func (s *Store) ListRecentAlerts(_ context.Context, limit int, subject string) ([]storage.Alert, error) {
	s.mu.RLock()
	out := make([]storage.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if subject == "" || a.Subject == subject {
			out = append(out, cloneAlert(a))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AppendOutcome stores a delivery attempt.
func (s *Store) AppendOutcome(_ context.Context, o storage.DeliveryOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[o.ID] = o
	s.byAlert[o.AlertID] = append(s.byAlert[o.AlertID], o.ID)
	return nil
}

// ListOutcomes returns the attempts for an alert in insert order.
func (s *Store) ListOutcomes(_ context.Context, alertID string) ([]storage.DeliveryOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byAlert[alertID]
	out := make([]storage.DeliveryOutcome, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.outcomes[id])
	}
	return out, nil
}

// MarkDelivered applies a delivery confirmation.
func (s *Store) MarkDelivered(_ context.Context, outcomeID string, at time.Time) (storage.DeliveryOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.outcomes[outcomeID]
	if !ok {
		return storage.DeliveryOutcome{}, storage.ErrNotFound
	}
	if err := o.MarkDelivered(at); err != nil {
		return o, err
	}
	s.outcomes[outcomeID] = o
	return o, nil
}

// DeleteAlertsBefore drops old alerts and their outcomes.
func (s *Store) DeleteAlertsBefore(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, a := range s.alerts {
		if !a.CreatedAt.Before(olderThan) {
			continue
		}
		for _, oid := range s.byAlert[id] {
			delete(s.outcomes, oid)
		}
		delete(s.byAlert, id)
		delete(s.alerts, id)
		n++
	}
	return n, nil
}

func cloneAlert(a storage.Alert) storage.Alert {
	a.Window = a.Window.Clone()
	if a.Risk.Patterns != nil {
		a.Risk.Patterns = append(a.Risk.Patterns[:0:0], a.Risk.Patterns...)
	}
	if a.ResolvedAt != nil {
		ts := *a.ResolvedAt
		a.ResolvedAt = &ts
	}
	return a
}

var _ storage.AlertStore = (*Store)(nil)
