package responder

import (
	"context"
	"sync"
)

// StaticDirectory serves a fixed responder set. It is safe for concurrent use
// and can be swapped wholesale with Replace.
type StaticDirectory struct {
	mu         sync.RWMutex
	facilities []Facility
	contacts   []Contact
}

// NewStaticDirectory copies facilities and contacts into a directory.
func NewStaticDirectory(facilities []Facility, contacts []Contact) *StaticDirectory {
	d := &StaticDirectory{}
	d.Replace(facilities, contacts)
	return d
}

// Replace swaps the directory contents.
func (d *StaticDirectory) Replace(facilities []Facility, contacts []Contact) {
	f := append([]Facility(nil), facilities...)
	c := append([]Contact(nil), contacts...)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.facilities = f
	d.contacts = c
}

// Facilities returns a copy of every facility.
func (d *StaticDirectory) Facilities(_ context.Context) ([]Facility, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Facility(nil), d.facilities...), nil
}

// Contacts returns the subject's contacts by priority.
func (d *StaticDirectory) Contacts(_ context.Context, subject string) ([]Contact, error) {
	d.mu.RLock()
	out := make([]Contact, 0)
	for _, c := range d.contacts {
		if c.Subject == subject {
			out = append(out, c)
		}
	}
	d.mu.RUnlock()

	SortContacts(out)
	return out, nil
}

// All returns copies of the full facility and contact lists.
func (d *StaticDirectory) All() ([]Facility, []Contact) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Facility(nil), d.facilities...), append([]Contact(nil), d.contacts...)
}

var _ Directory = (*StaticDirectory)(nil)
