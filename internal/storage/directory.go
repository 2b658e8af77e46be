package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"ecg-sentinel/internal/responder"
)

const (
	listFacilitiesSQL = `SELECT id, name, latitude, longitude, capabilities, phone, addresses
    FROM facilities
    ORDER BY id;`

	listContactsSQL = `SELECT id, subject_id, name, priority, addresses
    FROM contacts
    WHERE subject_id = $1
    ORDER BY priority, id;`

	upsertFacilitySQL = `INSERT INTO facilities (id, name, latitude, longitude, capabilities, phone, addresses)
    VALUES ($1,$2,$3,$4,$5,$6,$7)
    ON CONFLICT (id) DO UPDATE
    SET name         = EXCLUDED.name,
        latitude     = EXCLUDED.latitude,
        longitude    = EXCLUDED.longitude,
        capabilities = EXCLUDED.capabilities,
        phone        = EXCLUDED.phone,
        addresses    = EXCLUDED.addresses;`

	upsertContactSQL = `INSERT INTO contacts (id, subject_id, name, priority, addresses)
    VALUES ($1,$2,$3,$4,$5)
    ON CONFLICT (id) DO UPDATE
    SET subject_id = EXCLUDED.subject_id,
        name       = EXCLUDED.name,
        priority   = EXCLUDED.priority,
        addresses  = EXCLUDED.addresses;`
)

// Facilities returns every registered facility.
func (s *Store) Facilities(ctx context.Context) ([]responder.Facility, error) {
	ctx, span := startSpan(ctx, "storage.Facilities", "SELECT")
	defer span.End()

	pool, err := s.getPool()
	if err != nil {
		return nil, fail(span, err)
	}
	rows, err := pool.Query(ctx, listFacilitiesSQL)
	if err != nil {
		return nil, fail(span, fmt.Errorf("list facilities: %w", err))
	}
	defer rows.Close()

	facilities := make([]responder.Facility, 0)
	for rows.Next() {
		var (
			f         responder.Facility
			caps      []string
			addresses []byte
		)
		if err := rows.Scan(&f.ID, &f.Name, &f.Location.Lat, &f.Location.Lon, &caps, &f.Phone, &addresses); err != nil {
			return nil, fail(span, fmt.Errorf("scan facility: %w", err))
		}
		if f.Capabilities, err = responder.ParseCapabilities(caps); err != nil {
			return nil, fail(span, fmt.Errorf("facility %s: %w", f.ID, err))
		}
		if err := decodeAddresses(addresses, &f.Addresses); err != nil {
			return nil, fail(span, fmt.Errorf("facility %s: %w", f.ID, err))
		}
		facilities = append(facilities, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, err)
	}
	return facilities, nil
}

// Contacts returns the subject's personal contacts by priority.
func (s *Store) Contacts(ctx context.Context, subject string) ([]responder.Contact, error) {
	ctx, span := startSpan(ctx, "storage.Contacts", "SELECT")
	defer span.End()

	pool, err := s.getPool()
	if err != nil {
		return nil, fail(span, err)
	}
	rows, err := pool.Query(ctx, listContactsSQL, subject)
	if err != nil {
		return nil, fail(span, fmt.Errorf("list contacts: %w", err))
	}
	defer rows.Close()

	contacts := make([]responder.Contact, 0)
	for rows.Next() {
		var (
			c         responder.Contact
			addresses []byte
		)
		if err := rows.Scan(&c.ID, &c.Subject, &c.Name, &c.Priority, &addresses); err != nil {
			return nil, fail(span, fmt.Errorf("scan contact: %w", err))
		}
		if err := decodeAddresses(addresses, &c.Addresses); err != nil {
			return nil, fail(span, fmt.Errorf("contact %s: %w", c.ID, err))
		}
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, err)
	}
	return contacts, nil
}

// ImportDirectory upserts facilities and contacts in one transaction.
func (s *Store) ImportDirectory(ctx context.Context, facilities []responder.Facility, contacts []responder.Contact) error {
	ctx, span := startSpan(ctx, "storage.ImportDirectory", "UPSERT")
	defer span.End()

	pool, err := s.getPool()
	if err != nil {
		return fail(span, err)
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, f := range facilities {
		addresses, err := encodeAddresses(f.Addresses)
		if err != nil {
			return fail(span, err)
		}
		caps := make([]string, len(f.Capabilities))
		for i, c := range f.Capabilities {
			caps[i] = string(c)
		}
		if _, err := tx.Exec(ctx, upsertFacilitySQL, f.ID, f.Name, f.Location.Lat, f.Location.Lon, caps, f.Phone, addresses); err != nil {
			return fail(span, fmt.Errorf("upsert facility %s: %w", f.ID, err))
		}
	}
	for _, c := range contacts {
		addresses, err := encodeAddresses(c.Addresses)
		if err != nil {
			return fail(span, err)
		}
		if _, err := tx.Exec(ctx, upsertContactSQL, c.ID, c.Subject, c.Name, c.Priority, addresses); err != nil {
			return fail(span, fmt.Errorf("upsert contact %s: %w", c.ID, err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

func encodeAddresses(addresses map[string]string) ([]byte, error) {
	if addresses == nil {
		addresses = map[string]string{}
	}
	raw, err := json.Marshal(addresses)
	if err != nil {
		return nil, fmt.Errorf("marshal addresses: %w", err)
	}
	return raw, nil
}

func decodeAddresses(raw []byte, dst *map[string]string) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode addresses: %w", err)
	}
	return nil
}

var _ responder.Directory = (*Store)(nil)
