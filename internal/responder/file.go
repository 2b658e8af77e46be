package responder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const reloadDebounce = 250 * time.Millisecond

// directoryFile is the on-disk YAML layout.
type directoryFile struct {
	Facilities []Facility `yaml:"facilities"`
	Contacts   []Contact  `yaml:"contacts"`
}

// FileDirectory serves responders from a YAML file and can reload it when the
// file changes.
type FileDirectory struct {
	*StaticDirectory

	path   string
	logger zerolog.Logger
}

// LoadFile reads a YAML directory file.
func LoadFile(path string, logger zerolog.Logger) (*FileDirectory, error) {
	d := &FileDirectory{
		StaticDirectory: NewStaticDirectory(nil, nil),
		path:            path,
		logger:          logger.With().Str("component", "directory").Str("path", path).Logger(),
	}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Reload re-reads the file. On error the previous contents stay in place.
func (d *FileDirectory) Reload() error {
	facilities, contacts, err := parseFile(d.path)
	if err != nil {
		return err
	}
	d.Replace(facilities, contacts)
	d.logger.Info().Int("facilities", len(facilities)).Int("contacts", len(contacts)).Msg("responder directory loaded")
	return nil
}

func parseFile(path string) ([]Facility, []Contact, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read directory file: %w", err)
	}

	var doc directoryFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("parse directory file: %w", err)
	}

	seen := make(map[string]struct{}, len(doc.Facilities))
	for i, f := range doc.Facilities {
		if f.ID == "" {
			return nil, nil, fmt.Errorf("facility %d: id is required", i)
		}
		if _, dup := seen[f.ID]; dup {
			return nil, nil, fmt.Errorf("facility %q listed twice", f.ID)
		}
		seen[f.ID] = struct{}{}
		if err := f.Location.Validate(); err != nil {
			return nil, nil, fmt.Errorf("facility %q: %w", f.ID, err)
		}
		if _, err := ParseCapabilities(capabilityNames(f.Capabilities)); err != nil {
			return nil, nil, fmt.Errorf("facility %q: %w", f.ID, err)
		}
	}
	for i, c := range doc.Contacts {
		if c.ID == "" || c.Subject == "" {
			return nil, nil, fmt.Errorf("contact %d: id and subject are required", i)
		}
	}
	return doc.Facilities, doc.Contacts, nil
}

func capabilityNames(caps []Capability) []string {
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = string(c)
	}
	return out
}

// Watch reloads the directory whenever the file changes, until ctx is done.
// The parent directory is watched so editors that replace the file by rename
// are picked up.
func (d *FileDirectory) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(d.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(d.path), err)
	}

	target := filepath.Clean(d.path)
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(reloadDebounce)
		case <-debounce.C:
			if err := d.Reload(); err != nil {
				d.logger.Error().Err(err).Msg("responder directory reload failed; keeping previous contents")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				debounce.Reset(reloadDebounce)
				continue
			}
			d.logger.Warn().Err(err).Msg("directory watcher error")
		}
	}
}

var _ Directory = (*FileDirectory)(nil)
