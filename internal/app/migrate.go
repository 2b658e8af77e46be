package app

import (
	"context"
	"errors"
	"fmt"

	"ecg-sentinel/internal/config"
	"ecg-sentinel/internal/responder"
)

// MigrateOptions configure schema setup.
type MigrateOptions struct {
	// ImportDirectory, when set, loads a YAML responder directory into the
	// postgres facilities and contacts tables.
	ImportDirectory string
}

// Migrate applies the database schema and optionally seeds the responder
// directory.
func (a *App) Migrate(ctx context.Context, opts MigrateOptions) error {
	if a.Config.Database.Driver == config.DriverMemory {
		return errors.New("the memory driver has no schema to migrate")
	}

	b, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer b.close()

	if b.postgres == nil {
		// sqlite creates its schema on open.
		if opts.ImportDirectory != "" {
			return errors.New("directory import requires the postgres driver")
		}
		fmt.Fprintf(a.Out, "sqlite schema ready at %s\n", a.Config.Database.Path)
		return nil
	}

	if err := b.postgres.Migrate(ctx); err != nil {
		return err
	}
	a.Logger.Info().Msg("postgres schema applied")
	fmt.Fprintln(a.Out, "postgres schema applied")

	if opts.ImportDirectory == "" {
		return nil
	}
	dir, err := responder.LoadFile(opts.ImportDirectory, a.Logger)
	if err != nil {
		return err
	}
	facilities, contacts := dir.All()
	if err := b.postgres.ImportDirectory(ctx, facilities, contacts); err != nil {
		return fmt.Errorf("import directory: %w", err)
	}
	fmt.Fprintf(a.Out, "imported %d facilities and %d contacts\n", len(facilities), len(contacts))
	return nil
}
