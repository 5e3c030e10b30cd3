package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Migration System Overview:
//
// Fresh databases get LATEST.sql, which already contains every patch, and all
// patch versions are recorded in migration_history. Existing databases get the
// patches whose version is above the highest recorded one, applied in order.
//
// Migration Files:
// - Location: store/migration/{driver}/NN__description.sql
// - LATEST.sql: Full schema for new installations

//go:embed migration
var migrationFS embed.FS

const (
	// MigrateFileNameSplit is the split character between the patch version and the description in the migration file name.
	// For example, "1__create_table.sql".
	MigrateFileNameSplit = "__"
	// LatestSchemaFileName is the name of the latest schema file.
	LatestSchemaFileName = "LATEST.sql"
)

type migrationPatch struct {
	version  int
	filePath string
}

// parseMigrationFileName checks that a migration file follows the "NN__description.sql" convention.
func parseMigrationFileName(filename string) (int, error) {
	if !strings.Contains(filename, MigrateFileNameSplit) {
		return 0, errors.Errorf("invalid migration filename format (missing %s): %s", MigrateFileNameSplit, filename)
	}
	parts := strings.SplitN(filename, MigrateFileNameSplit, 2)
	v, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, errors.Errorf("migration filename must start with a number: %s", filename)
	}
	return v, nil
}

func (s *Store) migrationDir() string {
	return path.Join("migration", s.profile.Driver)
}

func (s *Store) listPatches() ([]migrationPatch, error) {
	entries, err := fs.ReadDir(migrationFS, s.migrationDir())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read migration dir for %s", s.profile.Driver)
	}
	patches := []migrationPatch{}
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == LatestSchemaFileName || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		v, err := parseMigrationFileName(entry.Name())
		if err != nil {
			return nil, err
		}
		patches = append(patches, migrationPatch{version: v, filePath: path.Join(s.migrationDir(), entry.Name())})
	}
	sort.Slice(patches, func(i, j int) bool { return patches[i].version < patches[j].version })
	return patches, nil
}

// Migrate brings the database schema to the latest version.
func (s *Store) Migrate(ctx context.Context) error {
	initialized, err := s.driver.IsInitialized(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to check database initialization")
	}
	patches, err := s.listPatches()
	if err != nil {
		return err
	}

	if !initialized {
		latest, err := migrationFS.ReadFile(path.Join(s.migrationDir(), LatestSchemaFileName))
		if err != nil {
			return errors.Wrap(err, "failed to read latest schema")
		}
		return s.runInTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(latest)); err != nil {
				return errors.Wrap(err, "failed to apply latest schema")
			}
			for _, patch := range patches {
				if err := recordMigration(ctx, tx, patch.version); err != nil {
					return err
				}
			}
			slog.Info("database schema initialized", slog.String("driver", s.profile.Driver), slog.Int("patches", len(patches)))
			return nil
		})
	}

	current, err := s.currentMigrationVersion(ctx)
	if err != nil {
		return err
	}
	for _, patch := range patches {
		if patch.version <= current {
			continue
		}
		buf, err := migrationFS.ReadFile(patch.filePath)
		if err != nil {
			return errors.Wrapf(err, "failed to read migration %s", patch.filePath)
		}
		if err := s.runInTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(buf)); err != nil {
				return errors.Wrapf(err, "failed to apply migration %s", patch.filePath)
			}
			return recordMigration(ctx, tx, patch.version)
		}); err != nil {
			return err
		}
		slog.Info("applied migration", slog.String("file", patch.filePath))
	}
	return nil
}

func (s *Store) currentMigrationVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	if err := s.driver.GetDB().QueryRowContext(ctx, "SELECT MAX(version) FROM migration_history").Scan(&version); err != nil {
		return 0, errors.Wrap(err, "failed to read migration history")
	}
	return int(version.Int64), nil
}

func recordMigration(ctx context.Context, tx *sql.Tx, version int) error {
	// Both drivers accept integer literals, which keeps the statement placeholder-agnostic.
	stmt := fmt.Sprintf("INSERT INTO migration_history (version, created_ts) VALUES (%d, %d)", version, time.Now().UnixMilli())
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return errors.Wrapf(err, "failed to record migration %d", version)
	}
	return nil
}

func (s *Store) runInTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.driver.GetDB().BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to start transaction")
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
