package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// migrationLockKey is the pg advisory lock held while migrating, so replicas
// starting together apply each file once.
const migrationLockKey int64 = 0x64656669_6c656467

// ErrMigrationChanged is returned when an applied migration file no longer
// matches the checksum recorded when it ran.
var ErrMigrationChanged = errors.New("applied migration was modified")

// Migration is one versioned SQL file pair.
type Migration struct {
	Version  string
	UpFile   string
	DownFile string
	Checksum string
}

// Migrator applies {version}_{name}.up.sql files in version order and records
// them, with a checksum of their content, in public.schema_migrations.
type Migrator struct {
	db            *sql.DB
	migrationsDir string
	logger        zerolog.Logger
}

func NewMigrator(db *sql.DB, migrationsDir string, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, migrationsDir: migrationsDir, logger: logger}
}

// LoadMigrations reads dir and pairs every up file with its down file.
func LoadMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names[e.Name()] = true
		}
	}

	var out []Migration
	seen := make(map[string]string)
	for name := range names {
		if !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		version := migrationVersion(name)
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migration version %s used by %s and %s", version, prev, name)
		}
		seen[version] = name

		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		m := Migration{Version: version, UpFile: name, Checksum: checksum(content)}
		if down := strings.TrimSuffix(name, ".up.sql") + ".down.sql"; names[down] {
			m.DownFile = down
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Pending returns the up files not yet applied. An applied file whose
// content changed since is reported as ErrMigrationChanged.
func (m *Migrator) Pending(ctx context.Context) ([]string, error) {
	if err := m.ensureMigrationTable(ctx, m.db); err != nil {
		return nil, err
	}
	pending, err := m.pending(ctx, m.db)
	if err != nil {
		return nil, err
	}
	files := make([]string, len(pending))
	for i, p := range pending {
		files[i] = p.UpFile
	}
	return files, nil
}

// Up applies all pending migrations, each in its own transaction.
func (m *Migrator) Up(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		pending, err := m.pending(ctx, conn)
		if err != nil {
			return err
		}
		for _, mig := range pending {
			if err := m.exec(ctx, conn, mig.UpFile, func(tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx,
					`INSERT INTO public.schema_migrations (version, filename, checksum) VALUES ($1, $2, $3)`,
					mig.Version, mig.UpFile, mig.Checksum)
				return err
			}); err != nil {
				return err
			}
			m.logger.Info().Str("file", mig.UpFile).Str("version", mig.Version).Msg("applied migration")
		}
		return nil
	})
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		var version, filename string
		err := conn.QueryRowContext(ctx,
			`SELECT version, filename FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version, &filename)
		if errors.Is(err, sql.ErrNoRows) {
			m.logger.Info().Msg("no migrations to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("latest migration: %w", err)
		}

		downFile := strings.TrimSuffix(filename, ".up.sql") + ".down.sql"
		if err := m.exec(ctx, conn, downFile, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `DELETE FROM public.schema_migrations WHERE version = $1`, version)
			return err
		}); err != nil {
			return err
		}
		m.logger.Info().Str("file", downFile).Str("version", version).Msg("rolled back migration")
		return nil
	})
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// locked runs fn on one connection holding the migration advisory lock.
func (m *Migrator) locked(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("migration conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockKey); err != nil {
			m.logger.Warn().Err(err).Msg("migration unlock")
		}
	}()

	if err := m.ensureMigrationTable(ctx, conn); err != nil {
		return err
	}
	return fn(conn)
}

// exec runs the SQL in file and record in one transaction.
func (m *Migrator) exec(ctx context.Context, conn *sql.Conn, file string, record func(*sql.Tx) error) error {
	content, err := os.ReadFile(filepath.Join(m.migrationsDir, file))
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", file, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("exec %s: %w", file, err)
	}
	if err := record(tx); err != nil {
		return fmt.Errorf("record %s: %w", file, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", file, err)
	}
	return nil
}

func (m *Migrator) pending(ctx context.Context, q querier) ([]Migration, error) {
	all, err := LoadMigrations(m.migrationsDir)
	if err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx, q)
	if err != nil {
		return nil, err
	}
	return pendingMigrations(all, applied)
}

// pendingMigrations filters all against the applied version -> checksum map.
// Rows recorded without a checksum are trusted.
func pendingMigrations(all []Migration, applied map[string]string) ([]Migration, error) {
	var out []Migration
	for _, mig := range all {
		sum, ok := applied[mig.Version]
		if !ok {
			out = append(out, mig)
			continue
		}
		if sum != "" && sum != mig.Checksum {
			return nil, fmt.Errorf("%w: %s", ErrMigrationChanged, mig.UpFile)
		}
	}
	return out, nil
}

func (m *Migrator) ensureMigrationTable(ctx context.Context, q querier) error {
	if _, err := q.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		ALTER TABLE public.schema_migrations ADD COLUMN IF NOT EXISTS checksum TEXT NOT NULL DEFAULT ''
	`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return nil
}

func (m *Migrator) applied(ctx context.Context, q querier) (map[string]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT version, checksum FROM public.schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("applied migrations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var v, sum string
		if err := rows.Scan(&v, &sum); err != nil {
			return nil, err
		}
		out[v] = sum
	}
	return out, rows.Err()
}

// migrationVersion returns the prefix before the first underscore,
// e.g. "000001_ledger_entities.up.sql" -> "000001".
func migrationVersion(filename string) string {
	version, _, _ := strings.Cut(filename, "_")
	return version
}

func checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
