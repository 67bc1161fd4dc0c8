package main

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// migration is one numbered schema step with its up and (optional) down SQL
// file names.
type migration struct {
	Version int64
	Name    string
	Up      string
	Down    string
}

// loadMigrations pairs NNN_name.up.sql and NNN_name.down.sql files in dir,
// ordered by version. Every version needs an up file.
func loadMigrations(dir fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(dir, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	byVersion := make(map[int64]*migration)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		var base string
		var up bool
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			base, up = strings.TrimSuffix(name, ".up.sql"), true
		case strings.HasSuffix(name, ".down.sql"):
			base = strings.TrimSuffix(name, ".down.sql")
		default:
			continue
		}
		ver, err := versionFromFile(base)
		if err != nil {
			return nil, fmt.Errorf("parse version from %s: %w", name, err)
		}
		m, ok := byVersion[ver]
		if !ok {
			m = &migration{Version: ver, Name: base}
			byVersion[ver] = m
		}
		if up {
			m.Up = name
		} else {
			m.Down = name
		}
	}

	out := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" {
			return nil, fmt.Errorf("migration %s has no up file", m.Name)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// versionFromFile extracts the leading integer from a migration name:
// "001_init" → 1.
func versionFromFile(name string) (int64, error) {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, fmt.Errorf("expected NNN_name, got %q", name)
	}
	return strconv.ParseInt(prefix, 10, 64)
}

// migrator applies migrations, tracking them in a schema_migrations table
// compatible with golang-migrate (bigint version + dirty flag).
type migrator struct {
	db     *pgxpool.Pool
	dir    fs.FS
	logger *zap.Logger
}

func (m *migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version bigint NOT NULL,
			dirty   boolean NOT NULL,
			PRIMARY KEY (version)
		)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

// state returns applied versions mapped to their dirty flag.
func (m *migrator) state(ctx context.Context) (map[int64]bool, error) {
	rows, err := m.db.Query(ctx, `SELECT version, dirty FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]bool)
	for rows.Next() {
		var v int64
		var dirty bool
		if err := rows.Scan(&v, &dirty); err != nil {
			return nil, err
		}
		out[v] = dirty
	}
	return out, rows.Err()
}

// Up applies every migration that is missing or dirty. It returns how many
// were applied.
func (m *migrator) Up(ctx context.Context) (int, error) {
	all, err := loadMigrations(m.dir)
	if err != nil {
		return 0, err
	}
	applied, err := m.state(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, mig := range all {
		if dirty, ok := applied[mig.Version]; ok && !dirty {
			m.logger.Debug("skip migration", zap.String("name", mig.Name))
			continue
		}
		if err := m.apply(ctx, mig.Version, mig.Up, false); err != nil {
			return n, err
		}
		m.logger.Info("applied migration", zap.String("file", mig.Up))
		n++
	}
	return n, nil
}

// Down reverts the newest applied migration using its down file.
func (m *migrator) Down(ctx context.Context) (*migration, error) {
	all, err := loadMigrations(m.dir)
	if err != nil {
		return nil, err
	}
	applied, err := m.state(ctx)
	if err != nil {
		return nil, err
	}

	for i := len(all) - 1; i >= 0; i-- {
		mig := all[i]
		if _, ok := applied[mig.Version]; !ok {
			continue
		}
		if mig.Down == "" {
			return nil, fmt.Errorf("migration %s has no down file", mig.Name)
		}
		if err := m.apply(ctx, mig.Version, mig.Down, true); err != nil {
			return nil, err
		}
		m.logger.Info("reverted migration", zap.String("file", mig.Down))
		return &mig, nil
	}
	return nil, nil
}

// apply runs one file inside a transaction, marking the version dirty first
// so a failure outside the transaction stays visible.
func (m *migrator) apply(ctx context.Context, version int64, file string, revert bool) error {
	sql, err := fs.ReadFile(m.dir, file)
	if err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}

	if _, err := m.db.Exec(ctx,
		`INSERT INTO schema_migrations (version, dirty) VALUES ($1, true)
		 ON CONFLICT (version) DO UPDATE SET dirty = true`, version,
	); err != nil {
		return fmt.Errorf("mark dirty %s: %w", file, err)
	}

	return pgx.BeginFunc(ctx, m.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("apply %s: %w", file, err)
		}
		if revert {
			_, err = tx.Exec(ctx, `DELETE FROM schema_migrations WHERE version = $1`, version)
		} else {
			_, err = tx.Exec(ctx, `UPDATE schema_migrations SET dirty = false WHERE version = $1`, version)
		}
		if err != nil {
			return fmt.Errorf("record %s: %w", file, err)
		}
		return nil
	})
}
