// Copyright 2024 The mqttfuzz-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sink

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// PostgresConfig holds the PostgreSQL sink settings.
type PostgresConfig struct {
	Host            string        `json:"host" yaml:"host"`
	Port            int           `json:"port" yaml:"port"`
	Username        string        `json:"username" yaml:"username"`
	Password        string        `json:"password" yaml:"password"`
	Database        string        `json:"database" yaml:"database"`
	Table           string        `json:"table" yaml:"table"`
	SSLMode         string        `json:"ssl_mode" yaml:"ssl_mode"`
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	Timeout         time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultPostgresConfig returns PostgreSQL sink defaults.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		Host:            "localhost",
		Port:            5432,
		Username:        "postgres",
		Database:        "mqttfuzz",
		Table:           "verdicts",
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		Timeout:         30 * time.Second,
	}
}

// Postgres persists verdicts in a PostgreSQL table.
type Postgres struct {
	cfg PostgresConfig
	db  *sql.DB
}

// NewPostgres opens the database connection, verifies it and ensures the
// verdict table exists.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database, cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	pg := &Postgres{cfg: cfg, db: db}
	if err := pg.ensureTable(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return pg, nil
}

func (pg *Postgres) ensureTable(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pg.cfg.Timeout)
	defer cancel()

	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGSERIAL PRIMARY KEY,
		run_id TEXT NOT NULL,
		target TEXT NOT NULL,
		shape TEXT NOT NULL,
		field TEXT,
		mutator TEXT,
		case_index INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		severity TEXT,
		detail TEXT,
		payload BYTEA,
		response BYTEA,
		created_at TIMESTAMPTZ NOT NULL
	)`, pg.cfg.Table)

	if _, err := pg.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create verdict table: %w", err)
	}
	return nil
}

// Write inserts one verdict row.
func (pg *Postgres) Write(ctx context.Context, v Verdict) error {
	ctx, cancel := context.WithTimeout(ctx, pg.cfg.Timeout)
	defer cancel()

	query := fmt.Sprintf(`INSERT INTO %s
		(run_id, target, shape, field, mutator, case_index, outcome, severity, detail, payload, response, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`, pg.cfg.Table)

	_, err := pg.db.ExecContext(ctx, query,
		v.RunID, v.Target, v.Shape, v.Field, v.Mutator, v.CaseIndex,
		string(v.Outcome), v.Severity, v.Detail, v.Payload, v.Response, v.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert verdict: %w", err)
	}
	return nil
}

// WriteBatch inserts many verdicts inside one transaction.
func (pg *Postgres) WriteBatch(ctx context.Context, verdicts []Verdict) error {
	if len(verdicts) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, pg.cfg.Timeout)
	defer cancel()

	tx, err := pg.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`INSERT INTO %s
		(run_id, target, shape, field, mutator, case_index, outcome, severity, detail, payload, response, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`, pg.cfg.Table)

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, v := range verdicts {
		if _, err := stmt.ExecContext(ctx,
			v.RunID, v.Target, v.Shape, v.Field, v.Mutator, v.CaseIndex,
			string(v.Outcome), v.Severity, v.Detail, v.Payload, v.Response, v.Timestamp); err != nil {
			return fmt.Errorf("failed to insert verdict %d: %w", v.CaseIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit verdict batch: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (pg *Postgres) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pg.cfg.Timeout)
	defer cancel()
	if err := pg.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (pg *Postgres) Close() error {
	return pg.db.Close()
}
