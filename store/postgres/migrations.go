package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the fiscal postgres store.
var Migrations = migrate.NewGroup("fiscal")

func init() {
	Migrations.MustRegister(
		// 001: Documents and void ranges.
		&migrate.Migration{
			Name:    "create_documents_tables",
			Version: "20240101120000",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
					CREATE TABLE IF NOT EXISTS fiscal_documents (
						access_key      TEXT PRIMARY KEY,
						tenant_id       TEXT NOT NULL,
						number          INTEGER NOT NULL,
						series          INTEGER NOT NULL,
						status          TEXT NOT NULL,
						attempt_count   INTEGER NOT NULL DEFAULT 0,
						next_attempt_at TIMESTAMPTZ,
						errors          JSONB NOT NULL DEFAULT '[]',
						protocol        TEXT NOT NULL DEFAULT '',
						signed_payload  BYTEA,
						cancel_protocol TEXT NOT NULL DEFAULT '',
						events          JSONB NOT NULL DEFAULT '[]',
						payload         JSONB,
						note            TEXT NOT NULL DEFAULT '',
						version         BIGINT NOT NULL DEFAULT 0,
						created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
						updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
					)`)
				if err != nil {
					return err
				}

				_, err = exec.Exec(ctx, `
					CREATE INDEX IF NOT EXISTS idx_fiscal_documents_status_updated
						ON fiscal_documents (status, updated_at)`)
				if err != nil {
					return err
				}

				_, err = exec.Exec(ctx, `
					CREATE INDEX IF NOT EXISTS idx_fiscal_documents_tenant
						ON fiscal_documents (tenant_id, status)`)
				if err != nil {
					return err
				}

				_, err = exec.Exec(ctx, `
					CREATE TABLE IF NOT EXISTS fiscal_void_ranges (
						key           TEXT PRIMARY KEY,
						tenant_id     TEXT NOT NULL,
						taxpayer_id   TEXT NOT NULL,
						series        INTEGER NOT NULL,
						first_number  INTEGER NOT NULL,
						last_number   INTEGER NOT NULL,
						justification TEXT NOT NULL,
						status        TEXT NOT NULL,
						protocol      TEXT NOT NULL DEFAULT '',
						last_error    TEXT NOT NULL DEFAULT '',
						created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
						updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
					)`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS fiscal_void_ranges, fiscal_documents CASCADE`)
				return err
			},
		},

		// 002: Dead-letter entries.
		&migrate.Migration{
			Name:    "create_dead_letters_table",
			Version: "20240101120001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
					CREATE TABLE IF NOT EXISTS fiscal_dead_letters (
						id              TEXT PRIMARY KEY,
						item_id         TEXT NOT NULL,
						tenant_id       TEXT NOT NULL,
						correlation_key TEXT NOT NULL,
						operation       TEXT NOT NULL,
						priority        TEXT NOT NULL,
						origin_lane     TEXT NOT NULL DEFAULT '',
						payload         JSONB,
						reason          TEXT NOT NULL,
						class           TEXT NOT NULL,
						attempt_count   INTEGER NOT NULL DEFAULT 0,
						recoveries      INTEGER NOT NULL DEFAULT 0,
						metadata        JSONB NOT NULL DEFAULT '{}',
						state           TEXT NOT NULL,
						failed_at       TIMESTAMPTZ NOT NULL,
						recover_at      TIMESTAMPTZ,
						replayed_at     TIMESTAMPTZ,
						created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
					)`)
				if err != nil {
					return err
				}

				_, err = exec.Exec(ctx, `
					CREATE INDEX IF NOT EXISTS idx_fiscal_dead_letters_failed_at
						ON fiscal_dead_letters (failed_at DESC)`)
				if err != nil {
					return err
				}

				_, err = exec.Exec(ctx, `
					CREATE INDEX IF NOT EXISTS idx_fiscal_dead_letters_tenant_class
						ON fiscal_dead_letters (tenant_id, class)`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS fiscal_dead_letters CASCADE`)
				return err
			},
		},
	)
}
