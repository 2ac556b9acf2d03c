package sqlstore

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the permission tables. Every
// statement is valid on both PostgreSQL and SQLite.
var Migrations = migrate.NewGroup("bperms")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_user_data",
			Version: "20240101000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS bperms_user_data (
    world           TEXT NOT NULL,
    id              TEXT NOT NULL,
    name            TEXT NOT NULL DEFAULT '',
    permissions     TEXT NOT NULL DEFAULT '[]',
    member_of       TEXT NOT NULL DEFAULT '[]',
    metadata        TEXT NOT NULL DEFAULT '{}',
    last_modified   BIGINT NOT NULL DEFAULT 0,

    PRIMARY KEY (world, id)
)`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS bperms_user_data`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_group_data",
			Version: "20240101000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS bperms_group_data (
    world           TEXT NOT NULL,
    name            TEXT NOT NULL,
    permissions     TEXT NOT NULL DEFAULT '[]',
    inherits        TEXT NOT NULL DEFAULT '[]',
    metadata        TEXT NOT NULL DEFAULT '{}',
    last_modified   BIGINT NOT NULL DEFAULT 0,

    PRIMARY KEY (world, name)
)`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS bperms_group_data`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_world_data",
			Version: "20240101000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS bperms_world_data (
    world           TEXT PRIMARY KEY,
    default_group   TEXT NOT NULL,
    settings        TEXT NOT NULL DEFAULT '{}',
    last_modified   BIGINT NOT NULL DEFAULT 0
)`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS bperms_world_data`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_changelog",
			Version: "20240101000004",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				if _, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS bperms_changelog (
    id              TEXT PRIMARY KEY,
    world           TEXT NOT NULL,
    subject_kind    TEXT NOT NULL,
    subject_id      TEXT NOT NULL,
    change_kind     TEXT NOT NULL,
    changed_at      BIGINT NOT NULL,
    server_id       TEXT NOT NULL
)`); err != nil {
					return err
				}
				_, err := exec.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_bperms_changelog_world_ts ON bperms_changelog (world, changed_at)`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS bperms_changelog`)
				return err
			},
		},
	)
}
