package sqlstore

import (
	"context"
	"fmt"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	_ "github.com/xraph/grove/drivers/pgdriver/pgmigrate"
	"github.com/xraph/grove/migrate"
)

func openPostgresConn(ctx context.Context, dsn string) (*conn, error) {
	drv := pgdriver.New()
	if err := drv.Open(ctx, dsn); err != nil {
		return nil, err
	}
	db, err := grove.Open(drv)
	if err != nil {
		return nil, err
	}
	return postgresConn(db), nil
}

// postgresConn binds the pgx-backed grove driver behind db.
func postgresConn(db *grove.DB) *conn {
	pgdb := pgdriver.Unwrap(db)
	return &conn{
		db: db,
		migrate: func(ctx context.Context) error {
			executor, err := migrate.NewExecutorFor(pgdb)
			if err != nil {
				return fmt.Errorf("create migration executor: %w", err)
			}
			if _, err := migrate.NewOrchestrator(executor, Migrations).Migrate(ctx); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			return nil
		},
		begin: func(ctx context.Context) (*session, error) {
			tx, err := pgdb.BeginTxQuery(ctx, nil)
			if err != nil {
				return nil, err
			}
			return &session{
				first: func(ctx context.Context, model any, order string, conds ...clause) error {
					q := tx.NewSelect(model)
					for _, c := range conds {
						q = q.Where(c.query, c.args...)
					}
					if order != "" {
						q = q.OrderExpr(order)
					}
					return q.Limit(1).Scan(ctx)
				},
				all: func(ctx context.Context, dst any, order string, conds ...clause) error {
					q := tx.NewSelect(dst)
					for _, c := range conds {
						q = q.Where(c.query, c.args...)
					}
					if order != "" {
						q = q.OrderExpr(order)
					}
					return q.Scan(ctx)
				},
				count: func(ctx context.Context, model any, conds ...clause) (int, error) {
					q := tx.NewSelect(model)
					for _, c := range conds {
						q = q.Where(c.query, c.args...)
					}
					n, err := q.Count(ctx)
					return int(n), err
				},
				insert: func(ctx context.Context, model any, onConflict string) error {
					q := tx.NewInsert(model)
					if onConflict != "" {
						q = q.OnConflict(onConflict)
					}
					_, err := q.Exec(ctx)
					return err
				},
				remove: func(ctx context.Context, model any, conds ...clause) (int64, error) {
					q := tx.NewDelete(model)
					for _, c := range conds {
						q = q.Where(c.query, c.args...)
					}
					res, err := q.Exec(ctx)
					if err != nil {
						return 0, err
					}
					return res.RowsAffected()
				},
				commit:   tx.Commit,
				rollback: tx.Rollback,
			}, nil
		},
	}
}
