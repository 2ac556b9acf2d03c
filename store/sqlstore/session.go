package sqlstore

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/xraph/grove"

	"github.com/jmurth1234/bPermissions-sub000/store"
)

// clause is one WHERE condition.
type clause struct {
	query string
	args  []any
}

func where(query string, args ...any) clause {
	return clause{query: query, args: args}
}

// session is one grove transaction with the driver erased. Postgres and
// SQLite transactions expose the same query builders under different types,
// so each driver binds them into these closures.
type session struct {
	// first scans the first row matching conds into model, ordered by
	// order when it is not empty. A miss returns sql.ErrNoRows.
	first func(ctx context.Context, model any, order string, conds ...clause) error
	// all scans every matching row into dst, a pointer to a slice of models.
	all    func(ctx context.Context, dst any, order string, conds ...clause) error
	count  func(ctx context.Context, model any, conds ...clause) (int, error)
	insert func(ctx context.Context, model any, onConflict string) error
	// remove deletes matching rows and reports how many went.
	remove func(ctx context.Context, model any, conds ...clause) (int64, error)

	commit   func() error
	rollback func() error
}

// conn is one open grove database with its driver bindings.
type conn struct {
	db      *grove.DB
	begin   func(ctx context.Context) (*session, error)
	migrate func(ctx context.Context) error
}

// openConn opens and pings a database for cfg.
func openConn(ctx context.Context, cfg Config) (*conn, error) {
	var (
		c   *conn
		err error
	)
	switch cfg.Driver {
	case DriverPostgres:
		c, err = openPostgresConn(ctx, poolDSN(cfg.DSN, cfg.Pool))
	default:
		c, err = openSQLiteConn(ctx, withBusyTimeout(cfg.DSN))
	}
	if err != nil {
		return nil, err
	}
	if err := c.db.Ping(ctx); err != nil {
		_ = c.db.Close()
		return nil, err
	}
	return c, nil
}

// poolDSN adds the pool bounds to a pgx connection string unless the
// string already sets them.
func poolDSN(dsn string, p store.PoolConfig) string {
	params := [][2]string{
		{"pool_max_conns", strconv.Itoa(p.MaxSize)},
		{"pool_min_conns", strconv.Itoa(p.MinIdle)},
	}
	if p.MaxLifetime > 0 {
		params = append(params, [2]string{"pool_max_conn_lifetime", p.MaxLifetime.String()})
	}
	if p.MaxIdleTime > 0 {
		params = append(params, [2]string{"pool_max_conn_idle_time", p.MaxIdleTime.String()})
	}

	if strings.Contains(dsn, "://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return dsn
		}
		q := u.Query()
		for _, kv := range params {
			if !q.Has(kv[0]) {
				q.Set(kv[0], kv[1])
			}
		}
		u.RawQuery = q.Encode()
		return u.String()
	}

	// keyword/value form
	var b strings.Builder
	b.WriteString(strings.TrimSpace(dsn))
	for _, kv := range params {
		if strings.Contains(dsn, kv[0]+"=") {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(kv[0] + "=" + kv[1])
	}
	return b.String()
}

// busyTimeout is how long SQLite waits on a locked database before
// reporting SQLITE_BUSY.
const busyTimeout = "_pragma=busy_timeout(5000)"

// withBusyTimeout adds busyTimeout to a SQLite DSN that sets none.
func withBusyTimeout(dsn string) string {
	if strings.Contains(dsn, "busy_timeout") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&" + busyTimeout
	}
	return dsn + "?" + busyTimeout
}
