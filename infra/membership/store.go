// Package membership stores the cluster membership table. Every node writes
// its own row; clients read the table to find gateways.
//
// The table lives in the database named by the cluster's data connection
// string: sqlite:<path> (or sqlite://:memory:) and postgres:// URLs are
// supported. The development-storage connection string maps to a local
// SQLite file.
package membership

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"fabrichost"
	"fabrichost/config"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect is the SQL flavour of a store.
type Dialect uint8

const (
	DialectSQLite Dialect = iota + 1
	DialectPostgres
)

func (d Dialect) String() string {
	switch d {
	case DialectSQLite:
		return "sqlite"
	case DialectPostgres:
		return "postgres"
	default:
		return "unknown"
	}
}

// ErrUnsupportedConnectionString indicates a data connection string naming
// an unsupported database.
var ErrUnsupportedConnectionString = errors.New("unsupported data connection string")

const memoryDSN = ":memory:"

// Source is a parsed data connection string.
type Source struct {
	Dialect Dialect
	// DSN is passed to the database driver.
	DSN string
}

// ParseConnectionString maps a data connection string to a driver DSN.
func ParseConnectionString(conn string) (Source, error) {
	conn = strings.TrimSpace(conn)
	switch {
	case conn == "":
		return Source{}, config.ErrNoConnectionString
	case conn == config.DevelopmentStorage:
		return Source{Dialect: DialectSQLite, DSN: filepath.Join(os.TempDir(), "fabrichost", "devstorage.db")}, nil
	case strings.HasPrefix(conn, "postgres://"), strings.HasPrefix(conn, "postgresql://"):
		return Source{Dialect: DialectPostgres, DSN: conn}, nil
	case strings.HasPrefix(conn, "sqlite://"):
		return sqliteSource(strings.TrimPrefix(conn, "sqlite://"))
	case strings.HasPrefix(conn, "sqlite:"):
		return sqliteSource(strings.TrimPrefix(conn, "sqlite:"))
	default:
		return Source{}, fmt.Errorf("%w: %q", ErrUnsupportedConnectionString, conn)
	}
}

func sqliteSource(path string) (Source, error) {
	if path == "" {
		return Source{}, fmt.Errorf("%w: sqlite without a path", ErrUnsupportedConnectionString)
	}
	return Source{Dialect: DialectSQLite, DSN: path}, nil
}

// Store reads and writes membership rows.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to the database named by conn and creates the membership
// table if needed.
func Open(ctx context.Context, conn string) (*Store, error) {
	src, err := ParseConnectionString(conn)
	if err != nil {
		return nil, err
	}

	var db *sql.DB
	switch src.Dialect {
	case DialectSQLite:
		db, err = openSQLite(src.DSN)
	case DialectPostgres:
		db, err = openPostgres(ctx, src.DSN)
	}
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, dialect: src.Dialect}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func openSQLite(path string) (*sql.DB, error) {
	if path != memoryDSN {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create membership store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open membership db: %w", err)
	}
	if path == memoryDSN {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	return db, nil
}

func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open membership db: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping membership db: %w", err)
	}
	return db, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS members (
	deployment_id TEXT NOT NULL,
	address TEXT NOT NULL,
	generation BIGINT NOT NULL,
	name TEXT NOT NULL,
	proxy_address TEXT NOT NULL,
	status TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (deployment_id, address, generation)
)`); err != nil {
		return fmt.Errorf("initialize membership schema: %w", err)
	}
	return nil
}

// Dialect reports which database the store is connected to.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Join records rec and marks every older generation at the same address dead.
func (s *Store) Join(ctx context.Context, rec fabrichost.MemberRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin join: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(`
UPDATE members SET status = ?, updated_at = ?
WHERE deployment_id = ? AND address = ? AND generation < ? AND status <> ?`),
		fabrichost.MemberDead.String(), formatTime(rec.UpdatedAt),
		rec.DeploymentID, rec.Endpoints.Listen.String(), rec.Generation, fabrichost.MemberDead.String(),
	); err != nil {
		return fmt.Errorf("retire previous generations: %w", err)
	}
	if err := upsert(ctx, tx, s.rebind, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit join: %w", err)
	}
	return nil
}

// Upsert writes rec.
func (s *Store) Upsert(ctx context.Context, rec fabrichost.MemberRecord) error {
	return upsert(ctx, s.db, s.rebind, rec)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsert(ctx context.Context, db execer, rebind func(string) string, rec fabrichost.MemberRecord) error {
	if _, err := db.ExecContext(ctx, rebind(`
INSERT INTO members (deployment_id, address, generation, name, proxy_address, status, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (deployment_id, address, generation) DO UPDATE SET
	name = excluded.name,
	proxy_address = excluded.proxy_address,
	status = excluded.status,
	updated_at = excluded.updated_at`),
		rec.DeploymentID, rec.Endpoints.Listen.String(), rec.Generation, rec.Name,
		addrPortString(rec.Endpoints.Proxy), rec.Status.String(), formatTime(rec.UpdatedAt),
	); err != nil {
		return fmt.Errorf("upsert member %s: %w", rec.Name, err)
	}
	return nil
}

// SetStatus updates the status of one member row.
func (s *Store) SetStatus(ctx context.Context, deploymentID string, listen netip.AddrPort, generation int64, status fabrichost.MemberStatus) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
UPDATE members SET status = ?, updated_at = ?
WHERE deployment_id = ? AND address = ? AND generation = ?`),
		status.String(), formatTime(time.Now()), deploymentID, listen.String(), generation,
	)
	if err != nil {
		return fmt.Errorf("set member status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("set member status: no member %s generation %d in %s", listen, generation, deploymentID)
	}
	return nil
}

// List returns the rows of a deployment ordered by address and generation.
func (s *Store) List(ctx context.Context, deploymentID string) ([]fabrichost.MemberRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT deployment_id, address, generation, name, proxy_address, status, updated_at
FROM members WHERE deployment_id = ? ORDER BY address, generation`), deploymentID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	out := make([]fabrichost.MemberRecord, 0)
	for rows.Next() {
		var (
			rec                   fabrichost.MemberRecord
			listen, proxy, status string
			updated               string
		)
		if err := rows.Scan(&rec.DeploymentID, &listen, &rec.Generation, &rec.Name, &proxy, &status, &updated); err != nil {
			return nil, fmt.Errorf("scan member row: %w", err)
		}
		if rec.Endpoints.Listen, err = netip.ParseAddrPort(listen); err != nil {
			return nil, fmt.Errorf("member %s address: %w", rec.Name, err)
		}
		if proxy != "" {
			if rec.Endpoints.Proxy, err = netip.ParseAddrPort(proxy); err != nil {
				return nil, fmt.Errorf("member %s proxy address: %w", rec.Name, err)
			}
		}
		rec.Status = fabrichost.ParseMemberStatus(status)
		rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate member rows: %w", err)
	}
	return out, nil
}

// Gateways returns the proxy endpoints of the active members of a
// deployment, most recently updated first.
func (s *Store) Gateways(ctx context.Context, deploymentID string) ([]netip.AddrPort, error) {
	members, err := s.List(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	active := slices.DeleteFunc(members, func(r fabrichost.MemberRecord) bool { return !r.IsGateway() })
	slices.SortStableFunc(active, func(a, b fabrichost.MemberRecord) int { return b.UpdatedAt.Compare(a.UpdatedAt) })

	out := make([]netip.AddrPort, 0, len(active))
	for _, r := range active {
		out = append(out, r.Endpoints.Proxy)
	}
	return out, nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func addrPortString(ap netip.AddrPort) string {
	if !ap.IsValid() {
		return ""
	}
	return ap.String()
}
