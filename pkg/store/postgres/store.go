// Package postgres provides PostgreSQL-backed implementations of the
// repository interfaces. The lease invariant is enforced by conditional
// UPDATEs, so multiple processor instances can safely share one database.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/netip"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"

	"github.com/codelaboratoryltd/radacct/pkg/store"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// sessionColumns lists columns returned by session SELECT queries.
var sessionColumns = []string{
	"unique_id", "session_id", "username", "nas_identifier", "nas_port",
	"pool", "framed_address", "state", "start_time", "last_interim_time",
	"stop_time", "terminate_cause", "input_bytes", "output_bytes", "recovered",
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return db, nil
}

// SessionStore implements store.SessionStore on PostgreSQL.
type SessionStore struct {
	db *sql.DB
}

// NewSessionStore creates a session store over an open database.
func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) Get(ctx context.Context, uniqueID string) (*store.Session, error) {
	query, args, err := psq.Select(sessionColumns...).
		From("acct_sessions").
		Where(sq.Eq{"unique_id": uniqueID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building session query: %w", err)
	}
	return scanSession(s.db.QueryRowContext(ctx, query, args...))
}

func (s *SessionStore) FindActive(ctx context.Context, nasID, sessionID string) (*store.Session, error) {
	query, args, err := psq.Select(sessionColumns...).
		From("acct_sessions").
		Where(sq.Eq{
			"nas_identifier": nasID,
			"session_id":     sessionID,
			"state":          store.StateActive,
		}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building session query: %w", err)
	}
	return scanSession(s.db.QueryRowContext(ctx, query, args...))
}

func (s *SessionStore) FindLatest(ctx context.Context, nasID, sessionID string) (*store.Session, error) {
	// Active first, then the most recently started. A NAS reusing a session
	// id leaves several rows with the same key.
	query, args, err := psq.Select(sessionColumns...).
		From("acct_sessions").
		Where(sq.Eq{
			"nas_identifier": nasID,
			"session_id":     sessionID,
		}).
		OrderBy("(state = 'active') DESC", "start_time DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building session query: %w", err)
	}
	return scanSession(s.db.QueryRowContext(ctx, query, args...))
}

func (s *SessionStore) Put(ctx context.Context, sess *store.Session) error {
	query := `
		INSERT INTO acct_sessions
		(unique_id, session_id, username, nas_identifier, nas_port, pool, framed_address, state, start_time, last_interim_time, stop_time, terminate_cause, input_bytes, output_bytes, recovered)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (unique_id) DO UPDATE SET
			state = EXCLUDED.state,
			last_interim_time = EXCLUDED.last_interim_time,
			stop_time = EXCLUDED.stop_time,
			terminate_cause = EXCLUDED.terminate_cause,
			input_bytes = EXCLUDED.input_bytes,
			output_bytes = EXCLUDED.output_bytes,
			pool = EXCLUDED.pool,
			framed_address = EXCLUDED.framed_address
	`
	_, err := s.db.ExecContext(ctx, query,
		sess.UniqueID,
		sess.SessionID,
		sess.Username,
		sess.NASIdentifier,
		int64(sess.NASPort),
		sess.Pool,
		addrValue(sess.FramedAddress),
		string(sess.State),
		sess.StartTime,
		sess.LastInterimTime,
		timeValue(sess.StopTime),
		int64(sess.TerminateCause),
		int64(sess.InputBytes),
		int64(sess.OutputBytes),
		sess.Recovered,
	)
	if err != nil {
		return fmt.Errorf("%w: storing session: %v", store.ErrUnavailable, err)
	}
	return nil
}

func (s *SessionStore) ActiveByNAS(ctx context.Context, nasID string) ([]*store.Session, error) {
	query, args, err := psq.Select(sessionColumns...).
		From("acct_sessions").
		Where(sq.Eq{"nas_identifier": nasID, "state": store.StateActive}).
		OrderBy("unique_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building session query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: querying sessions: %v", store.ErrUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*store.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating sessions: %v", store.ErrUnavailable, err)
	}
	return out, nil
}

func (s *SessionStore) ActiveCount(ctx context.Context) (int, error) {
	query, args, err := psq.Select("COUNT(*)").
		From("acct_sessions").
		Where(sq.Eq{"state": store.StateActive}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building count query: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: counting sessions: %v", store.ErrUnavailable, err)
	}
	return n, nil
}

// PoolStore implements store.PoolStore on PostgreSQL.
type PoolStore struct {
	db *sql.DB
}

// NewPoolStore creates a pool store over an open database.
func NewPoolStore(db *sql.DB) *PoolStore {
	return &PoolStore{db: db}
}

func (p *PoolStore) Provision(ctx context.Context, pool string, addrs []netip.Addr) error {
	for _, addr := range addrs {
		_, err := p.db.ExecContext(ctx,
			`INSERT INTO pool_entries (pool, address) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			pool, addr.String(),
		)
		if err != nil {
			return fmt.Errorf("%w: provisioning %s: %v", store.ErrUnavailable, addr, err)
		}
	}
	return nil
}

func (p *PoolStore) Entries(ctx context.Context, pool string) ([]store.PoolEntry, error) {
	// INET ordering keeps the allocator's lowest-address-first pick
	// deterministic.
	query, args, err := psq.Select("pool", "address", "owner", "leased_at", "expires_at").
		From("pool_entries").
		Where(sq.Eq{"pool": pool}).
		OrderBy("address").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building entries query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: querying pool entries: %v", store.ErrUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var out []store.PoolEntry
	for rows.Next() {
		var (
			e         store.PoolEntry
			addr      string
			leasedAt  sql.NullTime
			expiresAt sql.NullTime
		)
		if err := rows.Scan(&e.Pool, &addr, &e.Owner, &leasedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scanning pool entry: %w", err)
		}
		parsed, err := netip.ParseAddr(addr)
		if err != nil {
			return nil, fmt.Errorf("parsing pool address %q: %w", addr, err)
		}
		e.Address = parsed
		e.LeasedAt = leasedAt.Time
		e.ExpiresAt = expiresAt.Time
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating pool entries: %v", store.ErrUnavailable, err)
	}
	if len(out) == 0 {
		if err := p.poolExists(ctx, pool); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *PoolStore) Lease(ctx context.Context, pool string, addr netip.Addr, owner string, now, expiresAt time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE pool_entries
		SET owner = $1, leased_at = $2, expires_at = $3
		WHERE pool = $4 AND address = $5
		  AND (owner = '' OR owner = $1 OR expires_at < $2)`,
		owner, now, expiresAt, pool, addr.String(),
	)
	if err != nil {
		return fmt.Errorf("%w: leasing address: %v", store.ErrUnavailable, err)
	}
	return p.casOutcome(ctx, res, pool, addr)
}

func (p *PoolStore) Renew(ctx context.Context, pool string, addr netip.Addr, owner string, expiresAt time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE pool_entries
		SET expires_at = $1
		WHERE pool = $2 AND address = $3 AND owner = $4`,
		expiresAt, pool, addr.String(), owner,
	)
	if err != nil {
		return fmt.Errorf("%w: renewing lease: %v", store.ErrUnavailable, err)
	}
	return p.casOutcome(ctx, res, pool, addr)
}

func (p *PoolStore) Release(ctx context.Context, pool string, addr netip.Addr, owner string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE pool_entries
		SET owner = '', leased_at = NULL, expires_at = NULL
		WHERE pool = $1 AND address = $2 AND owner = $3`,
		pool, addr.String(), owner,
	)
	if err != nil {
		return false, fmt.Errorf("%w: releasing lease: %v", store.ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: releasing lease: %v", store.ErrUnavailable, err)
	}
	if n > 0 {
		return true, nil
	}
	if err := p.entryExists(ctx, pool, addr); err != nil {
		return false, err
	}
	return false, nil
}

func (p *PoolStore) FreeExpired(ctx context.Context, pool string, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE pool_entries
		SET owner = '', leased_at = NULL, expires_at = NULL
		WHERE pool = $1 AND owner <> '' AND expires_at < $2`,
		pool, now,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: sweeping pool: %v", store.ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: sweeping pool: %v", store.ErrUnavailable, err)
	}
	if n == 0 {
		if err := p.poolExists(ctx, pool); err != nil {
			return 0, err
		}
	}
	return int(n), nil
}

func (p *PoolStore) Pools(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT DISTINCT pool FROM pool_entries ORDER BY pool`)
	if err != nil {
		return nil, fmt.Errorf("%w: listing pools: %v", store.ErrUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning pool name: %w", err)
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating pools: %v", store.ErrUnavailable, err)
	}
	return out, nil
}

// casOutcome distinguishes a lost conditional write from a missing entry.
func (p *PoolStore) casOutcome(ctx context.Context, res sql.Result, pool string, addr netip.Addr) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if n > 0 {
		return nil
	}
	if err := p.entryExists(ctx, pool, addr); err != nil {
		return err
	}
	return store.ErrConflict
}

func (p *PoolStore) entryExists(ctx context.Context, pool string, addr netip.Addr) error {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM pool_entries WHERE pool = $1 AND address = $2)`,
		pool, addr.String(),
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return nil
}

func (p *PoolStore) poolExists(ctx context.Context, pool string) error {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM pool_entries WHERE pool = $1)`,
		pool,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return nil
}

// SummaryStore implements store.SummaryStore on PostgreSQL.
type SummaryStore struct {
	db *sql.DB
}

// NewSummaryStore creates a summary store over an open database.
func NewSummaryStore(db *sql.DB) *SummaryStore {
	return &SummaryStore{db: db}
}

func (s *SummaryStore) Add(ctx context.Context, subject string, day store.Day, delta store.SummaryDelta) (store.TrafficSummary, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO traffic_summaries
		(subject, day, session_count, total_input_bytes, total_output_bytes, total_session_seconds)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (subject, day) DO UPDATE SET
			session_count = traffic_summaries.session_count + EXCLUDED.session_count,
			total_input_bytes = traffic_summaries.total_input_bytes + EXCLUDED.total_input_bytes,
			total_output_bytes = traffic_summaries.total_output_bytes + EXCLUDED.total_output_bytes,
			total_session_seconds = traffic_summaries.total_session_seconds + EXCLUDED.total_session_seconds
		RETURNING session_count, total_input_bytes, total_output_bytes, total_session_seconds`,
		subject, string(day),
		int64(delta.SessionsClosed), int64(delta.InputBytes), int64(delta.OutputBytes), int64(delta.SessionSeconds),
	)

	summary := store.TrafficSummary{Subject: subject, Day: day}
	var sessions, in, out, seconds int64
	if err := row.Scan(&sessions, &in, &out, &seconds); err != nil {
		return store.TrafficSummary{}, fmt.Errorf("%w: updating summary: %v", store.ErrUnavailable, err)
	}
	summary.SessionCount = uint64(sessions)
	summary.TotalInputBytes = uint64(in)
	summary.TotalOutputBytes = uint64(out)
	summary.TotalSessionSeconds = uint64(seconds)
	return summary, nil
}

func (s *SummaryStore) Get(ctx context.Context, subject string, day store.Day) (store.TrafficSummary, error) {
	query, args, err := psq.Select("session_count", "total_input_bytes", "total_output_bytes", "total_session_seconds").
		From("traffic_summaries").
		Where(sq.Eq{"subject": subject, "day": string(day)}).
		ToSql()
	if err != nil {
		return store.TrafficSummary{}, fmt.Errorf("building summary query: %w", err)
	}

	summary := store.TrafficSummary{Subject: subject, Day: day}
	var sessions, in, out, seconds int64
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&sessions, &in, &out, &seconds)
	if errors.Is(err, sql.ErrNoRows) {
		return store.TrafficSummary{}, store.ErrNotFound
	}
	if err != nil {
		return store.TrafficSummary{}, fmt.Errorf("%w: querying summary: %v", store.ErrUnavailable, err)
	}
	summary.SessionCount = uint64(sessions)
	summary.TotalInputBytes = uint64(in)
	summary.TotalOutputBytes = uint64(out)
	summary.TotalSessionSeconds = uint64(seconds)
	return summary, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for session scanning.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*store.Session, error) {
	var (
		s        store.Session
		nasPort  int64
		addr     sql.NullString
		state    string
		stopTime sql.NullTime
		cause    int64
		in, out  int64
	)
	err := row.Scan(
		&s.UniqueID,
		&s.SessionID,
		&s.Username,
		&s.NASIdentifier,
		&nasPort,
		&s.Pool,
		&addr,
		&state,
		&s.StartTime,
		&s.LastInterimTime,
		&stopTime,
		&cause,
		&in,
		&out,
		&s.Recovered,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scanning session: %v", store.ErrUnavailable, err)
	}

	s.NASPort = uint32(nasPort)
	s.State = store.SessionState(state)
	s.StopTime = stopTime.Time
	s.TerminateCause = uint32(cause)
	s.InputBytes = uint64(in)
	s.OutputBytes = uint64(out)
	if addr.Valid && addr.String != "" {
		parsed, err := netip.ParseAddr(addr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing framed address %q: %w", addr.String, err)
		}
		s.FramedAddress = parsed
	}
	return &s, nil
}

func addrValue(a netip.Addr) any {
	if !a.IsValid() {
		return nil
	}
	return a.String()
}

func timeValue(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// Interface compliance.
var (
	_ store.SessionStore = (*SessionStore)(nil)
	_ store.PoolStore    = (*PoolStore)(nil)
	_ store.SummaryStore = (*SummaryStore)(nil)
)
