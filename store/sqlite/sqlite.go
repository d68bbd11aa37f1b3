/*
Package sqlite provides a SQLite-backed implementation of the points and
clients stores.

INTERFACES IMPLEMENTED:
  points.TxStore:  Ledger entries (Store itself)
  clients.TxStore: Client directory (Store.Clients())

KEY TABLES:
  clients:        Directory and referral tree (referrer_id self reference)
  points_entries: Ledger rows; status changes only through a CAS update

INDEXES:
  - idx_points_entries_client: Balance replay (hot path)
  - idx_clients_referrer:      Referral children lookup
  - clients.referral_code UNIQUE

CONCURRENCY:
  SQLite has a single writer. WithTx holds the store mutex for the whole
  transaction, which also serializes decisions per client, so LockClient is
  an existence check. The pool is capped at one connection so ":memory:"
  databases are shared by every call.

USAGE:
  store, err := sqlite.New("./data/points.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := points.NewService(store, points.Options{})
  dir := clients.NewDirectory(store.Clients(), clients.Options{})

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - points/store.go: Interface definitions
  - store/memory: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/points-ledger/clients"
	"github.com/warp/points-ledger/points"
)

// timeLayout sorts lexically in UTC.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements points.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Clients returns the client directory view of the store.
func (s *Store) Clients() *Clients {
	return &Clients{s: s}
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS clients (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		referral_code TEXT NOT NULL UNIQUE,
		referrer_id TEXT REFERENCES clients(id),
		agent_status TEXT NOT NULL DEFAULT 'none',
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_clients_referrer
		ON clients(referrer_id) WHERE referrer_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS points_entries (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL REFERENCES clients(id),
		value TEXT NOT NULL,
		status TEXT NOT NULL,
		origin TEXT NOT NULL,
		comment TEXT NOT NULL DEFAULT '',
		partner_id TEXT,
		partner_cert_code TEXT,
		created_by TEXT NOT NULL,
		created_by_id TEXT NOT NULL,
		processed_by_id TEXT,
		processed_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_points_entries_client
		ON points_entries(client_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_points_entries_status
		ON points_entries(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// POINTS STORE (points.Store interface)
// =============================================================================

const entryColumns = `id, client_id, value, status, origin, comment, partner_id, partner_cert_code,
	created_by, created_by_id, processed_by_id, processed_at, created_at, updated_at`

func (s *Store) GetEntry(ctx context.Context, id points.EntryID) (points.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getEntry(ctx, s.db, id)
}

func (s *Store) InsertEntry(ctx context.Context, e points.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertEntry(ctx, s.db, e)
}

func (s *Store) UpdateEntry(ctx context.Context, e points.Entry, expected points.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateEntry(ctx, s.db, e, expected)
}

func (s *Store) EntriesByClient(ctx context.Context, clientID points.ClientID) ([]points.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return entriesByClient(ctx, s.db, clientID)
}

func (s *Store) LockClient(ctx context.Context, clientID points.ClientID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clientExists(ctx, s.db, clientID)
}

func getEntry(ctx context.Context, q querier, id points.EntryID) (points.Entry, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+entryColumns+` FROM points_entries WHERE id = ?`, id)
	if err != nil {
		return points.Entry{}, fmt.Errorf("failed to query entry: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return points.Entry{}, err
		}
		return points.Entry{}, &points.NotFoundError{What: "entry", ID: string(id)}
	}
	return scanEntry(rows)
}

func insertEntry(ctx context.Context, q querier, e points.Entry) error {
	query := `
		INSERT INTO points_entries (` + entryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := q.ExecContext(ctx, query,
		e.ID,
		e.ClientID,
		e.Value.String(),
		e.Status,
		e.Origin,
		e.Comment,
		nullString(e.PartnerID),
		nullString(e.PartnerCertCode),
		e.CreatedBy,
		e.CreatedByID,
		nullString(e.ProcessedByID),
		nullTime(e.ProcessedAt),
		formatTime(e.CreatedAt),
		formatTime(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	return nil
}

// updateEntry writes the mutable columns only if the row is still in
// expected. Value, client and origin are never rewritten.
func updateEntry(ctx context.Context, q querier, e points.Entry, expected points.Status) error {
	query := `
		UPDATE points_entries
		SET status = ?, comment = ?, partner_cert_code = ?,
		    processed_by_id = ?, processed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`
	res, err := q.ExecContext(ctx, query,
		e.Status,
		e.Comment,
		nullString(e.PartnerCertCode),
		nullString(e.ProcessedByID),
		nullTime(e.ProcessedAt),
		formatTime(e.UpdatedAt),
		e.ID,
		expected,
	)
	if err != nil {
		return fmt.Errorf("failed to update entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return points.ErrConcurrentModification
	}
	return nil
}

func entriesByClient(ctx context.Context, q querier, clientID points.ClientID) ([]points.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM points_entries WHERE client_id = ? ORDER BY created_at ASC, id ASC`
	rows, err := q.QueryContext(ctx, query, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []points.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func clientExists(ctx context.Context, q querier, clientID points.ClientID) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM clients WHERE id = ?", clientID).Scan(&count)
	return count > 0, err
}

func scanEntry(rows *sql.Rows) (points.Entry, error) {
	var (
		e               points.Entry
		value           string
		partnerID       sql.NullString
		partnerCertCode sql.NullString
		processedByID   sql.NullString
		processedAt     sql.NullString
		createdAt       string
		updatedAt       string
	)

	err := rows.Scan(
		&e.ID, &e.ClientID, &value, &e.Status, &e.Origin, &e.Comment,
		&partnerID, &partnerCertCode, &e.CreatedBy, &e.CreatedByID,
		&processedByID, &processedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	if e.Value, err = decimal.NewFromString(value); err != nil {
		return e, fmt.Errorf("entry %s has invalid value %q: %w", e.ID, value, err)
	}
	e.PartnerID = partnerID.String
	e.PartnerCertCode = partnerCertCode.String
	e.ProcessedByID = processedByID.String
	if processedAt.Valid {
		t := parseTime(processedAt.String)
		e.ProcessedAt = &t
	}
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	return e, nil
}

// =============================================================================
// TRANSACTIONAL STORE (points.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store points.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore must only use tx: the pool has a single connection, held by tx.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetEntry(ctx context.Context, id points.EntryID) (points.Entry, error) {
	return getEntry(ctx, ts.tx, id)
}

func (ts *txStore) InsertEntry(ctx context.Context, e points.Entry) error {
	return insertEntry(ctx, ts.tx, e)
}

func (ts *txStore) UpdateEntry(ctx context.Context, e points.Entry, expected points.Status) error {
	return updateEntry(ctx, ts.tx, e, expected)
}

func (ts *txStore) EntriesByClient(ctx context.Context, clientID points.ClientID) ([]points.Entry, error) {
	return entriesByClient(ctx, ts.tx, clientID)
}

func (ts *txStore) LockClient(ctx context.Context, clientID points.ClientID) (bool, error) {
	return clientExists(ctx, ts.tx, clientID)
}

// =============================================================================
// CLIENTS STORE (clients.TxStore interface)
// =============================================================================

const clientColumns = `id, name, email, referral_code, referrer_id, agent_status, active, created_at, updated_at`

// Clients implements clients.TxStore on the same database.
type Clients struct {
	s *Store
}

func (c *Clients) Get(ctx context.Context, id clients.ID) (clients.Client, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	return getClient(ctx, c.s.db, "id = ?", id)
}

func (c *Clients) GetByReferralCode(ctx context.Context, code string) (clients.Client, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	return getClient(ctx, c.s.db, "referral_code = ?", code)
}

func (c *Clients) Insert(ctx context.Context, cl clients.Client) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return insertClient(ctx, c.s.db, cl)
}

func (c *Clients) Update(ctx context.Context, cl clients.Client) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return updateClient(ctx, c.s.db, cl)
}

func (c *Clients) Children(ctx context.Context, id clients.ID) ([]clients.Client, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	return childClients(ctx, c.s.db, id)
}

func (c *Clients) WithTx(ctx context.Context, fn func(clients.Store) error) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	sqlTx, err := c.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&clientsTx{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type clientsTx struct {
	tx *sql.Tx
}

func (ct *clientsTx) Get(ctx context.Context, id clients.ID) (clients.Client, error) {
	return getClient(ctx, ct.tx, "id = ?", id)
}

func (ct *clientsTx) GetByReferralCode(ctx context.Context, code string) (clients.Client, error) {
	return getClient(ctx, ct.tx, "referral_code = ?", code)
}

func (ct *clientsTx) Insert(ctx context.Context, cl clients.Client) error {
	return insertClient(ctx, ct.tx, cl)
}

func (ct *clientsTx) Update(ctx context.Context, cl clients.Client) error {
	return updateClient(ctx, ct.tx, cl)
}

func (ct *clientsTx) Children(ctx context.Context, id clients.ID) ([]clients.Client, error) {
	return childClients(ctx, ct.tx, id)
}

func getClient(ctx context.Context, q querier, where string, arg any) (clients.Client, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE `+where, arg)
	if err != nil {
		return clients.Client{}, fmt.Errorf("failed to query client: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return clients.Client{}, err
		}
		return clients.Client{}, clients.ErrClientNotFound
	}
	return scanClient(rows)
}

func insertClient(ctx context.Context, q querier, cl clients.Client) error {
	query := `INSERT INTO clients (` + clientColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, query,
		cl.ID,
		cl.Name,
		cl.Email,
		cl.ReferralCode,
		nullID(cl.ReferrerID),
		cl.AgentStatus,
		cl.Active,
		formatTime(cl.CreatedAt),
		formatTime(cl.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return clients.ErrReferralCodeTaken
		}
		return fmt.Errorf("failed to insert client: %w", err)
	}
	return nil
}

func updateClient(ctx context.Context, q querier, cl clients.Client) error {
	query := `
		UPDATE clients
		SET name = ?, email = ?, referrer_id = ?, agent_status = ?, active = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := q.ExecContext(ctx, query,
		cl.Name,
		cl.Email,
		nullID(cl.ReferrerID),
		cl.AgentStatus,
		cl.Active,
		formatTime(cl.UpdatedAt),
		cl.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update client: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return clients.ErrClientNotFound
	}
	return nil
}

func childClients(ctx context.Context, q querier, id clients.ID) ([]clients.Client, error) {
	query := `SELECT ` + clientColumns + ` FROM clients WHERE referrer_id = ? ORDER BY created_at ASC, id ASC`
	rows, err := q.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query referrals: %w", err)
	}
	defer rows.Close()

	var out []clients.Client
	for rows.Next() {
		cl, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cl)
	}
	return out, rows.Err()
}

func scanClient(rows *sql.Rows) (clients.Client, error) {
	var (
		cl         clients.Client
		referrerID sql.NullString
		createdAt  string
		updatedAt  string
	)
	err := rows.Scan(
		&cl.ID, &cl.Name, &cl.Email, &cl.ReferralCode, &referrerID,
		&cl.AgentStatus, &cl.Active, &createdAt, &updatedAt,
	)
	if err != nil {
		return cl, fmt.Errorf("failed to scan client: %w", err)
	}
	if referrerID.Valid {
		id := clients.ID(referrerID.String)
		cl.ReferrerID = &id
	}
	cl.CreatedAt = parseTime(createdAt)
	cl.UpdatedAt = parseTime(updatedAt)
	return cl, nil
}

// Reset deletes all data (for testing).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"points_entries", "clients"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullID(id *clients.ID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return nullString(string(*id))
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
