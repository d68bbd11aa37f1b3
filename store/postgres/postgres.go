/*
Package postgres provides a gorm-backed implementation of the points and
clients stores, meant for PostgreSQL.

CONCURRENCY:
  Unlike the SQLite store there is no process-wide mutex. Inside WithTx:
  - GetEntry reads the entry row with SELECT ... FOR UPDATE
  - LockClient locks the owning client row the same way
  - UpdateEntry is guarded by WHERE status = <previous status>
  Two admins deciding the same entry queue on the entry row lock; the
  second one then sees the new status and gets ErrConcurrentModification.
  Decisions about different entries of one client queue on the client row,
  so balance checks never interleave.

  Lock order is always entry, then client.

  Clients.WithTx locks every client row it reads. SetReferrer reads the
  moved client and then each ancestor of the new referrer, so two crossed
  moves cannot both pass the cycle check. They either queue or one of them
  is aborted by deadlock detection and returned as a store error.

DIALECTS:
  Open() uses the Postgres driver. New() accepts any *gorm.DB, which is how
  tests run this store on SQLite (that dialect drops FOR UPDATE).
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/points-ledger/clients"
	"github.com/warp/points-ledger/points"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// =============================================================================
// MODELS
// =============================================================================

type clientModel struct {
	ID           string  `gorm:"primaryKey;type:varchar(36)"`
	Name         string  `gorm:"not null;default:''"`
	Email        string  `gorm:"not null;default:''"`
	ReferralCode string  `gorm:"uniqueIndex;not null"`
	ReferrerID   *string `gorm:"index;type:varchar(36)"`
	AgentStatus  string  `gorm:"not null;default:'none'"`
	Active       bool    `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (clientModel) TableName() string { return "clients" }

type entryModel struct {
	ID              string          `gorm:"primaryKey;type:varchar(36)"`
	ClientID        string          `gorm:"index:idx_points_entries_client,priority:1;not null;type:varchar(36)"`
	Value           decimal.Decimal `gorm:"type:numeric(20,4);not null"`
	Status          string          `gorm:"index;not null"`
	Origin          string          `gorm:"not null"`
	Comment         string          `gorm:"not null;default:''"`
	PartnerID       *string
	PartnerCertCode *string
	CreatedBy       string `gorm:"not null"`
	CreatedByID     string `gorm:"not null"`
	ProcessedByID   *string
	ProcessedAt     *time.Time
	CreatedAt       time.Time `gorm:"index:idx_points_entries_client,priority:2"`
	UpdatedAt       time.Time
}

func (entryModel) TableName() string { return "points_entries" }

// =============================================================================
// STORE
// =============================================================================

// Store implements points.TxStore.
type Store struct {
	db *gorm.DB
}

// Open connects to Postgres and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	return New(db)
}

// New migrates the schema on db and wraps it.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&clientModel{}, &entryModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle (for Close and health checks).
func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Clients() *Clients { return &Clients{db: s.db} }

func (s *Store) view(ctx context.Context) *entries {
	return &entries{db: s.db.WithContext(ctx)}
}

func (s *Store) GetEntry(ctx context.Context, id points.EntryID) (points.Entry, error) {
	return s.view(ctx).GetEntry(ctx, id)
}

func (s *Store) InsertEntry(ctx context.Context, e points.Entry) error {
	return s.view(ctx).InsertEntry(ctx, e)
}

func (s *Store) UpdateEntry(ctx context.Context, e points.Entry, expected points.Status) error {
	return s.view(ctx).UpdateEntry(ctx, e, expected)
}

func (s *Store) EntriesByClient(ctx context.Context, clientID points.ClientID) ([]points.Entry, error) {
	return s.view(ctx).EntriesByClient(ctx, clientID)
}

func (s *Store) LockClient(ctx context.Context, clientID points.ClientID) (bool, error) {
	return s.view(ctx).LockClient(ctx, clientID)
}

// WithTx runs fn in a database transaction with row locking enabled.
func (s *Store) WithTx(ctx context.Context, fn func(points.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&entries{db: tx, locking: true})
	})
}

// =============================================================================
// ENTRIES
// =============================================================================

type entries struct {
	db      *gorm.DB
	locking bool
}

func (v *entries) query() *gorm.DB {
	if v.locking {
		return v.db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return v.db
}

func (v *entries) GetEntry(_ context.Context, id points.EntryID) (points.Entry, error) {
	var m entryModel
	if err := v.query().Where("id = ?", string(id)).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return points.Entry{}, &points.NotFoundError{What: "entry", ID: string(id)}
		}
		return points.Entry{}, err
	}
	return m.toEntry(), nil
}

func (v *entries) InsertEntry(_ context.Context, e points.Entry) error {
	m := fromEntry(e)
	if err := v.db.Create(&m).Error; err != nil {
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	return nil
}

func (v *entries) UpdateEntry(_ context.Context, e points.Entry, expected points.Status) error {
	m := fromEntry(e)
	res := v.db.Model(&entryModel{}).
		Where("id = ? AND status = ?", m.ID, string(expected)).
		Updates(map[string]any{
			"status":            m.Status,
			"comment":           m.Comment,
			"partner_cert_code": m.PartnerCertCode,
			"processed_by_id":   m.ProcessedByID,
			"processed_at":      m.ProcessedAt,
			"updated_at":        m.UpdatedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update entry: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return points.ErrConcurrentModification
	}
	return nil
}

func (v *entries) EntriesByClient(_ context.Context, clientID points.ClientID) ([]points.Entry, error) {
	var ms []entryModel
	if err := v.db.Where("client_id = ?", string(clientID)).Order("created_at ASC, id ASC").Find(&ms).Error; err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	out := make([]points.Entry, len(ms))
	for i, m := range ms {
		out[i] = m.toEntry()
	}
	return out, nil
}

func (v *entries) LockClient(_ context.Context, clientID points.ClientID) (bool, error) {
	var m clientModel
	err := v.query().Select("id").Where("id = ?", string(clientID)).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}

func fromEntry(e points.Entry) entryModel {
	return entryModel{
		ID:              string(e.ID),
		ClientID:        string(e.ClientID),
		Value:           e.Value,
		Status:          string(e.Status),
		Origin:          string(e.Origin),
		Comment:         e.Comment,
		PartnerID:       optional(e.PartnerID),
		PartnerCertCode: optional(e.PartnerCertCode),
		CreatedBy:       string(e.CreatedBy),
		CreatedByID:     e.CreatedByID,
		ProcessedByID:   optional(e.ProcessedByID),
		ProcessedAt:     e.ProcessedAt,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
	}
}

func (m entryModel) toEntry() points.Entry {
	return points.Entry{
		ID:              points.EntryID(m.ID),
		ClientID:        points.ClientID(m.ClientID),
		Value:           m.Value,
		Status:          points.Status(m.Status),
		Origin:          points.Status(m.Origin),
		Comment:         m.Comment,
		PartnerID:       deref(m.PartnerID),
		PartnerCertCode: deref(m.PartnerCertCode),
		CreatedBy:       points.ActorKind(m.CreatedBy),
		CreatedByID:     m.CreatedByID,
		ProcessedByID:   deref(m.ProcessedByID),
		ProcessedAt:     m.ProcessedAt,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

// =============================================================================
// CLIENTS
// =============================================================================

// Clients implements clients.TxStore.
type Clients struct {
	db      *gorm.DB
	locking bool
}

// WithTx runs fn in a transaction where every client read locks its row.
func (c *Clients) WithTx(ctx context.Context, fn func(clients.Store) error) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(c.within(tx))
	})
}

func (c *Clients) within(tx *gorm.DB) *Clients {
	return &Clients{db: tx, locking: true}
}

func (c *Clients) query(ctx context.Context) *gorm.DB {
	q := c.db.WithContext(ctx)
	if c.locking {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return q
}

func (c *Clients) Get(ctx context.Context, id clients.ID) (clients.Client, error) {
	return c.first(ctx, "id = ?", string(id))
}

func (c *Clients) GetByReferralCode(ctx context.Context, code string) (clients.Client, error) {
	return c.first(ctx, "referral_code = ?", code)
}

func (c *Clients) first(ctx context.Context, where string, arg any) (clients.Client, error) {
	var m clientModel
	if err := c.query(ctx).Where(where, arg).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return clients.Client{}, clients.ErrClientNotFound
		}
		return clients.Client{}, err
	}
	return m.toClient(), nil
}

func (c *Clients) Insert(ctx context.Context, cl clients.Client) error {
	m := fromClient(cl)
	if err := c.db.WithContext(ctx).Create(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return clients.ErrReferralCodeTaken
		}
		return fmt.Errorf("failed to insert client: %w", err)
	}
	return nil
}

func (c *Clients) Update(ctx context.Context, cl clients.Client) error {
	m := fromClient(cl)
	res := c.db.WithContext(ctx).Model(&clientModel{}).
		Where("id = ?", m.ID).
		Updates(map[string]any{
			"name":         m.Name,
			"email":        m.Email,
			"referrer_id":  m.ReferrerID,
			"agent_status": m.AgentStatus,
			"active":       m.Active,
			"updated_at":   m.UpdatedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update client: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return clients.ErrClientNotFound
	}
	return nil
}

func (c *Clients) Children(ctx context.Context, id clients.ID) ([]clients.Client, error) {
	var ms []clientModel
	if err := c.db.WithContext(ctx).Where("referrer_id = ?", string(id)).Order("created_at ASC, id ASC").Find(&ms).Error; err != nil {
		return nil, fmt.Errorf("failed to query referrals: %w", err)
	}
	out := make([]clients.Client, len(ms))
	for i, m := range ms {
		out[i] = m.toClient()
	}
	return out, nil
}

func fromClient(c clients.Client) clientModel {
	m := clientModel{
		ID:           string(c.ID),
		Name:         c.Name,
		Email:        c.Email,
		ReferralCode: c.ReferralCode,
		AgentStatus:  string(c.AgentStatus),
		Active:       c.Active,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
	if c.ReferrerID != nil {
		ref := string(*c.ReferrerID)
		m.ReferrerID = &ref
	}
	return m
}

func (m clientModel) toClient() clients.Client {
	c := clients.Client{
		ID:           clients.ID(m.ID),
		Name:         m.Name,
		Email:        m.Email,
		ReferralCode: m.ReferralCode,
		AgentStatus:  clients.AgentStatus(m.AgentStatus),
		Active:       m.Active,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
	if m.ReferrerID != nil {
		ref := clients.ID(*m.ReferrerID)
		c.ReferrerID = &ref
	}
	return c
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
