package trade

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore is the PostgreSQL-backed Store. Every InTx runs one database
// transaction; unique indexes on intent, broker order, and fill natural
// keys enforce the identity invariants.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps a connection.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate creates the trade-domain tables.
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(&Intent{}, &Order{}, &Fill{}, &InboxRecord{}, &OutboxRecord{})
}

// InTx implements Store.
func (s *GormStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

// Intent implements Store.
func (s *GormStore) Intent(ctx context.Context, id string) (*Intent, error) {
	var intent Intent
	err := s.db.WithContext(ctx).First(&intent, "intent_id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUnknownIntent
	}
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

// SaveIntent implements Store.
func (s *GormStore) SaveIntent(ctx context.Context, intent *Intent) error {
	return s.db.WithContext(ctx).Save(intent).Error
}

// IntentsByState implements Store.
func (s *GormStore) IntentsByState(ctx context.Context, state IntentState, limit int) ([]*Intent, error) {
	var intents []*Intent
	q := s.db.WithContext(ctx).
		Where("state = ? AND halted = ?", state, false).
		Order("intent_id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&intents).Error; err != nil {
		return nil, err
	}
	return intents, nil
}

// AcquireLease implements Store with a single conditional update.
func (s *GormStore) AcquireLease(ctx context.Context, id, owner string, ttl time.Duration, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Intent{}).
		Where("intent_id = ? AND (lease_expires_at < ? OR lease_owner = ? OR lease_owner = '')", id, now, owner).
		Updates(map[string]any{
			"lease_owner":      owner,
			"lease_expires_at": now.Add(ttl),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Inbox implements Store.
func (s *GormStore) Inbox(ctx context.Context, id string) (*InboxRecord, error) {
	var rec InboxRecord
	err := s.db.WithContext(ctx).First(&rec, "intent_id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SaveInbox implements Store.
func (s *GormStore) SaveInbox(ctx context.Context, rec *InboxRecord) error {
	return s.db.WithContext(ctx).Save(rec).Error
}

// SaveOrder implements Store.
func (s *GormStore) SaveOrder(ctx context.Context, order *Order) error {
	return s.db.WithContext(ctx).Save(order).Error
}

// OrderByIntent implements Store.
func (s *GormStore) OrderByIntent(ctx context.Context, id string) (*Order, error) {
	var order Order
	err := s.db.WithContext(ctx).First(&order, "intent_id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// OrderByBroker implements Store.
func (s *GormStore) OrderByBroker(ctx context.Context, id string) (*Order, error) {
	var order Order
	err := s.db.WithContext(ctx).First(&order, "broker_order_id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// InsertFill implements Store. The primary key on the natural key makes
// the insert race-free; on conflict the existing row is returned.
func (s *GormStore) InsertFill(ctx context.Context, fill *Fill) (bool, *Fill, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(fill)
	if res.Error != nil {
		return false, nil, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil, nil
	}
	var existing Fill
	if err := s.db.WithContext(ctx).First(&existing, "natural_key = ?", fill.NaturalKey).Error; err != nil {
		return false, nil, err
	}
	return false, &existing, nil
}

// AppendOutbox implements Store.
func (s *GormStore) AppendOutbox(ctx context.Context, rec *OutboxRecord) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

// PendingOutbox implements Store.
func (s *GormStore) PendingOutbox(ctx context.Context, limit int) ([]*OutboxRecord, error) {
	var out []*OutboxRecord
	q := s.db.WithContext(ctx).Where("sent_at IS NULL").Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// MarkOutboxSent implements Store.
func (s *GormStore) MarkOutboxSent(ctx context.Context, id uint64, at time.Time) error {
	return s.db.WithContext(ctx).Model(&OutboxRecord{}).
		Where("id = ?", id).
		Update("sent_at", at).Error
}
