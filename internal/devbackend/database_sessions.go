package devbackend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tyemirov/campusauth/internal/database"
	"gorm.io/gorm"
)

// DatabaseProviderSessionStore persists provider sessions using GORM.
type DatabaseProviderSessionStore struct {
	db          *gorm.DB
	driverLabel string
	clock       Clock
}

type providerSessionRecord struct {
	SessionID     string `gorm:"column:session_id;primaryKey"`
	UserID        string `gorm:"column:user_id;index;not null"`
	TokenHash     string `gorm:"column:token_hash;uniqueIndex;not null"`
	ExpiresUnix   int64  `gorm:"column:expires_unix;not null"`
	RevokedAtUnix int64  `gorm:"column:revoked_at_unix;not null;default:0"`
	IssuedAtUnix  int64  `gorm:"column:issued_at_unix;not null"`
}

func (providerSessionRecord) TableName() string {
	return "provider_sessions"
}

// Driver exposes the selected database driver label.
func (store *DatabaseProviderSessionStore) Driver() string {
	return store.driverLabel
}

// NewDatabaseProviderSessionStore opens databaseURL and migrates the
// provider_sessions table.
func NewDatabaseProviderSessionStore(ctx context.Context, databaseURL string, clock Clock) (*DatabaseProviderSessionStore, error) {
	gormDB, driverLabel, err := database.Open(ctx, databaseURL, &providerSessionRecord{})
	if err != nil {
		return nil, fmt.Errorf("devbackend.session.open: %w", err)
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &DatabaseProviderSessionStore{db: gormDB, driverLabel: driverLabel, clock: clock}, nil
}

// Issue inserts a new session record.
func (store *DatabaseProviderSessionStore) Issue(ctx context.Context, userID string, expiresUnix int64) (string, string, error) {
	now := store.clock.Now()
	opaque, randomErr := generateOpaque()
	if randomErr != nil {
		return "", "", fmt.Errorf("devbackend.session.issue.%s: %w", store.driverLabel, randomErr)
	}
	record := providerSessionRecord{
		SessionID:    uuid.NewString(),
		UserID:       userID,
		TokenHash:    hashOpaque(opaque),
		ExpiresUnix:  expiresUnix,
		IssuedAtUnix: now.Unix(),
	}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		return "", "", fmt.Errorf("devbackend.session.issue.%s: %w", store.driverLabel, err)
	}
	return record.SessionID, opaque, nil
}

// Validate locates a session by its opaque cookie value.
func (store *DatabaseProviderSessionStore) Validate(ctx context.Context, opaque string) (string, string, int64, error) {
	if strings.TrimSpace(opaque) == "" {
		return "", "", 0, fmt.Errorf("devbackend.session.validate.%s: %w", store.driverLabel, ErrSessionEmptyOpaque)
	}
	var record providerSessionRecord
	err := store.db.WithContext(ctx).Where("token_hash = ?", hashOpaque(opaque)).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", "", 0, fmt.Errorf("devbackend.session.validate.%s: %w", store.driverLabel, ErrSessionNotFound)
		}
		return "", "", 0, fmt.Errorf("devbackend.session.validate.%s: %w", store.driverLabel, err)
	}
	if record.RevokedAtUnix != 0 {
		return "", "", 0, fmt.Errorf("devbackend.session.validate.%s: %w", store.driverLabel, ErrSessionRevoked)
	}
	if time.Unix(record.ExpiresUnix, 0).Before(store.clock.Now()) {
		return "", "", 0, fmt.Errorf("devbackend.session.validate.%s: %w", store.driverLabel, ErrSessionExpired)
	}
	return record.UserID, record.SessionID, record.ExpiresUnix, nil
}

// Revoke marks a session as ended. Revoking twice is not an error.
func (store *DatabaseProviderSessionStore) Revoke(ctx context.Context, sessionID string) error {
	result := store.db.WithContext(ctx).Model(&providerSessionRecord{}).
		Where("session_id = ? AND revoked_at_unix = 0", sessionID).
		Update("revoked_at_unix", store.clock.Now().Unix())
	if result.Error != nil {
		return fmt.Errorf("devbackend.session.revoke.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	var record providerSessionRecord
	findErr := store.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&record).Error
	if errors.Is(findErr, gorm.ErrRecordNotFound) {
		return fmt.Errorf("devbackend.session.revoke.%s: %w", store.driverLabel, ErrSessionNotFound)
	}
	if findErr != nil {
		return fmt.Errorf("devbackend.session.revoke.%s: %w", store.driverLabel, findErr)
	}
	return nil
}

// OpenProviderSessionStore returns an in-memory store for an empty URL and a
// database-backed store otherwise, along with the driver label.
func OpenProviderSessionStore(ctx context.Context, databaseURL string, clock Clock) (ProviderSessionStore, string, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewMemoryProviderSessionStore(clock), "memory", nil
	}
	store, err := NewDatabaseProviderSessionStore(ctx, databaseURL, clock)
	if err != nil {
		return nil, "", err
	}
	return store, store.Driver(), nil
}
