package sessionclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tyemirov/campusauth/internal/database"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errEmptyKey = errors.New("kv_store.empty_key")

// DatabaseKeyValueStore persists client values using GORM.
type DatabaseKeyValueStore struct {
	db          *gorm.DB
	driverLabel string
}

type keyValueRecord struct {
	Key           string `gorm:"column:store_key;primaryKey"`
	Value         string `gorm:"column:value;not null"`
	UpdatedAtUnix int64  `gorm:"column:updated_at_unix;not null"`
}

func (keyValueRecord) TableName() string {
	return "client_kv"
}

// Driver exposes the selected database driver label.
func (store *DatabaseKeyValueStore) Driver() string {
	return store.driverLabel
}

// NewDatabaseKeyValueStore opens the database named by databaseURL
// (postgres:// or sqlite://) and migrates the client_kv table.
func NewDatabaseKeyValueStore(ctx context.Context, databaseURL string) (*DatabaseKeyValueStore, error) {
	gormDB, driverLabel, err := database.Open(ctx, databaseURL, &keyValueRecord{})
	if err != nil {
		return nil, fmt.Errorf("kv_store.open: %w", err)
	}
	return &DatabaseKeyValueStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// Get returns the value stored under key.
func (store *DatabaseKeyValueStore) Get(ctx context.Context, key string) (string, bool, error) {
	if strings.TrimSpace(key) == "" {
		return "", false, fmt.Errorf("kv_store.get.%s: %w", store.driverLabel, errEmptyKey)
	}
	var record keyValueRecord
	err := store.db.WithContext(ctx).Where("store_key = ?", key).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("kv_store.get.%s: %w", store.driverLabel, err)
	}
	return record.Value, true, nil
}

// Set upserts value under key.
func (store *DatabaseKeyValueStore) Set(ctx context.Context, key string, value string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("kv_store.set.%s: %w", store.driverLabel, errEmptyKey)
	}
	record := keyValueRecord{
		Key:           key,
		Value:         value,
		UpdatedAtUnix: time.Now().UTC().Unix(),
	}
	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "store_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at_unix"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("kv_store.set.%s: %w", store.driverLabel, err)
	}
	return nil
}

// Delete removes key; deleting a missing key is not an error.
func (store *DatabaseKeyValueStore) Delete(ctx context.Context, key string) error {
	if err := store.db.WithContext(ctx).Where("store_key = ?", key).Delete(&keyValueRecord{}).Error; err != nil {
		return fmt.Errorf("kv_store.delete.%s: %w", store.driverLabel, err)
	}
	return nil
}

// OpenKeyValueStore returns an in-memory store for an empty URL and a
// database-backed store otherwise.
func OpenKeyValueStore(ctx context.Context, databaseURL string) (KeyValueStore, string, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewMemoryKeyValueStore(), "memory", nil
	}
	store, err := NewDatabaseKeyValueStore(ctx, databaseURL)
	if err != nil {
		return nil, "", err
	}
	return store, store.Driver(), nil
}
