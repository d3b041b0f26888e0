// Package store is the durable per-user credential store. Each user and each
// (user, provider) credential block is its own keyed row; credential rows
// carry a version column so concurrent writers never silently clobber each
// other's updates.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrNotFound means the requested user or credential does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict means a versioned write lost to a concurrent update.
	ErrConflict = errors.New("store: version conflict")
)

// Store wraps the database and the at-rest cipher.
type Store struct {
	db     *gorm.DB
	cipher *Cipher
}

// Open opens the SQLite database at path and runs migrations.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	if err := db.AutoMigrate(&User{}, &ServiceCredential{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return db, nil
}

// New creates a Store over an already-migrated database.
func New(db *gorm.DB, cipher *Cipher) *Store {
	return &Store{db: db, cipher: cipher}
}

// DB exposes the underlying handle for collaborators that manage their own
// tables (API key broker, audit log).
func (s *Store) DB() *gorm.DB { return s.db }

// Bootstrap returns the user for email, creating the record on first
// primary-provider login. This is the only path that creates users; tool
// calls and secondary providers never create one implicitly.
func (s *Store) Bootstrap(email string) (*User, error) {
	var user User
	err := s.db.Where("email = ?", email).First(&user).Error
	if err == nil {
		return &user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("store: lookup user: %w", err)
	}

	user = User{
		ID:    uuid.New().String(),
		Email: email,
	}
	if err := s.db.Create(&user).Error; err != nil {
		return nil, fmt.Errorf("store: create user: %w", err)
	}
	log.Printf("[Store] Created user %s for %s", user.ID, email)
	return &user, nil
}

// GetUser reads one user record by id.
func (s *Store) GetUser(userID string) (*User, error) {
	var user User
	if err := s.db.Where("id = ?", userID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: read user: %w", err)
	}
	return &user, nil
}

// GetUserByEmail reads one user record by email.
func (s *Store) GetUserByEmail(email string) (*User, error) {
	var user User
	if err := s.db.Where("email = ?", email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: read user: %w", err)
	}
	return &user, nil
}

// UpsertService fully replaces the credential block for (userID, provider),
// preserving the row id and bumping the version. The user must already exist.
func (s *Store) UpsertService(userID, provider string, creds Credentials, scopes string) error {
	if _, err := s.GetUser(userID); err != nil {
		return err
	}

	blob, err := s.sealCredentials(creds)
	if err != nil {
		return err
	}

	var row ServiceCredential
	err = s.db.Where("user_id = ? AND provider = ?", userID, provider).First(&row).Error
	switch {
	case err == nil:
		updates := map[string]any{
			"credentials":  blob,
			"connected_at": time.Now(),
			"scopes":       scopes,
			"version":      row.Version + 1,
		}
		res := s.db.Model(&ServiceCredential{}).
			Where("id = ? AND version = ?", row.ID, row.Version).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("store: replace credential: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		row = ServiceCredential{
			ID:          uuid.New().String(),
			UserID:      userID,
			Provider:    provider,
			Credentials: blob,
			ConnectedAt: time.Now(),
			Scopes:      scopes,
			Version:     1,
		}
		if err := s.db.Create(&row).Error; err != nil {
			return fmt.Errorf("store: create credential: %w", err)
		}
	default:
		return fmt.Errorf("store: lookup credential: %w", err)
	}

	log.Printf("[Store] Connected provider %s for user %s", provider, userID)
	return nil
}

// GetService returns the decrypted credential block for (userID, provider).
func (s *Store) GetService(userID, provider string) (*Service, error) {
	var row ServiceCredential
	err := s.db.Where("user_id = ? AND provider = ?", userID, provider).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: read credential: %w", err)
	}

	creds, err := s.openCredentials(row.Credentials)
	if err != nil {
		return nil, err
	}
	return &Service{
		Provider:    row.Provider,
		Credentials: creds,
		ConnectedAt: row.ConnectedAt,
		Scopes:      row.Scopes,
		Version:     row.Version,
	}, nil
}

// ListServices returns the providers the user has connected.
func (s *Store) ListServices(userID string) ([]Service, error) {
	var rows []ServiceCredential
	if err := s.db.Where("user_id = ?", userID).Order("provider").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list credentials: %w", err)
	}
	services := make([]Service, 0, len(rows))
	for _, row := range rows {
		// Connected-provider listings don't need token material.
		services = append(services, Service{
			Provider:    row.Provider,
			ConnectedAt: row.ConnectedAt,
			Scopes:      row.Scopes,
			Version:     row.Version,
		})
	}
	return services, nil
}

// UpdateServiceTokens applies a refresh result: only the access token,
// issued-at, and (when the provider rotated it) the refresh token change.
// The write is conditional on version; a concurrent writer causes
// ErrConflict and nothing is persisted.
func (s *Store) UpdateServiceTokens(userID, provider string, version int64, creds Credentials) error {
	blob, err := s.sealCredentials(creds)
	if err != nil {
		return err
	}

	res := s.db.Model(&ServiceCredential{}).
		Where("user_id = ? AND provider = ? AND version = ?", userID, provider, version).
		Updates(map[string]any{
			"credentials": blob,
			"version":     version + 1,
		})
	if res.Error != nil {
		return fmt.Errorf("store: update tokens: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// RemoveService disconnects a provider, deleting its credential row.
func (s *Store) RemoveService(userID, provider string) error {
	res := s.db.Where("user_id = ? AND provider = ?", userID, provider).
		Delete(&ServiceCredential{})
	if res.Error != nil {
		return fmt.Errorf("store: remove credential: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	log.Printf("[Store] Disconnected provider %s for user %s", provider, userID)
	return nil
}

func (s *Store) sealCredentials(creds Credentials) (string, error) {
	plain, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("store: encode credentials: %w", err)
	}
	blob, err := s.cipher.Encrypt(plain)
	if err != nil {
		return "", err
	}
	return blob, nil
}

func (s *Store) openCredentials(blob string) (Credentials, error) {
	var creds Credentials
	plain, err := s.cipher.Decrypt(blob)
	if err != nil {
		return creds, err
	}
	if err := json.Unmarshal(plain, &creds); err != nil {
		return creds, fmt.Errorf("store: decode credentials: %w", err)
	}
	return creds, nil
}
