// Package apikey issues and validates the opaque long-lived keys that map a
// session-less client to a user identity. Only a one-way hash and a short
// display prefix ever reach the database; compromise of the backing store
// never discloses a usable key.
package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/pysugar/agent-nexus/internal/store"
)

// KeyPrefix is the fixed literal prefix of every issued key.
const KeyPrefix = "sk_live_"

// displayLen is how many characters of the key survive as the display prefix.
const displayLen = 12

// Generate returns a new plaintext key: the fixed prefix plus 32 bytes of
// cryptographically secure randomness, URL-safe encoded. The caller shows it
// to the user once and must not persist it.
func Generate() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("apikey: generate randomness: %w", err)
	}
	return KeyPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// Hash returns the SHA-256 hex digest of a plaintext key.
func Hash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// DisplayPrefix returns a safe truncated form for dashboards.
func DisplayPrefix(key string) string {
	if len(key) <= displayLen {
		return key
	}
	return key[:displayLen] + "..."
}

// Broker persists hashed keys against user records and resolves presented
// keys back to a user identity.
type Broker struct {
	store *store.Store
}

// NewBroker creates a Broker over the credential store.
func NewBroker(s *store.Store) *Broker {
	return &Broker{store: s}
}

// Issue generates a key for userID, stores its hash and display prefix, and
// returns the plaintext exactly once. An existing key is replaced only by an
// explicit call here, never silently.
func (b *Broker) Issue(userID string) (string, error) {
	if _, err := b.store.GetUser(userID); err != nil {
		return "", err
	}

	key, err := Generate()
	if err != nil {
		return "", err
	}

	now := time.Now()
	err = b.store.DB().Model(&store.User{}).Where("id = ?", userID).Updates(map[string]any{
		"api_key_hash":       Hash(key),
		"api_key_prefix":     DisplayPrefix(key),
		"api_key_created_at": &now,
		"api_key_last_used":  nil,
	}).Error
	if err != nil {
		return "", fmt.Errorf("apikey: store key: %w", err)
	}

	log.Printf("[APIKey] Issued key %s for user %s", DisplayPrefix(key), userID)
	return key, nil
}

// Validate resolves a plaintext key to its user id. The last-used timestamp
// is updated best-effort; a failed update never rejects the key.
func (b *Broker) Validate(key string) (string, error) {
	if key == "" {
		return "", store.ErrNotFound
	}

	var user store.User
	err := b.store.DB().Where("api_key_hash = ?", Hash(key)).First(&user).Error
	if err != nil {
		return "", store.ErrNotFound
	}

	// Best-effort; a failed timestamp write never rejects the key.
	now := time.Now()
	if err := b.store.DB().Model(&store.User{}).Where("id = ?", user.ID).
		Update("api_key_last_used", &now).Error; err != nil {
		log.Printf("[APIKey] Failed to update last_used for %s: %v", user.ID, err)
	}

	return user.ID, nil
}

// Revoke clears the stored hash so the key can never validate again.
func (b *Broker) Revoke(userID string) error {
	res := b.store.DB().Model(&store.User{}).Where("id = ?", userID).Updates(map[string]any{
		"api_key_hash":       "",
		"api_key_prefix":     "",
		"api_key_created_at": nil,
		"api_key_last_used":  nil,
	})
	if res.Error != nil {
		return fmt.Errorf("apikey: revoke: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	log.Printf("[APIKey] Revoked key for user %s", userID)
	return nil
}
