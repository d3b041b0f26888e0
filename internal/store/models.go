package store

import "time"

// User is the durable per-user record. Created only via the bootstrap path
// (primary-provider login), deduplicated by email.
type User struct {
	ID        string `gorm:"primaryKey"` // UUID
	Email     string `gorm:"uniqueIndex"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Services []ServiceCredential `gorm:"foreignKey:UserID"`

	// API key material. Only a one-way hash and a display prefix are
	// stored; the plaintext key exists transiently at issuance time.
	APIKeyHash      string `gorm:"index"`
	APIKeyPrefix    string
	APIKeyCreatedAt *time.Time
	APIKeyLastUsed  *time.Time
}

// ServiceCredential is one named per-provider credential block. At most one
// row exists per (user, provider). The Credentials column holds the
// encrypted JSON blob; Version guards concurrent writers.
type ServiceCredential struct {
	ID          string `gorm:"primaryKey"` // UUID
	UserID      string `gorm:"uniqueIndex:idx_user_provider"`
	Provider    string `gorm:"uniqueIndex:idx_user_provider"`
	Credentials string // AES-GCM encrypted JSON (Credentials struct)
	ConnectedAt time.Time
	Scopes      string // space-separated granted scopes
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Credentials is the decrypted contents of a ServiceCredential blob.
type Credentials struct {
	AccessToken  string            `json:"access_token"`
	RefreshToken string            `json:"refresh_token"`
	IssuedAt     time.Time         `json:"issued_at"`
	InstanceURL  string            `json:"instance_url,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Service pairs a decrypted credential block with its row metadata.
type Service struct {
	Provider    string
	Credentials Credentials
	ConnectedAt time.Time
	Scopes      string
	Version     int64
}
