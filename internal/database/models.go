package database

import "time"

// RouterConnection is one tenant's router API endpoint.
type RouterConnection struct {
	ID                uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	TenantID          string     `gorm:"not null;index;uniqueIndex:idx_tenant_router" json:"tenant_id"`
	Name              string     `gorm:"not null;uniqueIndex:idx_tenant_router" json:"name"`
	Host              string     `gorm:"not null;index" json:"host"`
	Port              int        `gorm:"not null;default:0" json:"port"`
	Username          string     `gorm:"not null" json:"username"`
	PasswordEncrypted string     `json:"-"` // Fernet-encrypted
	TLS               bool       `gorm:"not null;default:false" json:"tls"`
	TimeoutMS         int        `gorm:"not null;default:15000" json:"timeout_ms"`
	IsPrimary         bool       `gorm:"not null;default:false" json:"is_primary"`
	LastVerifiedAt    *time.Time `json:"last_verified_at,omitempty"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// RouterEvent is one audited router API attempt.
type RouterEvent struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	RequestID  string    `gorm:"index;size:64" json:"request_id"`
	TenantID   string    `gorm:"not null;index" json:"tenant_id"`
	Host       string    `gorm:"index" json:"host"`
	Port       int       `json:"port"`
	Kind       string    `gorm:"not null;size:32" json:"kind"`
	Command    string    `json:"command"`
	Args       string    `gorm:"type:text" json:"args"` // JSON array, sensitive values redacted
	WordsCount int       `json:"words_count"`
	OK         bool      `gorm:"index" json:"ok"`
	LatencyMS  int64     `json:"latency_ms"`
	Error      string    `gorm:"type:text" json:"error,omitempty"`
	Attempt    int       `json:"attempt"`
	At         time.Time `gorm:"not null;index" json:"at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
