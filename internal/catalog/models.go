package catalog

import (
	"time"

	"github.com/mysqlgate/mysqlgate/internal/policy"
)

// Connection is a registered MySQL server with encrypted credentials.
// The stored password is a sealed record; decryption goes through the
// keystore, never through this struct.
type Connection struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Host           string    `json:"host"`
	Port           int       `json:"port"`
	User           string    `json:"user"`
	SealedPassword string    `json:"-"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Database is one schema on a connection, addressed by its catalog-wide alias.
type Database struct {
	ID           string             `json:"id"`
	ConnectionID string             `json:"connectionId"`
	RealName     string             `json:"realName"`
	Alias        string             `json:"alias"`
	Enabled      bool               `json:"enabled"`
	LastAccessed time.Time          `json:"lastAccessed"`
	Permissions  policy.Permissions `json:"permissions"`
}

// User is a UI account.
type User struct {
	ID                 string    `json:"id"`
	Username           string    `json:"username"`
	PasswordHash       string    `json:"-"`
	CreatedAt          time.Time `json:"createdAt"`
	LastLogin          time.Time `json:"lastLogin"`
	Active             bool      `json:"active"`
	MustChangePassword bool      `json:"mustChangePassword"`
}

// APIKey is a bearer credential for agent clients. Secret is populated only
// when the key is created; list operations expose Preview instead.
type APIKey struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Secret     string    `json:"secret,omitempty"`
	Preview    string    `json:"preview,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
	Active     bool      `json:"active"`
}

// LogEntry is one audited request.
type LogEntry struct {
	ID         int64     `json:"id"`
	APIKeyID   string    `json:"apiKeyId,omitempty"`
	UserID     string    `json:"userId,omitempty"`
	Endpoint   string    `json:"endpoint"`
	Method     string    `json:"method"`
	Request    string    `json:"request"`
	Response   string    `json:"response"`
	Status     int       `json:"status"`
	DurationMS int64     `json:"durationMs"`
	CreatedAt  time.Time `json:"createdAt"`
}

// LogFilter narrows QueryLogs.
type LogFilter struct {
	Endpoint string
	APIKeyID string
	UserID   string
	Status   int
	Since    time.Time
	Until    time.Time
}

// LogStats summarizes the request log.
type LogStats struct {
	Total         int64   `json:"total"`
	Errors        int64   `json:"errors"`
	AvgDurationMS float64 `json:"avgDurationMs"`
}

// Well-known setting keys.
const (
	SettingCurrentDatabaseAlias = "currentDatabaseAlias"
	SettingMCPEnabled           = "mcpEnabled"
	SettingMaxActiveDatabases   = "maxActiveDatabases"
	SettingMaxActiveConnections = "maxActiveConnections"
	SettingCurrentConnectionID  = "currentConnectionId"
)

// Defaults for the capacity settings.
const (
	DefaultMaxActiveDatabases   = 10
	DefaultMaxActiveConnections = 5
)
