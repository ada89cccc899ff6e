package models

import "time"

type User struct {
	ID             string
	Username       string
	PasswordHash   string
	SecretQuestion string
	SecretAnswer   string
	CreatedAt      time.Time
	LastLoginAt    *time.Time
}

// IsAdmin reports whether this account is the single hardcoded superuser.
func (u User) IsAdmin() bool { return u.Username == "admin" }

type Alias struct {
	ID        string    `json:"id"`
	UserID    string    `json:"-"`
	Name      string    `json:"name"`
	TargetURL string    `json:"target_url"`
	CreatedAt time.Time `json:"created_at"`
}

type Session struct {
	ID            string
	UserID        string
	TokenHash     string
	IPHint        string
	UserAgentHash string
	ExpiresAt     time.Time
	IdleExpiresAt time.Time
	CreatedAt     time.Time
	LastSeenAt    time.Time
	RevokedAt     *time.Time
}

type CommandStatus string

const (
	CommandPending  CommandStatus = "pending"
	CommandConsumed CommandStatus = "consumed"
)

// PendingCommand is the single outstanding "open this gate" intent per
// (user, gate alias). A new trigger overwrites the previous record.
type PendingCommand struct {
	ID          string        `json:"id"`
	UserID      string        `json:"-"`
	Account     string        `json:"account"`
	GateAlias   string        `json:"gate_alias"`
	Action      string        `json:"action"`
	RequestedBy string        `json:"requested_by"`
	Status      CommandStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
	ConsumedAt  *time.Time    `json:"consumed_at,omitempty"`
}

type DeviceToken struct {
	ID        string
	UserID    string
	Token     string
	CreatedAt time.Time
}

type AuditEntry struct {
	ID           string    `json:"id"`
	ActorUserID  string    `json:"actor_user_id"`
	Action       string    `json:"action"`
	Target       string    `json:"target"`
	MetadataJSON string    `json:"metadata_json"`
	CreatedAt    time.Time `json:"created_at"`
}
