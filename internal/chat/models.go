package chat

import "time"

// Turn is one wire-format transcript message, shared by the HTTP API, the
// chat service and the client session engine.
type Turn struct {
	Sender    string   `json:"sender"` // "user" | "model"
	Text      string   `json:"text"`
	Images    []string `json:"images,omitempty"` // data URLs, user turns only
	File      *FileRef `json:"file,omitempty"`
	ModelUsed string   `json:"modelUsed,omitempty"`
}

// FileRef describes a single attached file. Only image/* types are
// currently meaningful; they force vision routing.
type FileRef struct {
	Name string `json:"name,omitempty"`
	Type string `json:"type"`
	Data string `json:"data,omitempty"` // data URL
}

// HasImage reports whether the turn carries an image attachment.
func (t Turn) HasImage() bool {
	if len(t.Images) > 0 {
		return true
	}
	return t.File != nil && len(t.File.Type) >= 6 && t.File.Type[:6] == "image/"
}

type Chat struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	ChatID    string    `gorm:"type:varchar(26);uniqueIndex;not null" json:"chat_id"` // ULID
	OwnerID   string    `gorm:"type:varchar(80);index;not null" json:"-"`
	Title     string    `gorm:"type:varchar(64)" json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Chat) TableName() string { return "chats" }

type Message struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	ChatID    string    `gorm:"type:varchar(26);not null;index:idx_chat_msg_owner_chat,priority:2" json:"chat_id"`
	OwnerID   string    `gorm:"type:varchar(80);not null;index:idx_chat_msg_owner_chat,priority:1" json:"-"`
	Role      string    `gorm:"type:varchar(16);not null" json:"role"` // "user" | "model"
	Text      string    `gorm:"type:text;not null" json:"text"`
	Images    []string  `gorm:"serializer:json;type:text" json:"images,omitempty"`
	ModelUsed string    `gorm:"type:varchar(32)" json:"model_used,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

type Job struct {
	ID string `gorm:"primaryKey;size:26"` // ULID length

	OwnerID string `gorm:"type:varchar(80);index:uniq_owner_idempo,unique,priority:1;not null"`
	ChatID  string `gorm:"size:26;index;not null"`

	Regenerate bool
	UserStatus string `gorm:"type:varchar(16)"`

	IdempotencyKey *string `gorm:"type:varchar(128);index:uniq_owner_idempo,unique,priority:2" json:"idempotency_key"`

	Status JobStatus `gorm:"type:varchar(16);index;not null"`

	// Filled when succeeded
	ResultMessageID *uint64 `gorm:"index"`

	// Filled when failed
	Error *string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}
