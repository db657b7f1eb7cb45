package models

import "time"

// Message is one inbound or outbound unit of conversation.
type Message struct {
	ID             uint    `gorm:"primaryKey;autoIncrement"`
	ExternalID     *string `gorm:"size:128;uniqueIndex"`
	ConversationID string  `gorm:"size:128;index"`
	Sender         string  `gorm:"size:128;index"`
	Role           string  `gorm:"size:16;not null;default:user"`
	Kind           string  `gorm:"size:16;not null;default:inbound"`
	ReplyToID      *uint   `gorm:"index"`
	FollowUp       int     `gorm:"default:0"`
	Body           string  `gorm:"type:text"`
	Status         string  `gorm:"size:16;not null;default:pending;index"`
	FailureReason  string  `gorm:"type:text"`
	TraceID        string  `gorm:"size:64;index"`
	SchemaVersion  int     `gorm:"default:0"`
	ClaimedAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DeadLetter is a payload the pipeline gave up on, kept for operator review.
type DeadLetter struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Payload     []byte `gorm:"type:blob"`
	Headers     string `gorm:"type:text"`
	SourceQueue string `gorm:"size:128;index"`
	RoutingKey  string `gorm:"size:128"`
	Reason      string `gorm:"type:text"`
	TraceID     string `gorm:"size:64;index"`
	RetryCount  int    `gorm:"default:0"`
	Status      string `gorm:"size:16;not null;default:unresolved;index"`
	FailedAt    time.Time
	ResolvedAt  *time.Time
}
