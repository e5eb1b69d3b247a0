package models

import (
	"fmt"
	"time"
)

// Reserved sender/recipient identities that are not roster agents.
const (
	SenderSystem = "system"
	SenderPM     = "pm"
	SenderUser   = "user"
)

// Priority orders message delivery. Lower Rank is delivered first.
type Priority string

const (
	PriorityCritical   Priority = "critical"
	PriorityHigh       Priority = "high"
	PriorityNormal     Priority = "normal"
	PriorityLow        Priority = "low"
	PriorityBackground Priority = "background"
)

// Priorities lists every priority from most to least urgent.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PriorityBackground}

// Valid returns true if the priority is a known value.
func (p Priority) Valid() bool {
	return p.Rank() >= 0
}

// Rank returns 0 for critical through 4 for background, or -1 if unknown.
func (p Priority) Rank() int {
	for i, known := range Priorities {
		if p == known {
			return i
		}
	}
	return -1
}

// ParsePriority converts a string to a Priority.
func ParsePriority(s string) (Priority, error) {
	p := Priority(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

// MessageType classifies the intent of a message.
type MessageType string

const (
	MessageDelegation     MessageType = "delegation"
	MessageHelpRequest    MessageType = "help_request"
	MessageInfoRequest    MessageType = "info_request"
	MessageDirective      MessageType = "directive"
	MessageStatusUpdate   MessageType = "status_update"
	MessageResult         MessageType = "result"
	MessageEscalation     MessageType = "escalation"
	MessageBroadcast      MessageType = "broadcast"
	MessageProgressReport MessageType = "progress_report"
	MessageCoordination   MessageType = "coordination"
)

// Valid returns true if the type is a known value.
func (t MessageType) Valid() bool {
	switch t {
	case MessageDelegation, MessageHelpRequest, MessageInfoRequest, MessageDirective,
		MessageStatusUpdate, MessageResult, MessageEscalation, MessageBroadcast,
		MessageProgressReport, MessageCoordination:
		return true
	default:
		return false
	}
}

// MessageStatus is the delivery lifecycle state of a message.
type MessageStatus string

const (
	MessagePending    MessageStatus = "pending"
	MessageProcessing MessageStatus = "processing"
	MessageDelivered  MessageStatus = "delivered"
	MessageRead       MessageStatus = "read"
	MessageFailed     MessageStatus = "failed"
	MessageExpired    MessageStatus = "expired"
)

// Valid returns true if the status is a known value.
func (s MessageStatus) Valid() bool {
	switch s {
	case MessagePending, MessageProcessing, MessageDelivered, MessageRead, MessageFailed, MessageExpired:
		return true
	default:
		return false
	}
}

// Message is one entry in an agent mailbox.
type Message struct {
	ID           string         `json:"id"`
	CollectiveID string         `json:"collective_id"`
	FromID       string         `json:"from_id"`
	ToID         string         `json:"to_id"`
	Priority     Priority       `json:"priority"`
	Type         MessageType    `json:"type"`
	Status       MessageStatus  `json:"status"`
	Content      string         `json:"content"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	// ReplyToID links a reply to the message it answers.
	ReplyToID string `json:"reply_to_id,omitempty"`
	// ThreadID is the id of the root message of the reply chain.
	ThreadID string `json:"thread_id,omitempty"`
	// TaskID is the task the message concerns, if any.
	TaskID        string     `json:"task_id,omitempty"`
	RetryCount    int        `json:"retry_count"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
	ReadAt        *time.Time `json:"read_at,omitempty"`
	Archived      bool       `json:"archived,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}
