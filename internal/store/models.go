package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Channel identifies a notification transport.
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
)

// Valid reports whether the channel is one of the supported transports.
func (c Channel) Valid() bool {
	return c == ChannelWhatsApp || c == ChannelEmail || c == ChannelSMS
}

// Queue status constants
const (
	StatusQueued       = "queued"
	StatusProcessing   = "processing"
	StatusSent         = "sent"
	StatusFailed       = "failed"
	StatusDeadLettered = "dead_lettered"
)

// Delivery status constants (delivery_status rows, not queue state)
const (
	DeliverySent      = "sent"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
	DeliveryPending   = "pending"
)

// Dead-letter status constants
const (
	DLQStatusPending   = "pending"
	DLQStatusRetried   = "retried"
	DLQStatusDiscarded = "discarded"
)

// Dead-letter reasons
const (
	DLQReasonRetriesExhausted = "retries_exhausted"
	DLQReasonBadConfiguration = "bad_configuration"
)

// QueuedMessage is one unit of outbound communication awaiting delivery.
type QueuedMessage struct {
	ID            uuid.UUID       `json:"id"`
	Channel       Channel         `json:"channel"`
	Recipient     json.RawMessage `json:"recipient"`
	Content       json.RawMessage `json:"content"`
	Priority      int             `json:"priority"`
	Status        string          `json:"status"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	Requeues      int             `json:"requeues"`
	LastError     *string         `json:"last_error,omitempty"`
	QueuedAt      time.Time       `json:"queued_at"`
	SentAt        *time.Time      `json:"sent_at,omitempty"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	RetryAt       *time.Time      `json:"retry_at,omitempty"`
	ClaimedAt     *time.Time      `json:"claimed_at,omitempty"`
}

// DeliveryStatusRecord is an append-only log entry for one terminal attempt
// outcome. message_id is not a foreign key: direct sends that bypass the queue
// also write records here.
type DeliveryStatusRecord struct {
	ID          uuid.UUID       `json:"id"`
	MessageID   uuid.UUID       `json:"message_id"`
	Channel     Channel         `json:"channel"`
	Recipient   string          `json:"recipient"`
	Status      string          `json:"status"`
	SentAt      *time.Time      `json:"sent_at,omitempty"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty"`
	Error       *string         `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// DeadLetterMessage holds a message pulled out of the dispatch path for
// operator attention, either because its retry budget ran out or because its
// configuration can never succeed.
type DeadLetterMessage struct {
	ID                uuid.UUID       `json:"id"`
	OriginalMessageID uuid.UUID       `json:"original_message_id"`
	Channel           Channel         `json:"channel"`
	Recipient         json.RawMessage `json:"recipient"`
	Content           json.RawMessage `json:"content"`
	Priority          int             `json:"priority"`
	Attempts          int             `json:"attempts"`
	LastError         string          `json:"last_error"`
	Reason            string          `json:"reason"`
	Status            string          `json:"status"`
	RetriedMessageID  *uuid.UUID      `json:"retried_message_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Template is a row in the notification_templates store. The core only reads
// templates; authoring happens elsewhere.
type Template struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Channel   Channel   `json:"channel"`
	Subject   string    `json:"subject"`
	Content   string    `json:"content"`
	Variables []string  `json:"variables"`
}

// Preferences holds a customer's channel opt-ins.
type Preferences struct {
	CustomerID uuid.UUID `json:"customer_id"`
	WhatsApp   bool      `json:"whatsapp"`
	Email      bool      `json:"email"`
	SMS        bool      `json:"sms"`
	Marketing  bool      `json:"marketing"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// MessageStatus is the externally visible status shape for one message,
// combining queue state with the latest delivery confirmation, if any.
type MessageStatus struct {
	MessageID   uuid.UUID  `json:"message_id"`
	Channel     Channel    `json:"channel"`
	Recipient   string     `json:"recipient"`
	Status      string     `json:"status"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	Attempts    int        `json:"attempts"`
}

// StatusCount is one (channel, status) bucket from the delivery_status
// aggregation used by the reporter.
type StatusCount struct {
	Channel Channel
	Status  string
	Count   int
}
