package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys published on the events exchange.
const (
	EventTransferCreated     = "transfer.created"
	EventTransferAccepted    = "transfer.accepted"
	EventTransferCancelled   = "transfer.cancelled"
	EventSettlementConfirmed = "settlement.confirmed"
	EventSettlementFailed    = "settlement.failed"

	// JobSettlementRequested is consumed by this service's own settlement worker.
	JobSettlementRequested = "settlement.requested"
)

// TransferEvent is the payload for transfer lifecycle notifications.
// AcceptanceCode is only populated on transfer.created so the notification
// collaborator can deliver it to the recipient.
type TransferEvent struct {
	EventID        string         `json:"event_id"`
	EventType      string         `json:"event_type"`
	TenantID       uuid.UUID      `json:"tenant_id"`
	TransferID     uuid.UUID      `json:"transfer_id"`
	TicketID       uuid.UUID      `json:"ticket_id"`
	FromUserID     uuid.UUID      `json:"from_user_id"`
	ToUserID       uuid.UUID      `json:"to_user_id"`
	ToEmail        *string        `json:"to_email,omitempty"`
	Status         TransferStatus `json:"status"`
	AcceptanceCode string         `json:"acceptance_code,omitempty"`
	ExpiresAt      time.Time      `json:"expires_at"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

// SettlementEvent is the payload for settlement outcome notifications.
type SettlementEvent struct {
	EventID    string           `json:"event_id"`
	EventType  string           `json:"event_type"`
	TenantID   uuid.UUID        `json:"tenant_id"`
	TransferID uuid.UUID        `json:"transfer_id"`
	AttemptID  uuid.UUID        `json:"attempt_id"`
	AssetID    string           `json:"asset_id"`
	Status     SettlementStatus `json:"status"`
	Signature  *string          `json:"signature,omitempty"`
	ErrorText  *string          `json:"error_text,omitempty"`
	RetryCount int              `json:"retry_count"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// SettlementJob is the queue message that asks a worker to settle a
// completed transfer on the ledger.
type SettlementJob struct {
	JobID       string    `json:"job_id"`
	TenantID    uuid.UUID `json:"tenant_id"`
	TransferID  uuid.UUID `json:"transfer_id"`
	RequestedAt time.Time `json:"requested_at"`
}
