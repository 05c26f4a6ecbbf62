/**
 * @description
 * This file defines the core domain models for the transfer-service.
 * These structs represent tickets, users, ownership-transfer requests, and the
 * on-chain settlement attempts that anchor a completed transfer on the ledger.
 *
 * @notes
 * - Every entity is scoped by TenantID. The relational store enforces the same
 *   scoping with row-level policies; the field here is the application-side copy.
 * - A Transfer never moves backwards in its state machine and is never deleted.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// TransferStatus is the lifecycle state of a ticket transfer request.
type TransferStatus string

const (
	TransferStatusPending   TransferStatus = "PENDING"
	TransferStatusCompleted TransferStatus = "COMPLETED"
	TransferStatusExpired   TransferStatus = "EXPIRED"
	TransferStatusCancelled TransferStatus = "CANCELLED"
)

// CanTransitionTo reports whether moving from s to next is a legal transition.
// Only PENDING transfers move, and only to a terminal state.
func (s TransferStatus) CanTransitionTo(next TransferStatus) bool {
	if s != TransferStatusPending {
		return false
	}
	switch next {
	case TransferStatusCompleted, TransferStatusExpired, TransferStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible.
func (s TransferStatus) IsTerminal() bool {
	return s != TransferStatusPending
}

// SettlementStatus is the state of a single ledger settlement attempt.
type SettlementStatus string

const (
	SettlementStatusPending   SettlementStatus = "PENDING"
	SettlementStatusSubmitted SettlementStatus = "SUBMITTED"
	SettlementStatusConfirmed SettlementStatus = "CONFIRMED"
	SettlementStatusFailed    SettlementStatus = "FAILED"
)

// IsTerminal reports whether the attempt row is resolved.
func (s SettlementStatus) IsTerminal() bool {
	return s == SettlementStatusConfirmed || s == SettlementStatusFailed
}

// SettlementSummary is the settlement state reported to API callers.
type SettlementSummary string

const (
	SettlementNotRequired SettlementSummary = "NOT_REQUIRED"
	SettlementNotStarted  SettlementSummary = "NOT_STARTED"
	// SettlementPendingSummary means settlement has been requested but not yet confirmed.
	SettlementPendingSummary   SettlementSummary = "PENDING"
	SettlementSubmittedSummary SettlementSummary = "SUBMITTED"
	SettlementConfirmedSummary SettlementSummary = "CONFIRMED"
	SettlementFailedSummary    SettlementSummary = "FAILED"
)

// User is a ticket holder inside a tenant. Users created from an email
// address have no wallet until they complete onboarding.
type User struct {
	ID            uuid.UUID `json:"id"`
	TenantID      uuid.UUID `json:"tenant_id"`
	Email         string    `json:"email"`
	WalletAddress *string   `json:"wallet_address,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Ticket is the current ownership record of a ticket.
type Ticket struct {
	ID            uuid.UUID `json:"id"`
	TenantID      uuid.UUID `json:"tenant_id"`
	OwnerID       uuid.UUID `json:"owner_id"`
	TicketTypeID  uuid.UUID `json:"ticket_type_id"`
	Transferable  bool      `json:"transferable"` // from the ticket type
	Used          bool      `json:"used"`
	TransferCount int       `json:"transfer_count"`
	AssetID       *string   `json:"asset_id,omitempty"` // mint address; nil for off-chain tickets
}

// IsLedgerBacked reports whether ownership changes must be settled on-chain.
func (t *Ticket) IsLedgerBacked() bool {
	return t.AssetID != nil && *t.AssetID != ""
}

// Transfer maps to the `transfers` table.
type Transfer struct {
	ID             uuid.UUID      `json:"id"`
	TenantID       uuid.UUID      `json:"tenant_id"`
	TicketID       uuid.UUID      `json:"ticket_id"`
	FromUserID     uuid.UUID      `json:"from_user_id"`
	ToUserID       uuid.UUID      `json:"to_user_id"`
	ToEmail        *string        `json:"to_email,omitempty"`
	Status         TransferStatus `json:"status"`
	AcceptanceCode string         `json:"-"`
	Message        *string        `json:"message,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
	AcceptedAt     *time.Time     `json:"accepted_at,omitempty"`
	CancelledAt    *time.Time     `json:"cancelled_at,omitempty"`
}

// IsExpiredAt reports whether the acceptance window has closed at now.
func (t *Transfer) IsExpiredAt(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// SettlementAttempt maps to one row of `ledger_settlement_attempts`. Each retry
// appends a new row so the full history stays inspectable.
type SettlementAttempt struct {
	ID            uuid.UUID        `json:"id"`
	TenantID      uuid.UUID        `json:"tenant_id"`
	TransferID    uuid.UUID        `json:"transfer_id"`
	AssetID       string           `json:"asset_id"`
	FromWallet    string           `json:"from_wallet"`
	ToWallet      string           `json:"to_wallet"`
	Signature     *string          `json:"signature,omitempty"`
	Status        SettlementStatus `json:"status"`
	ErrorText     *string          `json:"error_text,omitempty"`
	RetryCount    int              `json:"retry_count"`
	LastAttemptAt time.Time        `json:"last_attempt_at"`
	CreatedAt     time.Time        `json:"created_at"`
}

// StuckSettlement is a recovery-sweep candidate: either the latest attempt
// for a transfer that never resolved, or a completed ledger-backed transfer
// that has no attempt at all (AttemptID is nil).
type StuckSettlement struct {
	TenantID      uuid.UUID         `json:"tenant_id"`
	TransferID    uuid.UUID         `json:"transfer_id"`
	AttemptID     *uuid.UUID        `json:"attempt_id,omitempty"`
	Status        *SettlementStatus `json:"status,omitempty"`
	Signature     *string           `json:"signature,omitempty"`
	RetryCount    int               `json:"retry_count"`
	LastAttemptAt time.Time         `json:"last_attempt_at"`
}

// CreateTransferRequest is the DTO for a new transfer. Recipient is either a
// user id or an email address.
type CreateTransferRequest struct {
	TicketID  uuid.UUID `json:"ticket_id"`
	Recipient string    `json:"recipient"`
	Message   *string   `json:"message,omitempty"`
}

// AcceptTransferRequest is the DTO for claiming a transfer.
type AcceptTransferRequest struct {
	AcceptanceCode string `json:"acceptance_code"`
}

// AcceptResult is returned once ownership has moved. Settlement reports the
// on-chain state, which may lag behind the relational transfer.
type AcceptResult struct {
	Transfer   *Transfer         `json:"transfer"`
	TicketID   uuid.UUID         `json:"ticket_id"`
	NewOwnerID uuid.UUID         `json:"new_owner_id"`
	Settlement SettlementSummary `json:"settlement"`
}

// TransferStatusView is what a party to a transfer can see about it.
type TransferStatusView struct {
	Transfer         *Transfer          `json:"transfer"`
	Settlement       SettlementSummary  `json:"settlement"`
	LatestSettlement *SettlementAttempt `json:"latest_settlement,omitempty"`
}

// SettlementReconcileResponse summarises one recovery sweep.
type SettlementReconcileResponse struct {
	Processed int `json:"processed"`
	Confirmed int `json:"confirmed"`
	Submitted int `json:"submitted"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}
