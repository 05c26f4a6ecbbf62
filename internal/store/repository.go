/**
 * @description
 * This file defines the `Repository` interface, the contract for all data access
 * required by the transfer-service. Business logic never touches pgx directly:
 * it opens a tenant-scoped unit of work with WithinTenantTx and issues queries
 * through the TxQueries handle it receives.
 *
 * @notes
 * - WithinTenantTx commits when fn returns nil and rolls back otherwise. Callers
 *   that must persist a change and still report a business error (e.g. the lazy
 *   EXPIRED mark) return nil from fn and surface the error afterwards.
 * - Every TxQueries method filters by the transaction's tenant in SQL in
 *   addition to the row-level policy bound to `app.current_tenant`.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/tickettoken/transfer-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// WithinTenantTx runs fn inside one database transaction bound to tenantID.
	WithinTenantTx(ctx context.Context, tenantID uuid.UUID, fn func(ctx context.Context, q TxQueries) error) error

	// ListStuckSettlements is the cross-tenant recovery-sweep query. It returns
	// the latest attempt of every transfer whose settlement is unresolved and
	// older than olderThan, plus completed ledger-backed transfers that never
	// got an attempt. FAILED attempts are only included below maxRetryCount.
	ListStuckSettlements(ctx context.Context, olderThan time.Time, maxRetryCount int, limit int) ([]domain.StuckSettlement, error)
}

// TxQueries is the set of statements available inside a tenant transaction.
type TxQueries interface {
	TenantID() uuid.UUID

	// Tickets
	LockTicketForOwner(ctx context.Context, ticketID, ownerID uuid.UUID) (*domain.Ticket, error)
	LockTicket(ctx context.Context, ticketID uuid.UUID) (*domain.Ticket, error)
	GetTicket(ctx context.Context, ticketID uuid.UUID) (*domain.Ticket, error)
	UpdateTicketOwner(ctx context.Context, ticketID, fromOwnerID, toOwnerID uuid.UUID) error

	// Users
	FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	FindOrCreateUserByEmail(ctx context.Context, email string) (*domain.User, error)

	// Transfers
	FindPendingTransferForTicket(ctx context.Context, ticketID uuid.UUID) (*domain.Transfer, error)
	InsertTransfer(ctx context.Context, transfer *domain.Transfer) error
	GetTransfer(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error)
	LockTransfer(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error)
	UpdateTransferStatus(ctx context.Context, transferID uuid.UUID, from, to domain.TransferStatus, at time.Time) error

	// Settlement attempts
	LatestSettlementAttempt(ctx context.Context, transferID uuid.UUID) (*domain.SettlementAttempt, error)
	InsertSettlementAttempt(ctx context.Context, attempt *domain.SettlementAttempt) error
	UpdateSettlementAttempt(ctx context.Context, params UpdateSettlementAttemptParams) error
}

// UpdateSettlementAttemptParams moves one attempt row forward. The update only
// applies while the row is still in FromStatus, so two workers racing on the
// same row cannot both resolve it.
type UpdateSettlementAttemptParams struct {
	AttemptID  uuid.UUID
	FromStatus domain.SettlementStatus
	Status     domain.SettlementStatus
	Signature  *string
	ErrorText  *string
	At         time.Time
}
