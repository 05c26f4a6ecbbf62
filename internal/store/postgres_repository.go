/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains the SQL for tickets, users, transfers, and ledger settlement
 * attempts, and the tenant-scoped transaction wrapper every operation runs in.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 *
 * @notes
 * - `app.current_tenant` is set with transaction-local set_config, so a pooled
 *   connection never carries one tenant's scope into another checkout.
 * - Row locks are taken with `FOR UPDATE`; lock_timeout and statement_timeout
 *   bound how long a contended transaction can wait.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tickettoken/transfer-service/internal/domain"
	"github.com/tickettoken/transfer-service/internal/tenant"
)

var (
	ErrTicketNotFound            = errors.New("ticket not found")
	ErrUserNotFound              = errors.New("user not found")
	ErrTransferNotFound          = errors.New("transfer not found")
	ErrTransferAlreadyPending    = errors.New("ticket already has a pending transfer")
	ErrTransferStateConflict     = errors.New("transfer status changed concurrently")
	ErrTicketOwnerConflict       = errors.New("ticket owner changed concurrently")
	ErrSettlementAttemptConflict = errors.New("settlement attempt already open or confirmed")
	ErrSettlementStateConflict   = errors.New("settlement attempt status changed concurrently")
)

// Unique indexes declared in migrations/001_transfer_ledger.sql.
const (
	constraintOnePendingTransfer   = "transfers_one_pending_per_ticket"
	constraintOneOpenAttempt       = "settlement_attempts_one_open_per_transfer"
	constraintOneConfirmedAttempt  = "settlement_attempts_one_confirmed_per_transfer"
	constraintAttemptRetrySequence = "settlement_attempts_transfer_retry_key"
)

// Scope binding is transaction-local (is_local = true) so it ends with the
// transaction and never leaks to the next checkout of the connection.
const (
	bindTenantScopeSQL = "SELECT set_config('app.current_tenant', $1, true)"
	bindSystemScopeSQL = "SELECT set_config('app.system_scope', 'on', true)"
)

// Options bounds database waits inside a single transaction.
type Options struct {
	LockTimeout      time.Duration
	StatementTimeout time.Duration
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db   *pgxpool.Pool
	opts Options
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool, opts Options) *PostgresRepository {
	return &PostgresRepository{db: db, opts: opts}
}

// WithinTenantTx checks out one connection, binds it to tenantID for the
// lifetime of the transaction, and runs fn. The connection is released on
// every exit path.
func (r *PostgresRepository) WithinTenantTx(ctx context.Context, tenantID uuid.UUID, fn func(ctx context.Context, q TxQueries) error) error {
	if tenantID == uuid.Nil {
		return tenant.ErrMissingTenant
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tenant transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := r.applySessionSettings(ctx, tx); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, bindTenantScopeSQL, tenantID.String()); err != nil {
		return fmt.Errorf("bind tenant scope: %w", err)
	}

	if err := fn(ctx, &pgTxQueries{tx: tx, tenantID: tenantID}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tenant transaction: %w", err)
	}
	return nil
}

func (r *PostgresRepository) applySessionSettings(ctx context.Context, tx pgx.Tx) error {
	if r.opts.LockTimeout > 0 {
		if _, err := tx.Exec(ctx, "SELECT set_config('lock_timeout', $1, true)", durationSetting(r.opts.LockTimeout)); err != nil {
			return fmt.Errorf("set lock_timeout: %w", err)
		}
	}
	if r.opts.StatementTimeout > 0 {
		if _, err := tx.Exec(ctx, "SELECT set_config('statement_timeout', $1, true)", durationSetting(r.opts.StatementTimeout)); err != nil {
			return fmt.Errorf("set statement_timeout: %w", err)
		}
	}
	return nil
}

// stuckSettlementsQuery returns the latest attempt per transfer when it is
// still open or failed with attempts to spare ($2 bounds the total), plus
// completed ledger-backed transfers that never got an attempt.
const stuckSettlementsQuery = `
	WITH latest AS (
		SELECT DISTINCT ON (a.transfer_id)
			a.id, a.tenant_id, a.transfer_id, a.status, a.signature, a.retry_count, a.last_attempt_at
		FROM ledger_settlement_attempts a
		ORDER BY a.transfer_id, a.retry_count DESC, a.created_at DESC
	)
	SELECT tenant_id, transfer_id, id, status, signature, retry_count, last_attempt_at
	FROM latest
	WHERE last_attempt_at < $1
	  AND (status IN ('PENDING', 'SUBMITTED') OR (status = 'FAILED' AND retry_count + 1 < $2))
	UNION ALL
	SELECT tr.tenant_id, tr.id, NULL::uuid, NULL::text, NULL::text, -1, tr.accepted_at
	FROM transfers tr
	JOIN tickets t ON t.id = tr.ticket_id AND t.tenant_id = tr.tenant_id
	WHERE tr.status = 'COMPLETED'
	  AND t.asset_id IS NOT NULL
	  AND tr.accepted_at < $1
	  AND NOT EXISTS (
		SELECT 1 FROM ledger_settlement_attempts a
		WHERE a.transfer_id = tr.id AND a.tenant_id = tr.tenant_id
	  )
	ORDER BY last_attempt_at ASC
	LIMIT $3
`

// ListStuckSettlements runs under the read-only system scope, the only policy
// that lets a transaction see rows of every tenant.
func (r *PostgresRepository) ListStuckSettlements(ctx context.Context, olderThan time.Time, maxRetryCount int, limit int) ([]domain.StuckSettlement, error) {
	if limit <= 0 {
		limit = 100
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin sweep transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := r.applySessionSettings(ctx, tx); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, bindSystemScopeSQL); err != nil {
		return nil, fmt.Errorf("bind system scope: %w", err)
	}

	rows, err := tx.Query(ctx, stuckSettlementsQuery, olderThan, maxRetryCount, limit)
	if err != nil {
		return nil, fmt.Errorf("query stuck settlements: %w", err)
	}
	defer rows.Close()

	items := make([]domain.StuckSettlement, 0)
	for rows.Next() {
		var (
			item      domain.StuckSettlement
			attemptID *uuid.UUID
			status    *string
		)
		if err := rows.Scan(&item.TenantID, &item.TransferID, &attemptID, &status, &item.Signature, &item.RetryCount, &item.LastAttemptAt); err != nil {
			return nil, fmt.Errorf("scan stuck settlement: %w", err)
		}
		item.AttemptID = attemptID
		if status != nil {
			s := domain.SettlementStatus(*status)
			item.Status = &s
		}
		if item.RetryCount < 0 {
			item.RetryCount = 0
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stuck settlements: %w", err)
	}
	return items, nil
}

type pgTxQueries struct {
	tx       pgx.Tx
	tenantID uuid.UUID
}

func (q *pgTxQueries) TenantID() uuid.UUID {
	return q.tenantID
}

const ticketColumns = `
	t.id, t.tenant_id, t.owner_id, t.ticket_type_id, tt.transferable, t.used, t.transfer_count, t.asset_id
`

func scanTicket(row pgx.Row) (*domain.Ticket, error) {
	var ticket domain.Ticket
	err := row.Scan(
		&ticket.ID,
		&ticket.TenantID,
		&ticket.OwnerID,
		&ticket.TicketTypeID,
		&ticket.Transferable,
		&ticket.Used,
		&ticket.TransferCount,
		&ticket.AssetID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTicketNotFound
		}
		return nil, err
	}
	return &ticket, nil
}

// LockTicketForOwner locks the ticket row only if ownerID currently holds it.
// A missing ticket and a ticket owned by someone else both yield ErrTicketNotFound.
func (q *pgTxQueries) LockTicketForOwner(ctx context.Context, ticketID, ownerID uuid.UUID) (*domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + `
		FROM tickets t
		JOIN ticket_types tt ON tt.id = t.ticket_type_id AND tt.tenant_id = t.tenant_id
		WHERE t.id = $1 AND t.owner_id = $2 AND t.tenant_id = $3
		FOR UPDATE OF t
	`
	return scanTicket(q.tx.QueryRow(ctx, query, ticketID, ownerID, q.tenantID))
}

// LockTicket locks the ticket row regardless of owner.
func (q *pgTxQueries) LockTicket(ctx context.Context, ticketID uuid.UUID) (*domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + `
		FROM tickets t
		JOIN ticket_types tt ON tt.id = t.ticket_type_id AND tt.tenant_id = t.tenant_id
		WHERE t.id = $1 AND t.tenant_id = $2
		FOR UPDATE OF t
	`
	return scanTicket(q.tx.QueryRow(ctx, query, ticketID, q.tenantID))
}

func (q *pgTxQueries) GetTicket(ctx context.Context, ticketID uuid.UUID) (*domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + `
		FROM tickets t
		JOIN ticket_types tt ON tt.id = t.ticket_type_id AND tt.tenant_id = t.tenant_id
		WHERE t.id = $1 AND t.tenant_id = $2
	`
	return scanTicket(q.tx.QueryRow(ctx, query, ticketID, q.tenantID))
}

// UpdateTicketOwner flips ownership and bumps transfer_count. The owner guard
// turns a lost race into ErrTicketOwnerConflict instead of a silent overwrite.
func (q *pgTxQueries) UpdateTicketOwner(ctx context.Context, ticketID, fromOwnerID, toOwnerID uuid.UUID) error {
	query := `
		UPDATE tickets
		SET owner_id = $3, transfer_count = transfer_count + 1, updated_at = NOW()
		WHERE id = $1 AND owner_id = $2 AND tenant_id = $4
	`
	tag, err := q.tx.Exec(ctx, query, ticketID, fromOwnerID, toOwnerID, q.tenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTicketOwnerConflict
	}
	return nil
}

// FindUserByID retrieves a user of the current tenant by id.
func (q *pgTxQueries) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	var user domain.User
	query := `SELECT id, tenant_id, email, wallet_address, created_at FROM users WHERE id = $1 AND tenant_id = $2`
	err := q.tx.QueryRow(ctx, query, userID, q.tenantID).Scan(&user.ID, &user.TenantID, &user.Email, &user.WalletAddress, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// FindOrCreateUserByEmail resolves a recipient by normalised email, creating a
// wallet-less placeholder user when none exists yet.
func (q *pgTxQueries) FindOrCreateUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	var user domain.User
	query := `
		INSERT INTO users (id, tenant_id, email, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (tenant_id, email) DO UPDATE SET email = EXCLUDED.email
		RETURNING id, tenant_id, email, wallet_address, created_at
	`
	err := q.tx.QueryRow(ctx, query, uuid.New(), q.tenantID, email).Scan(&user.ID, &user.TenantID, &user.Email, &user.WalletAddress, &user.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// FindPendingTransferForTicket returns the open transfer for a ticket, or nil.
func (q *pgTxQueries) FindPendingTransferForTicket(ctx context.Context, ticketID uuid.UUID) (*domain.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE ticket_id = $1 AND tenant_id = $2 AND status = 'PENDING' FOR UPDATE`
	transfer, err := scanTransfer(q.tx.QueryRow(ctx, query, ticketID, q.tenantID))
	if errors.Is(err, ErrTransferNotFound) {
		return nil, nil
	}
	return transfer, err
}

// InsertTransfer writes a new PENDING transfer row.
func (q *pgTxQueries) InsertTransfer(ctx context.Context, transfer *domain.Transfer) error {
	if transfer.TenantID != q.tenantID {
		return fmt.Errorf("insert transfer: tenant %s does not match transaction scope", transfer.TenantID)
	}
	query := `
		INSERT INTO transfers (
			id, tenant_id, ticket_id, from_user_id, to_user_id, to_email,
			status, acceptance_code, message, created_at, expires_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := q.tx.Exec(ctx, query,
		transfer.ID,
		transfer.TenantID,
		transfer.TicketID,
		transfer.FromUserID,
		transfer.ToUserID,
		transfer.ToEmail,
		transfer.Status,
		transfer.AcceptanceCode,
		transfer.Message,
		transfer.CreatedAt,
		transfer.ExpiresAt,
	)
	if err != nil {
		if isUniqueViolation(err, constraintOnePendingTransfer) {
			return ErrTransferAlreadyPending
		}
		return err
	}
	return nil
}

const transferColumns = `
	id, tenant_id, ticket_id, from_user_id, to_user_id, to_email, status,
	acceptance_code, message, created_at, expires_at, accepted_at, cancelled_at
`

func scanTransfer(row pgx.Row) (*domain.Transfer, error) {
	var t domain.Transfer
	err := row.Scan(
		&t.ID,
		&t.TenantID,
		&t.TicketID,
		&t.FromUserID,
		&t.ToUserID,
		&t.ToEmail,
		&t.Status,
		&t.AcceptanceCode,
		&t.Message,
		&t.CreatedAt,
		&t.ExpiresAt,
		&t.AcceptedAt,
		&t.CancelledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (q *pgTxQueries) GetTransfer(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE id = $1 AND tenant_id = $2`
	return scanTransfer(q.tx.QueryRow(ctx, query, transferID, q.tenantID))
}

// LockTransfer takes the row lock that serialises concurrent accepts.
func (q *pgTxQueries) LockTransfer(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE id = $1 AND tenant_id = $2 FOR UPDATE`
	return scanTransfer(q.tx.QueryRow(ctx, query, transferID, q.tenantID))
}

// UpdateTransferStatus applies a legal state transition. The WHERE clause pins
// the expected current status, so the update is a no-op for a row another
// transaction already moved.
func (q *pgTxQueries) UpdateTransferStatus(ctx context.Context, transferID uuid.UUID, from, to domain.TransferStatus, at time.Time) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("illegal transfer transition %s -> %s", from, to)
	}
	query := `
		UPDATE transfers
		SET status = $3,
			accepted_at = CASE WHEN $3 = 'COMPLETED' THEN $4 ELSE accepted_at END,
			cancelled_at = CASE WHEN $3 = 'CANCELLED' THEN $4 ELSE cancelled_at END,
			updated_at = NOW()
		WHERE id = $1 AND status = $2 AND tenant_id = $5
	`
	tag, err := q.tx.Exec(ctx, query, transferID, from, to, at, q.tenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransferStateConflict
	}
	return nil
}

const attemptColumns = `
	id, tenant_id, transfer_id, asset_id, from_wallet, to_wallet, signature,
	status, error_text, retry_count, last_attempt_at, created_at
`

// LatestSettlementAttempt returns the newest attempt of the chain, or nil
// when settlement has never been attempted.
func (q *pgTxQueries) LatestSettlementAttempt(ctx context.Context, transferID uuid.UUID) (*domain.SettlementAttempt, error) {
	var a domain.SettlementAttempt
	query := `SELECT ` + attemptColumns + `
		FROM ledger_settlement_attempts
		WHERE transfer_id = $1 AND tenant_id = $2
		ORDER BY retry_count DESC, created_at DESC
		LIMIT 1
	`
	err := q.tx.QueryRow(ctx, query, transferID, q.tenantID).Scan(
		&a.ID,
		&a.TenantID,
		&a.TransferID,
		&a.AssetID,
		&a.FromWallet,
		&a.ToWallet,
		&a.Signature,
		&a.Status,
		&a.ErrorText,
		&a.RetryCount,
		&a.LastAttemptAt,
		&a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

// InsertSettlementAttempt appends a new attempt to the chain.
func (q *pgTxQueries) InsertSettlementAttempt(ctx context.Context, attempt *domain.SettlementAttempt) error {
	if attempt.TenantID != q.tenantID {
		return fmt.Errorf("insert settlement attempt: tenant %s does not match transaction scope", attempt.TenantID)
	}
	query := `
		INSERT INTO ledger_settlement_attempts (
			id, tenant_id, transfer_id, asset_id, from_wallet, to_wallet, signature,
			status, error_text, retry_count, last_attempt_at, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := q.tx.Exec(ctx, query,
		attempt.ID,
		attempt.TenantID,
		attempt.TransferID,
		attempt.AssetID,
		attempt.FromWallet,
		attempt.ToWallet,
		attempt.Signature,
		attempt.Status,
		attempt.ErrorText,
		attempt.RetryCount,
		attempt.LastAttemptAt,
		attempt.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, constraintOneOpenAttempt, constraintOneConfirmedAttempt, constraintAttemptRetrySequence) {
			return ErrSettlementAttemptConflict
		}
		return err
	}
	return nil
}

// UpdateSettlementAttempt resolves or advances an attempt. A nil Signature
// keeps the stored one; a stored signature is never cleared.
func (q *pgTxQueries) UpdateSettlementAttempt(ctx context.Context, params UpdateSettlementAttemptParams) error {
	query := `
		UPDATE ledger_settlement_attempts
		SET status = $3,
			signature = COALESCE($4, signature),
			error_text = $5,
			last_attempt_at = $6
		WHERE id = $1 AND status = $2 AND tenant_id = $7
	`
	tag, err := q.tx.Exec(ctx, query,
		params.AttemptID,
		params.FromStatus,
		params.Status,
		params.Signature,
		params.ErrorText,
		params.At,
		q.tenantID,
	)
	if err != nil {
		if isUniqueViolation(err, constraintOneConfirmedAttempt) {
			return ErrSettlementAttemptConflict
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		log.Printf("level=warn component=store op=update_settlement_attempt attempt_id=%s from=%s to=%s msg=\"attempt already moved\"", params.AttemptID, params.FromStatus, params.Status)
		return ErrSettlementStateConflict
	}
	return nil
}

func isUniqueViolation(err error, constraints ...string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	if len(constraints) == 0 {
		return true
	}
	for _, name := range constraints {
		if pgErr.ConstraintName == name {
			return true
		}
	}
	return false
}

func durationSetting(d time.Duration) string {
	return fmt.Sprintf("%dms", d.Milliseconds())
}
