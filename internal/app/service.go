/**
 * @description
 * This file contains the core business logic for the transfer-service. The `Service`
 * struct orchestrates ticket ownership transfers, coordinating between the database
 * repository, the ledger gateway, and the message broker.
 *
 * Key features:
 * - Creates, accepts, and cancels transfers inside one tenant-scoped transaction each,
 *   with the ticket or transfer row locked for the duration.
 * - Hands settlement of ledger-backed tickets to an asynchronous job after commit;
 *   the relational transfer never waits on, or rolls back for, the ledger.
 * - Publishes lifecycle events to RabbitMQ for the notification collaborator.
 *
 * @dependencies
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - internal/ledger, internal/resilience: For on-chain settlement.
 * - pkg/rabbitmq: For event publication.
 */

package app

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/tickettoken/transfer-service/internal/domain"
	"github.com/tickettoken/transfer-service/internal/ledger"
	"github.com/tickettoken/transfer-service/internal/resilience"
	"github.com/tickettoken/transfer-service/internal/store"
	"github.com/tickettoken/transfer-service/internal/tenant"
	"github.com/tickettoken/transfer-service/pkg/rabbitmq"
)

const (
	acceptanceCodeLength   = 10
	acceptanceCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // 32 symbols, no 0/O/1/I
	maxTransferMessageLen  = 500
	acceptRateLimitScope   = "transfer_accept"
)

var (
	ErrTicketNotFound           = store.ErrTicketNotFound
	ErrTransferNotFound         = store.ErrTransferNotFound
	ErrTransferAlreadyPending   = store.ErrTransferAlreadyPending
	ErrTicketNotTransferable    = errors.New("ticket is not transferable")
	ErrRecipientNotFound        = errors.New("recipient not found")
	ErrInvalidRecipient         = errors.New("recipient must be a user id or an email address")
	ErrSelfTransfer             = errors.New("cannot transfer a ticket to yourself")
	ErrInvalidMessage           = errors.New("transfer message is too long")
	ErrTransferExpired          = errors.New("transfer has expired")
	ErrInvalidAcceptanceCode    = errors.New("invalid acceptance code")
	ErrTransferAlreadyProcessed = errors.New("transfer has already been processed")
	ErrCancelNotAllowed         = errors.New("only the sender can cancel a transfer")
	ErrTooManyAcceptAttempts    = errors.New("too many acceptance attempts")
)

// RateLimitError carries the retry hint for ErrTooManyAcceptAttempts.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%v (retry after %s)", ErrTooManyAcceptAttempts, e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrTooManyAcceptAttempts
}

// AcceptAttemptLimiter counts acceptance attempts per subject inside a window.
type AcceptAttemptLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// SettlementDispatcher hands a settlement job to the asynchronous worker.
type SettlementDispatcher interface {
	DispatchSettlement(ctx context.Context, job domain.SettlementJob) error
}

// ServiceOptions holds the tunables the service reads from configuration.
type ServiceOptions struct {
	TransferExpiry      time.Duration
	EventsExchange      string
	AcceptAttemptLimit  int
	AcceptAttemptWindow time.Duration

	// Settlement
	ClaimLease            time.Duration
	SubmittedUnknownAfter time.Duration
	MaxSettlementRetries  int // total attempts per transfer, the first included
	StuckSettlementAge    time.Duration
	SweepConcurrency      int
	Poll                  resilience.PollOptions
}

// DefaultServiceOptions returns the production defaults.
func DefaultServiceOptions() ServiceOptions {
	return ServiceOptions{
		TransferExpiry:        48 * time.Hour,
		EventsExchange:        "ticket_events",
		AcceptAttemptLimit:    5,
		AcceptAttemptWindow:   15 * time.Minute,
		ClaimLease:            2 * time.Minute,
		SubmittedUnknownAfter: 5 * time.Minute,
		MaxSettlementRetries:  5,
		StuckSettlementAge:    5 * time.Minute,
		SweepConcurrency:      4,
		Poll:                  resilience.DefaultPollOptions(),
	}
}

// Service provides the core business logic for ticket transfers.
type Service struct {
	repo       store.Repository
	ledger     ledger.Gateway
	events     rabbitmq.Publisher
	dispatcher SettlementDispatcher
	limiter    AcceptAttemptLimiter
	opts       ServiceOptions
	now        func() time.Time
}

// NewService creates a new transfer service instance. events, dispatcher and
// limiter may be nil; a nil gateway disables settlement.
func NewService(repo store.Repository, gateway ledger.Gateway, events rabbitmq.Publisher, dispatcher SettlementDispatcher, limiter AcceptAttemptLimiter, opts ServiceOptions) *Service {
	def := DefaultServiceOptions()
	if opts.TransferExpiry <= 0 {
		opts.TransferExpiry = def.TransferExpiry
	}
	if strings.TrimSpace(opts.EventsExchange) == "" {
		opts.EventsExchange = def.EventsExchange
	}
	if opts.ClaimLease <= 0 {
		opts.ClaimLease = def.ClaimLease
	}
	if opts.SubmittedUnknownAfter <= 0 {
		opts.SubmittedUnknownAfter = def.SubmittedUnknownAfter
	}
	if opts.MaxSettlementRetries <= 0 {
		opts.MaxSettlementRetries = def.MaxSettlementRetries
	}
	if opts.StuckSettlementAge <= 0 {
		opts.StuckSettlementAge = def.StuckSettlementAge
	}
	if opts.SweepConcurrency <= 0 {
		opts.SweepConcurrency = def.SweepConcurrency
	}
	return &Service{
		repo:       repo,
		ledger:     gateway,
		events:     events,
		dispatcher: dispatcher,
		limiter:    limiter,
		opts:       opts,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// CreateTransfer opens a transfer of a ticket the caller owns.
func (s *Service) CreateTransfer(ctx context.Context, scope tenant.Scope, req domain.CreateTransferRequest) (*domain.Transfer, error) {
	message, err := normalizeMessage(req.Message)
	if err != nil {
		return nil, err
	}
	recipientID, recipientEmail, err := parseRecipient(req.Recipient)
	if err != nil {
		return nil, err
	}
	code, err := generateAcceptanceCode()
	if err != nil {
		return nil, fmt.Errorf("generate acceptance code: %w", err)
	}

	var created *domain.Transfer
	err = s.repo.WithinTenantTx(ctx, scope.TenantID, func(ctx context.Context, q store.TxQueries) error {
		ticket, err := q.LockTicketForOwner(ctx, req.TicketID, scope.UserID)
		if err != nil {
			return err
		}
		if !ticket.Transferable || ticket.Used {
			return ErrTicketNotTransferable
		}

		now := s.now()
		pending, err := q.FindPendingTransferForTicket(ctx, ticket.ID)
		if err != nil {
			return fmt.Errorf("check pending transfer: %w", err)
		}
		if pending != nil {
			if !pending.IsExpiredAt(now) {
				return ErrTransferAlreadyPending
			}
			if err := q.UpdateTransferStatus(ctx, pending.ID, domain.TransferStatusPending, domain.TransferStatusExpired, now); err != nil {
				return fmt.Errorf("expire stale transfer: %w", err)
			}
		}

		var recipient *domain.User
		if recipientID != uuid.Nil {
			recipient, err = q.FindUserByID(ctx, recipientID)
			if errors.Is(err, store.ErrUserNotFound) {
				return ErrRecipientNotFound
			}
		} else {
			recipient, err = q.FindOrCreateUserByEmail(ctx, recipientEmail)
		}
		if err != nil {
			return fmt.Errorf("resolve recipient: %w", err)
		}
		if recipient.ID == scope.UserID {
			return ErrSelfTransfer
		}

		transfer := &domain.Transfer{
			ID:             uuid.New(),
			TenantID:       scope.TenantID,
			TicketID:       ticket.ID,
			FromUserID:     scope.UserID,
			ToUserID:       recipient.ID,
			Status:         domain.TransferStatusPending,
			AcceptanceCode: code,
			Message:        message,
			CreatedAt:      now,
			ExpiresAt:      now.Add(s.opts.TransferExpiry),
		}
		if recipientEmail != "" {
			transfer.ToEmail = &recipientEmail
		}
		if err := q.InsertTransfer(ctx, transfer); err != nil {
			return err
		}
		created = transfer
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=service op=create_transfer tenant_id=%s transfer_id=%s ticket_id=%s msg=\"transfer created\"", created.TenantID, created.ID, created.TicketID)
	s.publishTransferEvent(ctx, domain.EventTransferCreated, created)
	return created, nil
}

// AcceptTransfer moves ticket ownership to the caller. Settlement of a
// ledger-backed ticket is dispatched after the ownership change commits.
func (s *Service) AcceptTransfer(ctx context.Context, scope tenant.Scope, transferID uuid.UUID, acceptanceCode string) (*domain.AcceptResult, error) {
	if err := s.consumeAcceptAttempt(ctx, scope, transferID); err != nil {
		return nil, err
	}

	var (
		accepted *domain.Transfer
		ticket   *domain.Ticket
		outcome  error
	)
	err := s.repo.WithinTenantTx(ctx, scope.TenantID, func(ctx context.Context, q store.TxQueries) error {
		transfer, err := q.LockTransfer(ctx, transferID)
		if err != nil {
			return err
		}
		if transfer.ToUserID != scope.UserID {
			return ErrTransferNotFound
		}
		switch transfer.Status {
		case domain.TransferStatusPending:
		case domain.TransferStatusExpired:
			return ErrTransferExpired
		default:
			return ErrTransferAlreadyProcessed
		}

		now := s.now()
		if transfer.IsExpiredAt(now) {
			if err := q.UpdateTransferStatus(ctx, transfer.ID, domain.TransferStatusPending, domain.TransferStatusExpired, now); err != nil {
				return err
			}
			// Commit the EXPIRED mark, then report the outcome.
			outcome = ErrTransferExpired
			return nil
		}
		if !acceptanceCodesEqual(transfer.AcceptanceCode, acceptanceCode) {
			return ErrInvalidAcceptanceCode
		}

		locked, err := q.LockTicket(ctx, transfer.TicketID)
		if err != nil {
			return err
		}
		if locked.OwnerID != transfer.FromUserID {
			return ErrTicketNotFound
		}
		if locked.Used || !locked.Transferable {
			return ErrTicketNotTransferable
		}

		if err := q.UpdateTicketOwner(ctx, locked.ID, transfer.FromUserID, scope.UserID); err != nil {
			return err
		}
		if err := q.UpdateTransferStatus(ctx, transfer.ID, domain.TransferStatusPending, domain.TransferStatusCompleted, now); err != nil {
			return err
		}

		transfer.Status = domain.TransferStatusCompleted
		transfer.AcceptedAt = &now
		locked.OwnerID = scope.UserID
		locked.TransferCount++
		accepted = transfer
		ticket = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		log.Printf("level=info component=service op=accept_transfer tenant_id=%s transfer_id=%s msg=\"transfer expired on access\"", scope.TenantID, transferID)
		return nil, outcome
	}

	result := &domain.AcceptResult{
		Transfer:   accepted,
		TicketID:   ticket.ID,
		NewOwnerID: ticket.OwnerID,
		Settlement: domain.SettlementNotRequired,
	}
	if ticket.IsLedgerBacked() {
		result.Settlement = domain.SettlementPendingSummary
		s.dispatchSettlement(ctx, accepted)
	}

	log.Printf("level=info component=service op=accept_transfer tenant_id=%s transfer_id=%s ticket_id=%s settlement=%s msg=\"transfer completed\"", accepted.TenantID, accepted.ID, ticket.ID, result.Settlement)
	s.publishTransferEvent(ctx, domain.EventTransferAccepted, accepted)
	return result, nil
}

// CancelTransfer withdraws a pending transfer. Only the sender may cancel.
func (s *Service) CancelTransfer(ctx context.Context, scope tenant.Scope, transferID uuid.UUID) (*domain.Transfer, error) {
	var (
		cancelled *domain.Transfer
		outcome   error
	)
	err := s.repo.WithinTenantTx(ctx, scope.TenantID, func(ctx context.Context, q store.TxQueries) error {
		transfer, err := q.LockTransfer(ctx, transferID)
		if err != nil {
			return err
		}
		if !isParty(transfer, scope.UserID) {
			return ErrTransferNotFound
		}
		if transfer.FromUserID != scope.UserID {
			return ErrCancelNotAllowed
		}
		switch transfer.Status {
		case domain.TransferStatusPending:
		case domain.TransferStatusExpired:
			return ErrTransferExpired
		default:
			return ErrTransferAlreadyProcessed
		}

		now := s.now()
		if transfer.IsExpiredAt(now) {
			if err := q.UpdateTransferStatus(ctx, transfer.ID, domain.TransferStatusPending, domain.TransferStatusExpired, now); err != nil {
				return err
			}
			outcome = ErrTransferExpired
			return nil
		}
		if err := q.UpdateTransferStatus(ctx, transfer.ID, domain.TransferStatusPending, domain.TransferStatusCancelled, now); err != nil {
			return err
		}
		transfer.Status = domain.TransferStatusCancelled
		transfer.CancelledAt = &now
		cancelled = transfer
		return nil
	})
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		return nil, outcome
	}

	log.Printf("level=info component=service op=cancel_transfer tenant_id=%s transfer_id=%s msg=\"transfer cancelled\"", cancelled.TenantID, cancelled.ID)
	s.publishTransferEvent(ctx, domain.EventTransferCancelled, cancelled)
	return cancelled, nil
}

// GetTransferStatus returns a transfer visible to the caller and its
// settlement state. A pending transfer past its expiry is marked EXPIRED.
func (s *Service) GetTransferStatus(ctx context.Context, scope tenant.Scope, transferID uuid.UUID) (*domain.TransferStatusView, error) {
	var view *domain.TransferStatusView
	err := s.repo.WithinTenantTx(ctx, scope.TenantID, func(ctx context.Context, q store.TxQueries) error {
		transfer, err := q.GetTransfer(ctx, transferID)
		if err != nil {
			return err
		}
		if !isParty(transfer, scope.UserID) {
			return ErrTransferNotFound
		}

		now := s.now()
		if transfer.Status == domain.TransferStatusPending && transfer.IsExpiredAt(now) {
			err := q.UpdateTransferStatus(ctx, transfer.ID, domain.TransferStatusPending, domain.TransferStatusExpired, now)
			switch {
			case err == nil:
				transfer.Status = domain.TransferStatusExpired
			case errors.Is(err, store.ErrTransferStateConflict):
				// Accepted or cancelled concurrently; report the stored state.
				if transfer, err = q.GetTransfer(ctx, transferID); err != nil {
					return err
				}
			default:
				return err
			}
		}

		view = &domain.TransferStatusView{Transfer: transfer, Settlement: domain.SettlementNotRequired}
		if transfer.Status != domain.TransferStatusCompleted {
			return nil
		}
		ticket, err := q.GetTicket(ctx, transfer.TicketID)
		if err != nil {
			return err
		}
		if !ticket.IsLedgerBacked() {
			return nil
		}
		latest, err := q.LatestSettlementAttempt(ctx, transfer.ID)
		if err != nil {
			return err
		}
		view.LatestSettlement = latest
		view.Settlement = summarizeSettlement(latest)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

func (s *Service) consumeAcceptAttempt(ctx context.Context, scope tenant.Scope, transferID uuid.UUID) error {
	if s.limiter == nil || s.opts.AcceptAttemptLimit <= 0 {
		return nil
	}
	subject := fmt.Sprintf("%s:%s:%s", scope.TenantID, scope.UserID, transferID)
	count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, acceptRateLimitScope, subject, s.opts.AcceptAttemptLimit, s.opts.AcceptAttemptWindow)
	if err != nil {
		log.Printf("level=warn component=service op=accept_transfer tenant_id=%s transfer_id=%s msg=\"rate limiter unavailable; allowing attempt\" err=%v", scope.TenantID, transferID, err)
		return nil
	}
	if count > s.opts.AcceptAttemptLimit {
		return &RateLimitError{RetryAfter: time.Duration(retryAfter) * time.Second}
	}
	return nil
}

func (s *Service) dispatchSettlement(ctx context.Context, transfer *domain.Transfer) {
	if s.dispatcher == nil {
		return
	}
	job := domain.SettlementJob{
		JobID:       uuid.NewString(),
		TenantID:    transfer.TenantID,
		TransferID:  transfer.ID,
		RequestedAt: s.now(),
	}
	// A lost dispatch is recovered by the sweep: a completed ledger-backed
	// transfer without any attempt is listed as stuck.
	if err := s.dispatcher.DispatchSettlement(ctx, job); err != nil {
		log.Printf("level=warn component=service op=dispatch_settlement tenant_id=%s transfer_id=%s msg=\"settlement dispatch failed; left for sweep\" err=%v", transfer.TenantID, transfer.ID, err)
	}
}

func (s *Service) publishTransferEvent(ctx context.Context, eventType string, transfer *domain.Transfer) {
	if s.events == nil {
		return
	}
	event := domain.TransferEvent{
		EventID:    uuid.NewString(),
		EventType:  eventType,
		TenantID:   transfer.TenantID,
		TransferID: transfer.ID,
		TicketID:   transfer.TicketID,
		FromUserID: transfer.FromUserID,
		ToUserID:   transfer.ToUserID,
		ToEmail:    transfer.ToEmail,
		Status:     transfer.Status,
		ExpiresAt:  transfer.ExpiresAt,
		OccurredAt: s.now(),
	}
	if eventType == domain.EventTransferCreated {
		event.AcceptanceCode = transfer.AcceptanceCode
	}
	if err := s.events.Publish(ctx, s.opts.EventsExchange, eventType, event); err != nil {
		log.Printf("level=warn component=service op=publish_event event=%s transfer_id=%s msg=\"event publish failed\" err=%v", eventType, transfer.ID, err)
	}
}

func isParty(transfer *domain.Transfer, userID uuid.UUID) bool {
	return transfer.FromUserID == userID || transfer.ToUserID == userID
}

func summarizeSettlement(latest *domain.SettlementAttempt) domain.SettlementSummary {
	if latest == nil {
		return domain.SettlementNotStarted
	}
	switch latest.Status {
	case domain.SettlementStatusConfirmed:
		return domain.SettlementConfirmedSummary
	case domain.SettlementStatusSubmitted:
		return domain.SettlementSubmittedSummary
	case domain.SettlementStatusFailed:
		return domain.SettlementFailedSummary
	default:
		return domain.SettlementPendingSummary
	}
}

func normalizeMessage(message *string) (*string, error) {
	if message == nil {
		return nil, nil
	}
	trimmed := strings.TrimSpace(*message)
	if trimmed == "" {
		return nil, nil
	}
	if utf8.RuneCountInString(trimmed) > maxTransferMessageLen {
		return nil, ErrInvalidMessage
	}
	return &trimmed, nil
}

// parseRecipient accepts either a user id or an email address.
func parseRecipient(raw string) (uuid.UUID, string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return uuid.Nil, "", ErrInvalidRecipient
	}
	if id, err := uuid.Parse(trimmed); err == nil {
		if id == uuid.Nil {
			return uuid.Nil, "", ErrInvalidRecipient
		}
		return id, "", nil
	}
	addr, err := mail.ParseAddress(trimmed)
	if err != nil || addr.Address != trimmed {
		return uuid.Nil, "", ErrInvalidRecipient
	}
	return uuid.Nil, strings.ToLower(addr.Address), nil
}

func generateAcceptanceCode() (string, error) {
	buf := make([]byte, acceptanceCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		// 256 is a multiple of 32, so the mask keeps the distribution uniform.
		buf[i] = acceptanceCodeAlphabet[int(b)&(len(acceptanceCodeAlphabet)-1)]
	}
	return string(buf), nil
}

func acceptanceCodesEqual(stored, supplied string) bool {
	normalized := strings.ToUpper(strings.TrimSpace(supplied))
	return subtle.ConstantTimeCompare([]byte(stored), []byte(normalized)) == 1
}
