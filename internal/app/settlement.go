package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tickettoken/transfer-service/internal/domain"
	"github.com/tickettoken/transfer-service/internal/ledger"
	"github.com/tickettoken/transfer-service/internal/resilience"
	"github.com/tickettoken/transfer-service/internal/store"
)

var (
	ErrSettlementNotApplicable    = errors.New("transfer does not require ledger settlement")
	ErrSettlementInProgress       = errors.New("settlement attempt is owned by another worker")
	ErrSettlementRetriesExhausted = errors.New("settlement retry budget exhausted")
	ErrWalletNotLinked            = errors.New("party has no linked wallet")
	ErrSettlementDisabled         = errors.New("ledger settlement is disabled")
	ErrLedgerUnavailable          = errors.New("ledger unavailable; settlement deferred")

	errLedgerRejected = errors.New("transaction failed on ledger")
)

type settlementAction int

const (
	actionNone settlementAction = iota
	actionSubmit
	actionConfirm
	actionReconcileStale
)

type settlementClaim struct {
	action  settlementAction
	attempt *domain.SettlementAttempt
}

// SettleTransfer anchors a completed transfer on the ledger. It is safe to
// call repeatedly for the same transfer: a confirmed attempt is returned as
// is, a submitted one is only re-checked, and a fresh pending one owned by
// another worker is left alone. Ledger failures are recorded on the attempt
// and never touch the transfer; the returned error is non-nil only when the
// attempt could not be claimed or persisted, or when an open circuit released
// it unsubmitted (ErrLedgerUnavailable).
func (s *Service) SettleTransfer(ctx context.Context, tenantID, transferID uuid.UUID) (*domain.SettlementAttempt, error) {
	if s.ledger == nil {
		return nil, ErrSettlementDisabled
	}

	claim, err := s.claimSettlement(ctx, tenantID, transferID)
	if err != nil {
		return nil, err
	}
	attempt := claim.attempt

	switch claim.action {
	case actionNone:
		return attempt, nil
	case actionConfirm:
		return s.confirmSubmitted(ctx, attempt)
	case actionReconcileStale:
		return s.reconcileStalePending(ctx, attempt)
	}

	logAttempt("info", attempt, "settlement attempt claimed")

	owned, err := s.ledger.VerifyOwnership(ctx, attempt.AssetID, attempt.FromWallet)
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return s.releaseAttempt(ctx, attempt, err)
	}
	if err != nil {
		return s.resolveAttempt(ctx, attempt, domain.SettlementStatusFailed, nil, fmt.Sprintf("verify ownership: %v", err))
	}
	if !owned {
		// The asset may already sit with the recipient from an earlier attempt
		// whose outcome was never recorded.
		delivered, err := s.ledger.VerifyOwnership(ctx, attempt.AssetID, attempt.ToWallet)
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return s.releaseAttempt(ctx, attempt, err)
		}
		if err != nil {
			return s.resolveAttempt(ctx, attempt, domain.SettlementStatusFailed, nil, fmt.Sprintf("verify destination ownership: %v", err))
		}
		if delivered {
			return s.resolveAttempt(ctx, attempt, domain.SettlementStatusConfirmed, nil, "")
		}
		return s.resolveAttempt(ctx, attempt, domain.SettlementStatusFailed, nil, "source wallet does not hold the asset")
	}

	submitted, err := s.ledger.SubmitTransfer(ctx, attempt.AssetID, attempt.FromWallet, attempt.ToWallet)
	if err != nil {
		var submitErr *ledger.SubmitError
		if errors.As(err, &submitErr) && submitErr.Signature != "" {
			// A signed transaction may still land; only the ledger can say it did not.
			sig := submitErr.Signature
			attempt, err = s.resolveAttempt(ctx, attempt, domain.SettlementStatusSubmitted, &sig, err.Error())
			if err != nil {
				return nil, err
			}
			return s.confirmSubmitted(ctx, attempt)
		}
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return s.releaseAttempt(ctx, attempt, err)
		}
		return s.resolveAttempt(ctx, attempt, domain.SettlementStatusFailed, nil, err.Error())
	}

	signature := submitted.Signature
	attempt, err = s.resolveAttempt(ctx, attempt, domain.SettlementStatusSubmitted, &signature, "")
	if err != nil {
		return nil, err
	}
	return s.confirmSubmitted(ctx, attempt)
}

// claimSettlement decides, under the transfer row lock, what this worker may
// do. A new PENDING attempt is inserted only when there is no open or
// confirmed attempt.
func (s *Service) claimSettlement(ctx context.Context, tenantID, transferID uuid.UUID) (*settlementClaim, error) {
	var claim *settlementClaim
	err := s.repo.WithinTenantTx(ctx, tenantID, func(ctx context.Context, q store.TxQueries) error {
		transfer, err := q.LockTransfer(ctx, transferID)
		if err != nil {
			return err
		}
		if transfer.Status != domain.TransferStatusCompleted {
			return ErrSettlementNotApplicable
		}
		ticket, err := q.GetTicket(ctx, transfer.TicketID)
		if err != nil {
			return err
		}
		if !ticket.IsLedgerBacked() {
			return ErrSettlementNotApplicable
		}

		latest, err := q.LatestSettlementAttempt(ctx, transfer.ID)
		if err != nil {
			return err
		}
		now := s.now()

		if latest != nil {
			switch latest.Status {
			case domain.SettlementStatusConfirmed:
				claim = &settlementClaim{action: actionNone, attempt: latest}
				return nil
			case domain.SettlementStatusSubmitted:
				claim = &settlementClaim{action: actionConfirm, attempt: latest}
				return nil
			case domain.SettlementStatusPending:
				if latest.ErrorText != nil {
					// Released unsubmitted by a worker that found the circuit open.
					if err := q.UpdateSettlementAttempt(ctx, store.UpdateSettlementAttemptParams{
						AttemptID:  latest.ID,
						FromStatus: domain.SettlementStatusPending,
						Status:     domain.SettlementStatusPending,
						At:         now,
					}); err != nil {
						return err
					}
					latest.ErrorText = nil
					latest.LastAttemptAt = now
					claim = &settlementClaim{action: actionSubmit, attempt: latest}
					return nil
				}
				if now.Sub(latest.LastAttemptAt) < s.opts.ClaimLease {
					return ErrSettlementInProgress
				}
				// Take over the lease before reconciling outside the transaction.
				if err := q.UpdateSettlementAttempt(ctx, store.UpdateSettlementAttemptParams{
					AttemptID:  latest.ID,
					FromStatus: domain.SettlementStatusPending,
					Status:     domain.SettlementStatusPending,
					At:         now,
				}); err != nil {
					return err
				}
				latest.LastAttemptAt = now
				claim = &settlementClaim{action: actionReconcileStale, attempt: latest}
				return nil
			case domain.SettlementStatusFailed:
				if latest.RetryCount+1 >= s.opts.MaxSettlementRetries {
					claim = &settlementClaim{action: actionNone, attempt: latest}
					return ErrSettlementRetriesExhausted
				}
			}
		}

		from, err := q.FindUserByID(ctx, transfer.FromUserID)
		if err != nil {
			return fmt.Errorf("load sender: %w", err)
		}
		to, err := q.FindUserByID(ctx, transfer.ToUserID)
		if err != nil {
			return fmt.Errorf("load recipient: %w", err)
		}
		if from.WalletAddress == nil || *from.WalletAddress == "" || to.WalletAddress == nil || *to.WalletAddress == "" {
			return ErrWalletNotLinked
		}

		attempt := &domain.SettlementAttempt{
			ID:            uuid.New(),
			TenantID:      transfer.TenantID,
			TransferID:    transfer.ID,
			AssetID:       *ticket.AssetID,
			FromWallet:    *from.WalletAddress,
			ToWallet:      *to.WalletAddress,
			Status:        domain.SettlementStatusPending,
			LastAttemptAt: now,
			CreatedAt:     now,
		}
		if latest != nil {
			attempt.RetryCount = latest.RetryCount + 1
		}
		if err := q.InsertSettlementAttempt(ctx, attempt); err != nil {
			if errors.Is(err, store.ErrSettlementAttemptConflict) {
				return ErrSettlementInProgress
			}
			return err
		}
		claim = &settlementClaim{action: actionSubmit, attempt: attempt}
		return nil
	})
	if errors.Is(err, ErrSettlementRetriesExhausted) && claim != nil {
		logAttempt("warn", claim.attempt, "settlement retry budget exhausted")
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return claim, nil
}

// confirmSubmitted polls a SUBMITTED attempt. A poll that ends without an
// answer leaves the row SUBMITTED for the sweep; it is failed only once the
// ledger has had long enough to forget an unlanded transaction.
func (s *Service) confirmSubmitted(ctx context.Context, attempt *domain.SettlementAttempt) (*domain.SettlementAttempt, error) {
	if attempt.Signature == nil {
		return s.resolveAttempt(ctx, attempt, domain.SettlementStatusFailed, nil, "submitted attempt has no signature")
	}
	signature := *attempt.Signature

	var lastStatus ledger.ConfirmationStatus
	confirmed, err := resilience.PollForConfirmation(ctx, func(ctx context.Context) (bool, error) {
		status, err := s.ledger.GetConfirmationStatus(ctx, signature)
		if err != nil {
			return false, err
		}
		lastStatus = status
		if status == ledger.ConfirmationFailed {
			return false, errLedgerRejected
		}
		return status.IsConfirmed(), nil
	}, s.opts.Poll)

	switch {
	case confirmed:
		return s.resolveAttempt(ctx, attempt, domain.SettlementStatusConfirmed, nil, "")
	case errors.Is(err, errLedgerRejected):
		return s.resolveAttempt(ctx, attempt, domain.SettlementStatusFailed, nil, errLedgerRejected.Error())
	case err != nil:
		logAttempt("warn", attempt, fmt.Sprintf("confirmation check failed; status unknown: %v", err))
		return attempt, nil
	}

	if lastStatus == ledger.ConfirmationNotFound && s.now().Sub(attempt.LastAttemptAt) > s.opts.SubmittedUnknownAfter {
		return s.resolveAttempt(ctx, attempt, domain.SettlementStatusFailed, nil, "transaction never landed on ledger")
	}
	logAttempt("info", attempt, fmt.Sprintf("not yet confirmed; status unknown (last=%s)", lastStatus))
	return attempt, nil
}

// reconcileStalePending resolves a PENDING attempt whose worker vanished
// before recording a submission. Ownership on the ledger is the source of truth.
func (s *Service) reconcileStalePending(ctx context.Context, attempt *domain.SettlementAttempt) (*domain.SettlementAttempt, error) {
	delivered, err := s.ledger.VerifyOwnership(ctx, attempt.AssetID, attempt.ToWallet)
	if err != nil {
		logAttempt("warn", attempt, fmt.Sprintf("stale attempt reconcile deferred: %v", err))
		return attempt, nil
	}
	if delivered {
		return s.resolveAttempt(ctx, attempt, domain.SettlementStatusConfirmed, nil, "")
	}
	return s.resolveAttempt(ctx, attempt, domain.SettlementStatusFailed, nil, "attempt abandoned before submission")
}

// releaseAttempt hands an unsubmitted PENDING attempt back without spending
// a retry. The error text marks it as safe to resume: nothing was sent.
func (s *Service) releaseAttempt(ctx context.Context, attempt *domain.SettlementAttempt, cause error) (*domain.SettlementAttempt, error) {
	reason := "deferred: " + cause.Error()
	err := s.repo.WithinTenantTx(ctx, attempt.TenantID, func(ctx context.Context, q store.TxQueries) error {
		return q.UpdateSettlementAttempt(ctx, store.UpdateSettlementAttemptParams{
			AttemptID:  attempt.ID,
			FromStatus: domain.SettlementStatusPending,
			Status:     domain.SettlementStatusPending,
			ErrorText:  &reason,
			At:         s.now(),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("release settlement attempt: %w", err)
	}
	logAttempt("warn", attempt, "ledger circuit open; attempt released")
	return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, cause)
}

// resolveAttempt persists a status change in its own short transaction and
// publishes the outcome once the row is terminal.
func (s *Service) resolveAttempt(ctx context.Context, attempt *domain.SettlementAttempt, status domain.SettlementStatus, signature *string, errorText string) (*domain.SettlementAttempt, error) {
	now := s.now()
	var errText *string
	if errorText != "" {
		errText = &errorText
	}
	err := s.repo.WithinTenantTx(ctx, attempt.TenantID, func(ctx context.Context, q store.TxQueries) error {
		return q.UpdateSettlementAttempt(ctx, store.UpdateSettlementAttemptParams{
			AttemptID:  attempt.ID,
			FromStatus: attempt.Status,
			Status:     status,
			Signature:  signature,
			ErrorText:  errText,
			At:         now,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("record settlement %s: %w", status, err)
	}

	updated := *attempt
	updated.Status = status
	updated.ErrorText = errText
	updated.LastAttemptAt = now
	if signature != nil {
		updated.Signature = signature
	}

	switch status {
	case domain.SettlementStatusConfirmed:
		logAttempt("info", &updated, "settlement confirmed")
		s.publishSettlementEvent(ctx, domain.EventSettlementConfirmed, &updated)
	case domain.SettlementStatusFailed:
		logAttempt("warn", &updated, "settlement failed")
		s.publishSettlementEvent(ctx, domain.EventSettlementFailed, &updated)
	default:
		logAttempt("info", &updated, "settlement submitted")
	}
	return &updated, nil
}

// ListStuckSettlements exposes the recovery interface to external schedulers.
func (s *Service) ListStuckSettlements(ctx context.Context, olderThan time.Time, maxRetryCount int, limit int) ([]domain.StuckSettlement, error) {
	if maxRetryCount <= 0 {
		maxRetryCount = s.opts.MaxSettlementRetries
	}
	return s.repo.ListStuckSettlements(ctx, olderThan, maxRetryCount, limit)
}

// ReconcileStuckSettlements re-drives every stuck settlement older than the
// configured age, a bounded number at a time.
func (s *Service) ReconcileStuckSettlements(ctx context.Context, limit int) (*domain.SettlementReconcileResponse, error) {
	if s.ledger == nil {
		return nil, ErrSettlementDisabled
	}
	if limit <= 0 {
		limit = 100
	}

	items, err := s.ListStuckSettlements(ctx, s.now().Add(-s.opts.StuckSettlementAge), s.opts.MaxSettlementRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("list stuck settlements: %w", err)
	}

	var (
		mu       sync.Mutex
		response = &domain.SettlementReconcileResponse{}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.SweepConcurrency)
	for _, item := range items {
		g.Go(func() error {
			attempt, err := s.SettleTransfer(gctx, item.TenantID, item.TransferID)

			mu.Lock()
			defer mu.Unlock()
			response.Processed++
			switch {
			case errors.Is(err, ErrSettlementInProgress),
				errors.Is(err, ErrSettlementNotApplicable),
				errors.Is(err, ErrSettlementRetriesExhausted),
				errors.Is(err, ErrLedgerUnavailable),
				errors.Is(err, ErrWalletNotLinked):
				response.Skipped++
			case err != nil:
				response.Errors++
				log.Printf("level=error component=settlement op=reconcile tenant_id=%s transfer_id=%s msg=\"reconcile failed\" err=%v", item.TenantID, item.TransferID, err)
			case attempt.Status == domain.SettlementStatusConfirmed:
				response.Confirmed++
			case attempt.Status == domain.SettlementStatusFailed:
				response.Failed++
			case attempt.Status == domain.SettlementStatusSubmitted:
				response.Submitted++
			default:
				response.Skipped++
			}
			// Per-item failures are counted, never fatal to the sweep.
			return nil
		})
	}
	_ = g.Wait()

	log.Printf("level=info component=settlement op=reconcile processed=%d confirmed=%d submitted=%d failed=%d skipped=%d errors=%d msg=\"sweep finished\"",
		response.Processed, response.Confirmed, response.Submitted, response.Failed, response.Skipped, response.Errors)
	return response, nil
}

func (s *Service) publishSettlementEvent(ctx context.Context, eventType string, attempt *domain.SettlementAttempt) {
	if s.events == nil {
		return
	}
	event := domain.SettlementEvent{
		EventID:    uuid.NewString(),
		EventType:  eventType,
		TenantID:   attempt.TenantID,
		TransferID: attempt.TransferID,
		AttemptID:  attempt.ID,
		AssetID:    attempt.AssetID,
		Status:     attempt.Status,
		Signature:  attempt.Signature,
		ErrorText:  attempt.ErrorText,
		RetryCount: attempt.RetryCount,
		OccurredAt: s.now(),
	}
	if err := s.events.Publish(ctx, s.opts.EventsExchange, eventType, event); err != nil {
		log.Printf("level=warn component=settlement op=publish_event event=%s transfer_id=%s msg=\"event publish failed\" err=%v", eventType, attempt.TransferID, err)
	}
}

func logAttempt(level string, attempt *domain.SettlementAttempt, msg string) {
	signature := ""
	if attempt.Signature != nil {
		signature = *attempt.Signature
	}
	log.Printf("level=%s component=settlement tenant_id=%s transfer_id=%s attempt_id=%s asset_id=%s retry_count=%d status=%s signature=%s msg=%q",
		level, attempt.TenantID, attempt.TransferID, attempt.ID, attempt.AssetID, attempt.RetryCount, attempt.Status, signature, msg)
}
