package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/tickettoken/transfer-service/internal/domain"
	"github.com/tickettoken/transfer-service/internal/store"
)

// Settler is the part of Service the settlement worker drives.
type Settler interface {
	SettleTransfer(ctx context.Context, tenantID, transferID uuid.UUID) (*domain.SettlementAttempt, error)
}

type SettlementConsumer struct {
	settler Settler
	timeout time.Duration
}

// NewSettlementConsumer builds the settlement.requested handler. timeout
// bounds one job, so it must exceed the confirmation poll deadline.
func NewSettlementConsumer(settler Settler, timeout time.Duration) *SettlementConsumer {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &SettlementConsumer{settler: settler, timeout: timeout}
}

// HandleMessage returns false only for failures worth redelivering.
func (c *SettlementConsumer) HandleMessage(body []byte) bool {
	var job domain.SettlementJob
	if err := json.Unmarshal(body, &job); err != nil {
		log.Printf("level=warn component=settlement_consumer msg=\"failed to unmarshal payload; dropping\" err=%v", err)
		return true
	}
	if job.TenantID == uuid.Nil || job.TransferID == uuid.Nil {
		log.Printf("level=warn component=settlement_consumer job_id=%s msg=\"job missing tenant or transfer id; dropping\"", job.JobID)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	attempt, err := c.settler.SettleTransfer(ctx, job.TenantID, job.TransferID)
	switch {
	case err == nil:
		log.Printf("level=info component=settlement_consumer job_id=%s tenant_id=%s transfer_id=%s status=%s msg=\"job processed\"", job.JobID, job.TenantID, job.TransferID, attempt.Status)
		return true
	case errors.Is(err, ErrSettlementInProgress),
		errors.Is(err, ErrSettlementNotApplicable),
		errors.Is(err, ErrSettlementRetriesExhausted),
		errors.Is(err, ErrSettlementDisabled),
		errors.Is(err, ErrLedgerUnavailable),
		errors.Is(err, ErrWalletNotLinked),
		errors.Is(err, store.ErrTransferNotFound),
		errors.Is(err, store.ErrTicketNotFound):
		// The sweep owns anything left unresolved here.
		log.Printf("level=info component=settlement_consumer job_id=%s tenant_id=%s transfer_id=%s msg=\"job acknowledged without settlement\" reason=%q", job.JobID, job.TenantID, job.TransferID, err.Error())
		return true
	default:
		log.Printf("level=error component=settlement_consumer job_id=%s tenant_id=%s transfer_id=%s msg=\"job failed; requeueing\" err=%v", job.JobID, job.TenantID, job.TransferID, err)
		return false
	}
}
