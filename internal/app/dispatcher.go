package app

import (
	"context"
	"fmt"

	"github.com/tickettoken/transfer-service/internal/domain"
	"github.com/tickettoken/transfer-service/pkg/rabbitmq"
)

// QueueSettlementDispatcher publishes settlement jobs to the broker, where
// SettlementConsumer picks them up.
type QueueSettlementDispatcher struct {
	publisher rabbitmq.Publisher
	exchange  string
}

func NewQueueSettlementDispatcher(publisher rabbitmq.Publisher, exchange string) *QueueSettlementDispatcher {
	return &QueueSettlementDispatcher{publisher: publisher, exchange: exchange}
}

func (d *QueueSettlementDispatcher) DispatchSettlement(ctx context.Context, job domain.SettlementJob) error {
	if d == nil || d.publisher == nil {
		return fmt.Errorf("settlement dispatcher not configured")
	}
	return d.publisher.Publish(ctx, d.exchange, domain.JobSettlementRequested, job)
}
