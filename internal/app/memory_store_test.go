package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tickettoken/transfer-service/internal/domain"
	"github.com/tickettoken/transfer-service/internal/ledger"
	"github.com/tickettoken/transfer-service/internal/store"
	"github.com/tickettoken/transfer-service/internal/tenant"
)

// memoryState is copied at the start of every transaction and swapped back
// in on commit, so a failed fn leaves no trace.
type memoryState struct {
	users     map[uuid.UUID]domain.User
	tickets   map[uuid.UUID]domain.Ticket
	transfers map[uuid.UUID]domain.Transfer
	attempts  map[uuid.UUID]domain.SettlementAttempt
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		users:     make(map[uuid.UUID]domain.User, len(s.users)),
		tickets:   make(map[uuid.UUID]domain.Ticket, len(s.tickets)),
		transfers: make(map[uuid.UUID]domain.Transfer, len(s.transfers)),
		attempts:  make(map[uuid.UUID]domain.SettlementAttempt, len(s.attempts)),
	}
	for k, v := range s.users {
		out.users[k] = v
	}
	for k, v := range s.tickets {
		out.tickets[k] = v
	}
	for k, v := range s.transfers {
		out.transfers[k] = v
	}
	for k, v := range s.attempts {
		out.attempts[k] = v
	}
	return out
}

// memoryRepo serialises transactions behind one mutex, which is stricter
// than the row locks the SQL store takes but yields the same outcomes.
type memoryRepo struct {
	mu    sync.Mutex
	state memoryState

	txCount int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{state: memoryState{}.clone()}
}

func (r *memoryRepo) WithinTenantTx(ctx context.Context, tenantID uuid.UUID, fn func(ctx context.Context, q store.TxQueries) error) error {
	if tenantID == uuid.Nil {
		return tenant.ErrMissingTenant
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txCount++

	working := r.state.clone()
	if err := fn(ctx, &memoryTx{tenantID: tenantID, state: working}); err != nil {
		return err
	}
	r.state = working
	return nil
}

func (r *memoryRepo) ListStuckSettlements(ctx context.Context, olderThan time.Time, maxRetryCount int, limit int) ([]domain.StuckSettlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.StuckSettlement
	for _, transfer := range r.state.transfers {
		if transfer.Status != domain.TransferStatusCompleted {
			continue
		}
		ticket := r.state.tickets[transfer.TicketID]
		if !ticket.IsLedgerBacked() {
			continue
		}
		latest := latestAttempt(r.state, transfer.TenantID, transfer.ID)
		if latest == nil {
			if transfer.AcceptedAt != nil && transfer.AcceptedAt.Before(olderThan) {
				out = append(out, domain.StuckSettlement{TenantID: transfer.TenantID, TransferID: transfer.ID, LastAttemptAt: *transfer.AcceptedAt})
			}
			continue
		}
		if !latest.LastAttemptAt.Before(olderThan) {
			continue
		}
		switch latest.Status {
		case domain.SettlementStatusConfirmed:
			continue
		case domain.SettlementStatusFailed:
			if latest.RetryCount+1 >= maxRetryCount {
				continue
			}
		}
		id, status := latest.ID, latest.Status
		out = append(out, domain.StuckSettlement{
			TenantID:      latest.TenantID,
			TransferID:    latest.TransferID,
			AttemptID:     &id,
			Status:        &status,
			Signature:     latest.Signature,
			RetryCount:    latest.RetryCount,
			LastAttemptAt: latest.LastAttemptAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastAttemptAt.Before(out[j].LastAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Seeding and inspection helpers; they bypass tenant scoping.

func (r *memoryRepo) addUser(tenantID uuid.UUID, email string, wallet string) domain.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	user := domain.User{ID: uuid.New(), TenantID: tenantID, Email: email, CreatedAt: time.Now().UTC()}
	if wallet != "" {
		user.WalletAddress = &wallet
	}
	r.state.users[user.ID] = user
	return user
}

func (r *memoryRepo) addTicket(ticket domain.Ticket) domain.Ticket {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ticket.ID == uuid.Nil {
		ticket.ID = uuid.New()
	}
	if ticket.TicketTypeID == uuid.Nil {
		ticket.TicketTypeID = uuid.New()
	}
	r.state.tickets[ticket.ID] = ticket
	return ticket
}

func (r *memoryRepo) ticket(id uuid.UUID) domain.Ticket {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.tickets[id]
}

func (r *memoryRepo) transfer(id uuid.UUID) domain.Transfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.transfers[id]
}

func (r *memoryRepo) setTransfer(transfer domain.Transfer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.transfers[transfer.ID] = transfer
}

func (r *memoryRepo) putAttempt(attempt domain.SettlementAttempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.attempts[attempt.ID] = attempt
}

// attemptsFor returns the chain oldest first.
func (r *memoryRepo) attemptsFor(transferID uuid.UUID) []domain.SettlementAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.SettlementAttempt
	for _, a := range r.state.attempts {
		if a.TransferID == transferID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RetryCount < out[j].RetryCount })
	return out
}

func (r *memoryRepo) userByEmail(tenantID uuid.UUID, email string) (domain.User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.state.users {
		if u.TenantID == tenantID && u.Email == email {
			return u, true
		}
	}
	return domain.User{}, false
}

func latestAttempt(state memoryState, tenantID, transferID uuid.UUID) *domain.SettlementAttempt {
	var latest *domain.SettlementAttempt
	for _, a := range state.attempts {
		if a.TenantID != tenantID || a.TransferID != transferID {
			continue
		}
		if latest == nil || a.RetryCount > latest.RetryCount {
			copied := a
			latest = &copied
		}
	}
	return latest
}

type memoryTx struct {
	tenantID uuid.UUID
	state    memoryState
}

func (q *memoryTx) TenantID() uuid.UUID { return q.tenantID }

func (q *memoryTx) LockTicketForOwner(ctx context.Context, ticketID, ownerID uuid.UUID) (*domain.Ticket, error) {
	ticket, err := q.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if ticket.OwnerID != ownerID {
		return nil, store.ErrTicketNotFound
	}
	return ticket, nil
}

func (q *memoryTx) LockTicket(ctx context.Context, ticketID uuid.UUID) (*domain.Ticket, error) {
	return q.GetTicket(ctx, ticketID)
}

func (q *memoryTx) GetTicket(ctx context.Context, ticketID uuid.UUID) (*domain.Ticket, error) {
	ticket, ok := q.state.tickets[ticketID]
	if !ok || ticket.TenantID != q.tenantID {
		return nil, store.ErrTicketNotFound
	}
	return &ticket, nil
}

func (q *memoryTx) UpdateTicketOwner(ctx context.Context, ticketID, fromOwnerID, toOwnerID uuid.UUID) error {
	ticket, ok := q.state.tickets[ticketID]
	if !ok || ticket.TenantID != q.tenantID || ticket.OwnerID != fromOwnerID {
		return store.ErrTicketOwnerConflict
	}
	ticket.OwnerID = toOwnerID
	ticket.TransferCount++
	q.state.tickets[ticketID] = ticket
	return nil
}

func (q *memoryTx) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	user, ok := q.state.users[userID]
	if !ok || user.TenantID != q.tenantID {
		return nil, store.ErrUserNotFound
	}
	return &user, nil
}

func (q *memoryTx) FindOrCreateUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	for _, user := range q.state.users {
		if user.TenantID == q.tenantID && user.Email == email {
			found := user
			return &found, nil
		}
	}
	user := domain.User{ID: uuid.New(), TenantID: q.tenantID, Email: email, CreatedAt: time.Now().UTC()}
	q.state.users[user.ID] = user
	return &user, nil
}

func (q *memoryTx) FindPendingTransferForTicket(ctx context.Context, ticketID uuid.UUID) (*domain.Transfer, error) {
	for _, t := range q.state.transfers {
		if t.TenantID == q.tenantID && t.TicketID == ticketID && t.Status == domain.TransferStatusPending {
			found := t
			return &found, nil
		}
	}
	return nil, nil
}

func (q *memoryTx) InsertTransfer(ctx context.Context, transfer *domain.Transfer) error {
	if transfer.TenantID != q.tenantID {
		return fmt.Errorf("insert transfer: tenant %s does not match transaction scope", transfer.TenantID)
	}
	for _, t := range q.state.transfers {
		if t.TicketID == transfer.TicketID && t.Status == domain.TransferStatusPending {
			return store.ErrTransferAlreadyPending
		}
	}
	q.state.transfers[transfer.ID] = *transfer
	return nil
}

func (q *memoryTx) GetTransfer(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	t, ok := q.state.transfers[transferID]
	if !ok || t.TenantID != q.tenantID {
		return nil, store.ErrTransferNotFound
	}
	return &t, nil
}

func (q *memoryTx) LockTransfer(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	return q.GetTransfer(ctx, transferID)
}

func (q *memoryTx) UpdateTransferStatus(ctx context.Context, transferID uuid.UUID, from, to domain.TransferStatus, at time.Time) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("illegal transfer transition %s -> %s", from, to)
	}
	t, ok := q.state.transfers[transferID]
	if !ok || t.TenantID != q.tenantID || t.Status != from {
		return store.ErrTransferStateConflict
	}
	t.Status = to
	switch to {
	case domain.TransferStatusCompleted:
		t.AcceptedAt = &at
	case domain.TransferStatusCancelled:
		t.CancelledAt = &at
	}
	q.state.transfers[transferID] = t
	return nil
}

func (q *memoryTx) LatestSettlementAttempt(ctx context.Context, transferID uuid.UUID) (*domain.SettlementAttempt, error) {
	return latestAttempt(q.state, q.tenantID, transferID), nil
}

func (q *memoryTx) InsertSettlementAttempt(ctx context.Context, attempt *domain.SettlementAttempt) error {
	if attempt.TenantID != q.tenantID {
		return fmt.Errorf("insert settlement attempt: tenant %s does not match transaction scope", attempt.TenantID)
	}
	for _, a := range q.state.attempts {
		if a.TransferID != attempt.TransferID {
			continue
		}
		if a.RetryCount == attempt.RetryCount || !a.Status.IsTerminal() || a.Status == domain.SettlementStatusConfirmed {
			return store.ErrSettlementAttemptConflict
		}
	}
	q.state.attempts[attempt.ID] = *attempt
	return nil
}

func (q *memoryTx) UpdateSettlementAttempt(ctx context.Context, params store.UpdateSettlementAttemptParams) error {
	a, ok := q.state.attempts[params.AttemptID]
	if !ok || a.TenantID != q.tenantID || a.Status != params.FromStatus {
		return store.ErrSettlementStateConflict
	}
	a.Status = params.Status
	if params.Signature != nil {
		a.Signature = params.Signature
	}
	a.ErrorText = params.ErrorText
	a.LastAttemptAt = params.At
	q.state.attempts[params.AttemptID] = a
	return nil
}

// ledgerStub models one mint per asset id. Submitting moves the asset
// unless submitErr is set.
type ledgerStub struct {
	mu sync.Mutex

	holders      map[string]string
	verifyErr    error
	submitErr    error
	statusErr    error
	statuses     []ledger.ConfirmationStatus
	keepOnSubmit bool

	submitCalls int
	statusCalls int
	verifyCalls int
}

func newLedgerStub() *ledgerStub {
	return &ledgerStub{holders: map[string]string{}}
}

func (l *ledgerStub) VerifyOwnership(ctx context.Context, assetID, walletAddress string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.verifyCalls++
	if l.verifyErr != nil {
		return false, l.verifyErr
	}
	return l.holders[assetID] == walletAddress, nil
}

func (l *ledgerStub) SubmitTransfer(ctx context.Context, assetID, fromWallet, toWallet string) (*ledger.SubmitResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submitCalls++
	if l.submitErr != nil {
		return nil, l.submitErr
	}
	if !l.keepOnSubmit {
		l.holders[assetID] = toWallet
	}
	return &ledger.SubmitResult{Signature: fmt.Sprintf("sig-%d", l.submitCalls)}, nil
}

func (l *ledgerStub) GetConfirmationStatus(ctx context.Context, signature string) (ledger.ConfirmationStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statusCalls++
	if l.statusErr != nil {
		return "", l.statusErr
	}
	if len(l.statuses) == 0 {
		return ledger.ConfirmationConfirmed, nil
	}
	status := l.statuses[0]
	if len(l.statuses) > 1 {
		l.statuses = l.statuses[1:]
	}
	return status, nil
}

func (l *ledgerStub) holder(assetID string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holders[assetID]
}

type publishedEvent struct {
	exchange   string
	routingKey string
	body       interface{}
}

type publisherStub struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, publishedEvent{exchange: exchange, routingKey: routingKey, body: body})
	return nil
}

func (p *publisherStub) Close() {}

func (p *publisherStub) byKey(routingKey string) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedEvent
	for _, e := range p.events {
		if e.routingKey == routingKey {
			out = append(out, e)
		}
	}
	return out
}

type dispatcherStub struct {
	mu   sync.Mutex
	jobs []domain.SettlementJob
	err  error
}

func (d *dispatcherStub) DispatchSettlement(ctx context.Context, job domain.SettlementJob) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.jobs = append(d.jobs, job)
	return nil
}

type limiterStub struct {
	mu     sync.Mutex
	counts map[string]int
	err    error
}

func (l *limiterStub) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return 0, 0, l.err
	}
	if l.counts == nil {
		l.counts = map[string]int{}
	}
	l.counts[scope+":"+subject]++
	return l.counts[scope+":"+subject], int(window / time.Second), nil
}
