package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tickettoken/transfer-service/internal/app"
	"github.com/tickettoken/transfer-service/internal/domain"
	"github.com/tickettoken/transfer-service/internal/resilience"
	"github.com/tickettoken/transfer-service/internal/tenant"
)

const testInternalKey = "internal-secret"

type transferServiceStub struct {
	TransferService

	createFn    func(scope tenant.Scope, req domain.CreateTransferRequest) (*domain.Transfer, error)
	acceptFn    func(scope tenant.Scope, id uuid.UUID, code string) (*domain.AcceptResult, error)
	cancelFn    func(scope tenant.Scope, id uuid.UUID) (*domain.Transfer, error)
	statusFn    func(scope tenant.Scope, id uuid.UUID) (*domain.TransferStatusView, error)
	stuckFn     func(olderThan time.Time, maxRetry, limit int) ([]domain.StuckSettlement, error)
	reconcileFn func(limit int) (*domain.SettlementReconcileResponse, error)
}

func (s *transferServiceStub) CreateTransfer(ctx context.Context, scope tenant.Scope, req domain.CreateTransferRequest) (*domain.Transfer, error) {
	return s.createFn(scope, req)
}

func (s *transferServiceStub) AcceptTransfer(ctx context.Context, scope tenant.Scope, transferID uuid.UUID, acceptanceCode string) (*domain.AcceptResult, error) {
	return s.acceptFn(scope, transferID, acceptanceCode)
}

func (s *transferServiceStub) CancelTransfer(ctx context.Context, scope tenant.Scope, transferID uuid.UUID) (*domain.Transfer, error) {
	return s.cancelFn(scope, transferID)
}

func (s *transferServiceStub) GetTransferStatus(ctx context.Context, scope tenant.Scope, transferID uuid.UUID) (*domain.TransferStatusView, error) {
	return s.statusFn(scope, transferID)
}

func (s *transferServiceStub) ListStuckSettlements(ctx context.Context, olderThan time.Time, maxRetryCount int, limit int) ([]domain.StuckSettlement, error) {
	return s.stuckFn(olderThan, maxRetryCount, limit)
}

func (s *transferServiceStub) ReconcileStuckSettlements(ctx context.Context, limit int) (*domain.SettlementReconcileResponse, error) {
	return s.reconcileFn(limit)
}

type routerFixture struct {
	router   http.Handler
	tenantID uuid.UUID
	userID   uuid.UUID
	token    string
}

func newRouterFixture(t *testing.T, svc TransferService, breakers BreakerSnapshotter) *routerFixture {
	t.Helper()
	f := &routerFixture{tenantID: uuid.New(), userID: uuid.New()}
	f.token = signToken(t, testSigningKey, testKID, validClaims(f.tenantID, f.userID))
	f.router = TransferRoutes(NewTransferHandlers(svc, breakers), RouterOptions{
		Keys:           staticKeys{testKID: &testSigningKey.PublicKey},
		Issuer:         "https://auth.test",
		InternalAPIKey: testInternalKey,
	})
	return f
}

func (f *routerFixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+f.token)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *routerFixture) doInternal(method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set(internalAPIKeyHeader, testInternalKey)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
}

func TestCreateTransferHandler_PassesScopeAndHidesCode(t *testing.T) {
	ticketID := uuid.New()
	var gotScope tenant.Scope
	var gotReq domain.CreateTransferRequest
	svc := &transferServiceStub{
		createFn: func(scope tenant.Scope, req domain.CreateTransferRequest) (*domain.Transfer, error) {
			gotScope = scope
			gotReq = req
			return &domain.Transfer{
				ID:             uuid.New(),
				TenantID:       scope.TenantID,
				TicketID:       req.TicketID,
				FromUserID:     scope.UserID,
				Status:         domain.TransferStatusPending,
				AcceptanceCode: "ABCDEFGHJK",
			}, nil
		},
	}
	f := newRouterFixture(t, svc, nil)

	rec := f.do(http.MethodPost, "/transfers", fmt.Sprintf(`{"ticket_id":%q,"recipient":"bob@example.com"}`, ticketID))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rec.Code, rec.Body.String())
	}
	if gotScope.TenantID != f.tenantID || gotScope.UserID != f.userID {
		t.Fatalf("scope not propagated: %+v", gotScope)
	}
	if gotReq.TicketID != ticketID || gotReq.Recipient != "bob@example.com" {
		t.Fatalf("unexpected request %+v", gotReq)
	}
	if strings.Contains(rec.Body.String(), "ABCDEFGHJK") {
		t.Fatalf("acceptance code leaked in response: %s", rec.Body.String())
	}
}

func TestCreateTransferHandler_RejectsBadBodies(t *testing.T) {
	called := false
	svc := &transferServiceStub{
		createFn: func(scope tenant.Scope, req domain.CreateTransferRequest) (*domain.Transfer, error) {
			called = true
			return &domain.Transfer{}, nil
		},
	}
	f := newRouterFixture(t, svc, nil)

	for _, body := range []string{`not json`, `{"recipient":"bob@example.com"}`, `{"ticket_id":"x"}`, `{"ticket_id":"` + uuid.NewString() + `","extra":1}`} {
		rec := f.do(http.MethodPost, "/transfers", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", body, rec.Code)
		}
	}
	if called {
		t.Fatal("service must not be called for invalid bodies")
	}
}

func TestAcceptTransferHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "not found", err: app.ErrTransferNotFound, want: http.StatusNotFound},
		{name: "ticket gone", err: app.ErrTicketNotFound, want: http.StatusNotFound},
		{name: "expired", err: app.ErrTransferExpired, want: http.StatusGone},
		{name: "invalid code", err: app.ErrInvalidAcceptanceCode, want: http.StatusForbidden},
		{name: "already processed", err: app.ErrTransferAlreadyProcessed, want: http.StatusConflict},
		{name: "wrapped already processed", err: fmt.Errorf("accept: %w", app.ErrTransferAlreadyProcessed), want: http.StatusConflict},
		{name: "missing tenant", err: tenant.ErrMissingTenant, want: http.StatusUnauthorized},
		{name: "internal", err: errors.New("connection refused"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &transferServiceStub{
				acceptFn: func(scope tenant.Scope, id uuid.UUID, code string) (*domain.AcceptResult, error) {
					return nil, tt.err
				},
			}
			f := newRouterFixture(t, svc, nil)
			rec := f.do(http.MethodPost, "/transfers/"+uuid.NewString()+"/accept", `{"acceptance_code":"abc"}`)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d body=%s", tt.want, rec.Code, rec.Body.String())
			}
			if tt.want == http.StatusInternalServerError && strings.Contains(rec.Body.String(), "connection refused") {
				t.Fatalf("internal error detail leaked: %s", rec.Body.String())
			}
		})
	}
}

func TestAcceptTransferHandler_RateLimited(t *testing.T) {
	svc := &transferServiceStub{
		acceptFn: func(scope tenant.Scope, id uuid.UUID, code string) (*domain.AcceptResult, error) {
			return nil, &app.RateLimitError{RetryAfter: 90 * time.Second}
		},
	}
	f := newRouterFixture(t, svc, nil)

	rec := f.do(http.MethodPost, "/transfers/"+uuid.NewString()+"/accept", `{"acceptance_code":"abc"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "90" {
		t.Fatalf("expected Retry-After 90, got %q", got)
	}
}

func TestAcceptTransferHandler_Success(t *testing.T) {
	transferID := uuid.New()
	var gotCode string
	svc := &transferServiceStub{
		acceptFn: func(scope tenant.Scope, id uuid.UUID, code string) (*domain.AcceptResult, error) {
			if id != transferID {
				t.Fatalf("unexpected transfer id %s", id)
			}
			gotCode = code
			return &domain.AcceptResult{
				Transfer:   &domain.Transfer{ID: id, Status: domain.TransferStatusCompleted},
				NewOwnerID: scope.UserID,
				Settlement: domain.SettlementPendingSummary,
			}, nil
		},
	}
	f := newRouterFixture(t, svc, nil)

	rec := f.do(http.MethodPost, "/transfers/"+transferID.String()+"/accept", `{"acceptance_code":"k7m2p9qrst"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if gotCode != "k7m2p9qrst" {
		t.Fatalf("code not passed through: %q", gotCode)
	}
	var result domain.AcceptResult
	decodeBody(t, rec, &result)
	if result.Settlement != domain.SettlementPendingSummary || result.NewOwnerID != f.userID {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestTransferHandlers_ValidationErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "recipient not found", err: app.ErrRecipientNotFound, want: http.StatusNotFound},
		{name: "already pending", err: app.ErrTransferAlreadyPending, want: http.StatusConflict},
		{name: "not transferable", err: app.ErrTicketNotTransferable, want: http.StatusUnprocessableEntity},
		{name: "self transfer", err: app.ErrSelfTransfer, want: http.StatusUnprocessableEntity},
		{name: "invalid recipient", err: app.ErrInvalidRecipient, want: http.StatusBadRequest},
		{name: "message too long", err: app.ErrInvalidMessage, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &transferServiceStub{
				createFn: func(scope tenant.Scope, req domain.CreateTransferRequest) (*domain.Transfer, error) {
					return nil, tt.err
				},
			}
			f := newRouterFixture(t, svc, nil)
			rec := f.do(http.MethodPost, "/transfers", fmt.Sprintf(`{"ticket_id":%q,"recipient":"x"}`, uuid.New()))
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
			var body map[string]string
			decodeBody(t, rec, &body)
			if body["error"] != tt.err.Error() {
				t.Fatalf("expected error %q, got %q", tt.err.Error(), body["error"])
			}
		})
	}
}

func TestCancelAndStatusHandlers(t *testing.T) {
	transferID := uuid.New()
	svc := &transferServiceStub{
		cancelFn: func(scope tenant.Scope, id uuid.UUID) (*domain.Transfer, error) {
			return nil, app.ErrCancelNotAllowed
		},
		statusFn: func(scope tenant.Scope, id uuid.UUID) (*domain.TransferStatusView, error) {
			return &domain.TransferStatusView{
				Transfer:   &domain.Transfer{ID: id, Status: domain.TransferStatusCompleted},
				Settlement: domain.SettlementConfirmedSummary,
			}, nil
		},
	}
	f := newRouterFixture(t, svc, nil)

	if rec := f.do(http.MethodPost, "/transfers/"+transferID.String()+"/cancel", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-sender cancel, got %d", rec.Code)
	}

	rec := f.do(http.MethodGet, "/transfers/"+transferID.String(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var view domain.TransferStatusView
	decodeBody(t, rec, &view)
	if view.Settlement != domain.SettlementConfirmedSummary || view.Transfer.ID != transferID {
		t.Fatalf("unexpected view %+v", view)
	}

	if rec := f.do(http.MethodGet, "/transfers/not-a-uuid", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", rec.Code)
	}
}

func TestTransferRoutes_RequireAuth(t *testing.T) {
	f := newRouterFixture(t, &transferServiceStub{}, nil)
	for _, path := range []string{"/transfers/" + uuid.NewString(), "/internal/breakers"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: expected 200, got %d", rec.Code)
	}
}

func TestInternalSettlementHandlers(t *testing.T) {
	var gotOlderThan time.Time
	var gotMaxRetry, gotLimit, gotReconcileLimit int
	svc := &transferServiceStub{
		stuckFn: func(olderThan time.Time, maxRetry, limit int) ([]domain.StuckSettlement, error) {
			gotOlderThan, gotMaxRetry, gotLimit = olderThan, maxRetry, limit
			return nil, nil
		},
		reconcileFn: func(limit int) (*domain.SettlementReconcileResponse, error) {
			gotReconcileLimit = limit
			return &domain.SettlementReconcileResponse{Processed: 2, Confirmed: 1, Skipped: 1}, nil
		},
	}
	f := newRouterFixture(t, svc, nil)

	before := time.Now().UTC()
	rec := f.doInternal(http.MethodGet, "/internal/settlements/stuck?older_than_seconds=600&max_retry_count=5&limit=20")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if gotMaxRetry != 5 || gotLimit != 20 {
		t.Fatalf("unexpected query params max_retry=%d limit=%d", gotMaxRetry, gotLimit)
	}
	if age := before.Sub(gotOlderThan); age < 599*time.Second || age > 601*time.Second {
		t.Fatalf("unexpected cutoff age %s", age)
	}
	var listBody struct {
		Items []domain.StuckSettlement `json:"items"`
		Count int                      `json:"count"`
	}
	decodeBody(t, rec, &listBody)
	if listBody.Items == nil || listBody.Count != 0 {
		t.Fatalf("expected empty items array, got %s", rec.Body.String())
	}

	if rec := f.doInternal(http.MethodGet, "/internal/settlements/stuck?limit=-1"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative limit, got %d", rec.Code)
	}

	rec = f.doInternal(http.MethodPost, "/internal/settlements/reconcile?limit=7")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var tally domain.SettlementReconcileResponse
	decodeBody(t, rec, &tally)
	if gotReconcileLimit != 7 || tally.Processed != 2 || tally.Confirmed != 1 {
		t.Fatalf("unexpected reconcile limit=%d tally=%+v", gotReconcileLimit, tally)
	}
}

func TestReconcileHandler_SettlementDisabled(t *testing.T) {
	svc := &transferServiceStub{
		reconcileFn: func(limit int) (*domain.SettlementReconcileResponse, error) {
			return nil, app.ErrSettlementDisabled
		},
	}
	f := newRouterFixture(t, svc, nil)
	if rec := f.doInternal(http.MethodPost, "/internal/settlements/reconcile"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestBreakersHandler(t *testing.T) {
	registry := resilience.NewRegistry(resilience.DefaultBreakerSettings())
	registry.Get("solana-rpc")
	f := newRouterFixture(t, &transferServiceStub{}, registry)

	rec := f.doInternal(http.MethodGet, "/internal/breakers")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Breakers []struct {
			Name  string `json:"name"`
			State string `json:"state"`
		} `json:"breakers"`
	}
	decodeBody(t, rec, &body)
	if len(body.Breakers) != 1 || body.Breakers[0].Name != "solana-rpc" || body.Breakers[0].State != "CLOSED" {
		t.Fatalf("unexpected breakers %s", rec.Body.String())
	}
}

func TestTransferRoutes_CredentialedCORSOnlyForExplicitOrigins(t *testing.T) {
	tests := []struct {
		name      string
		origins   []string
		origin    string
		wantAllow string
		wantCreds string
	}{
		{name: "default wildcard", origins: nil, origin: "https://evil.example", wantAllow: "https://evil.example", wantCreds: ""},
		{name: "star", origins: []string{"*"}, origin: "https://evil.example", wantAllow: "*", wantCreds: ""},
		{name: "subdomain pattern", origins: []string{"https://*.tickettoken.test"}, origin: "https://app.tickettoken.test", wantAllow: "https://app.tickettoken.test", wantCreds: ""},
		{name: "explicit list", origins: []string{"https://app.tickettoken.test"}, origin: "https://app.tickettoken.test", wantAllow: "https://app.tickettoken.test", wantCreds: "true"},
		{name: "explicit list rejects others", origins: []string{"https://app.tickettoken.test"}, origin: "https://evil.example", wantAllow: "", wantCreds: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := TransferRoutes(NewTransferHandlers(&transferServiceStub{}, nil), RouterOptions{
				Keys:           staticKeys{},
				Issuer:         "https://auth.test",
				AllowedOrigins: tt.origins,
			})
			req := httptest.NewRequest(http.MethodOptions, "/transfers", nil)
			req.Header.Set("Origin", tt.origin)
			req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Fatalf("Access-Control-Allow-Origin = %q, want %q", got, tt.wantAllow)
			}
			if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != tt.wantCreds {
				t.Fatalf("Access-Control-Allow-Credentials = %q, want %q", got, tt.wantCreds)
			}
		})
	}
}
