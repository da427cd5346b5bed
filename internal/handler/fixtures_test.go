package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/auth0/go-jwt-middleware/v2/validator"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rosstax/settlement-core/internal/calendar"
	"github.com/rosstax/settlement-core/internal/domain"
	"github.com/rosstax/settlement-core/internal/lock"
	"github.com/rosstax/settlement-core/internal/middleware"
	"github.com/rosstax/settlement-core/internal/retry"
	"github.com/rosstax/settlement-core/internal/service"
	"github.com/rosstax/settlement-core/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// Wednesday 2026-03-04 10:00 UTC
var testNow = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

const (
	clientSub   = "auth0|client-1"
	otherSub    = "auth0|client-2"
	operatorSub = "auth0|ops-1"

	clientToken   = "client-token"
	otherToken    = "other-token"
	operatorToken = "operator-token"

	callbackSecret = "whsec_test"
)

var fastRetry = retry.Policy{
	MaxAttempts:     3,
	InitialInterval: time.Millisecond,
	MaxInterval:     2 * time.Millisecond,
	Multiplier:      1,
}

func fixedClock() time.Time { return testNow }

// tokenValidator resolves fixed bearer tokens to claims
type tokenValidator map[string]*validator.ValidatedClaims

func (v tokenValidator) ValidateToken(ctx context.Context, token string) (interface{}, error) {
	claims, ok := v[token]
	if !ok {
		return nil, errors.New("unknown token")
	}
	return claims, nil
}

func claimsFor(subject string, permissions ...string) *validator.ValidatedClaims {
	return &validator.ValidatedClaims{
		RegisteredClaims: validator.RegisteredClaims{Subject: subject},
		CustomClaims:     &middleware.CustomClaims{Permissions: permissions},
	}
}

// apiFixture mounts every route over in-memory repositories
type apiFixture struct {
	e           *echo.Echo
	ledgerRepo  *testutil.MockLedgerRepository
	depositRepo *testutil.MockDepositRepository
	settlements *testutil.MockSettlementRepository
	decoder     *testutil.MockDecoder
	gateway     *testutil.MockGateway
	intents     *testutil.IntentRecorder
	ledger      *service.LedgerService
	reconciler  *service.ReconcilerService
	advances    *service.AdvanceService
	signer      *middleware.SignatureVerifier
}

func setupAPI() *apiFixture {
	locker := lock.NewLocalLocker()
	ledgerRepo := testutil.NewMockLedgerRepository()
	depositRepo := testutil.NewMockDepositRepository()
	settlements := testutil.NewMockSettlementRepository()
	advanceRepo := testutil.NewMockAdvanceRepository()
	decoder := testutil.NewMockDecoder()
	gw := testutil.NewMockGateway()
	intents := &testutil.IntentRecorder{}

	ledger := service.NewLedgerService(ledgerRepo, locker)
	ledger.SetClock(fixedClock)
	ledger.SetRetryPolicy(fastRetry)

	deposits := service.NewDepositService(depositRepo, ledger, service.NewHoldScheduler(calendar.New("test")), decoder, locker)
	deposits.SetClock(fixedClock)

	advances := service.NewAdvanceService(advanceRepo, settlements, ledger, gw, locker)
	advances.SetClock(fixedClock)
	advances.SetRetryPolicy(fastRetry)

	reconciler := service.NewReconcilerService(settlements, advances, ledger, locker)
	reconciler.SetClock(fixedClock)
	reconciler.SetRetryPolicy(fastRetry)

	signer := middleware.NewSignatureVerifier(callbackSecret)
	signer.SetClock(fixedClock)

	auth := middleware.NewAuthMiddlewareWithValidator(tokenValidator{
		clientToken:   claimsFor(clientSub),
		otherToken:    claimsFor(otherSub),
		operatorToken: claimsFor(operatorSub, middleware.PermissionOperate),
	})

	e := echo.New()
	RegisterRoutes(e, Handlers{
		Ledger:      NewLedgerHandler(ledger),
		Deposits:    NewDepositHandler(deposits, ledger, intents),
		Settlements: NewSettlementHandler(reconciler, intents),
		Advances:    NewAdvanceHandler(advances, reconciler, intents),
	}, RouteMiddleware{
		Auth:      auth,
		Signature: signer,
	})

	return &apiFixture{
		e:           e,
		ledgerRepo:  ledgerRepo,
		depositRepo: depositRepo,
		settlements: settlements,
		decoder:     decoder,
		gateway:     gw,
		intents:     intents,
		ledger:      ledger,
		reconciler:  reconciler,
		advances:    advances,
		signer:      signer,
	}
}

// account seeds an active account owned by ownerRef
func (f *apiFixture) account(ownerRef string, tier domain.AccountTier, balance string) *domain.LedgerAccount {
	account := &domain.LedgerAccount{
		ID:               uuid.New(),
		OwnerRef:         ownerRef,
		Tier:             tier,
		Balance:          decimal.RequireFromString(balance),
		AvailableBalance: decimal.RequireFromString(balance),
		Status:           domain.AccountStatusActive,
		CreatedAt:        testNow,
		UpdatedAt:        testNow,
	}
	f.ledgerRepo.AddAccount(account)
	return account
}

// settlement opens a settlement for the client's account
func (f *apiFixture) settlement(t *testing.T, account *domain.LedgerAccount, expected, fee string) *domain.SettlementRecord {
	t.Helper()
	s, err := f.reconciler.CreateSettlement(context.Background(), service.CreateSettlementInput{
		ReturnRef:      "RET-" + uuid.NewString()[:8],
		ClientRef:      account.OwnerRef,
		AccountID:      account.ID,
		ExpectedRefund: decimal.RequireFromString(expected),
		ProductFee:     decimal.RequireFromString(fee),
	})
	require.NoError(t, err)
	return s
}

// do sends a JSON request, authenticated with token when it is not empty
func (f *apiFixture) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

// callback sends a signed partner callback
func (f *apiFixture) callback(body any) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/callbacks/settlement-events", bytes.NewReader(data))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(middleware.SignatureHeader, f.signer.Sign(testNow, data))
	req.Header.Set(middleware.TimestampHeader, strconv.FormatInt(testNow.Unix(), 10))
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}
