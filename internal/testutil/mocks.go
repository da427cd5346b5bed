package testutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rosstax/settlement-core/internal/domain"
	"github.com/rosstax/settlement-core/internal/gateway"
	"github.com/shopspring/decimal"
)

// MockLedgerRepository is an in-memory implementation of domain.LedgerRepository.
// ApplyMutation enforces the account version check like the Postgres store.
type MockLedgerRepository struct {
	mu           sync.Mutex
	Accounts     map[uuid.UUID]*domain.LedgerAccount
	Transactions map[uuid.UUID]*domain.LedgerTransaction
	Holds        map[uuid.UUID]*domain.HoldRecord
	// Mutations counts successful ApplyMutation calls
	Mutations       int
	ApplyMutationFn func(m *domain.LedgerMutation) error
	GetAccountFn    func(id uuid.UUID) (*domain.LedgerAccount, error)
}

// NewMockLedgerRepository creates a new MockLedgerRepository
func NewMockLedgerRepository() *MockLedgerRepository {
	return &MockLedgerRepository{
		Accounts:     make(map[uuid.UUID]*domain.LedgerAccount),
		Transactions: make(map[uuid.UUID]*domain.LedgerTransaction),
		Holds:        make(map[uuid.UUID]*domain.HoldRecord),
	}
}

// AddAccount seeds an account
func (m *MockLedgerRepository) AddAccount(account *domain.LedgerAccount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := *account
	m.Accounts[a.ID] = &a
}

// CreateAccount stores a new account
func (m *MockLedgerRepository) CreateAccount(ctx context.Context, account *domain.LedgerAccount) (*domain.LedgerAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := *account
	m.Accounts[a.ID] = &a
	out := a
	return &out, nil
}

// GetAccount retrieves an account
func (m *MockLedgerRepository) GetAccount(ctx context.Context, id uuid.UUID) (*domain.LedgerAccount, error) {
	if m.GetAccountFn != nil {
		return m.GetAccountFn(id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	out := *a
	return &out, nil
}

// UpdateAccountStatus changes an account's status if its version matches
func (m *MockLedgerRepository) UpdateAccountStatus(ctx context.Context, id uuid.UUID, status domain.AccountStatus, expectedVersion int64, at time.Time) (*domain.LedgerAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	if a.Version != expectedVersion {
		return nil, domain.ErrVersionConflict
	}
	a.Status = status
	a.Version++
	a.UpdatedAt = at
	if status == domain.AccountStatusClosed {
		a.ClosedAt = &at
	}
	out := *a
	return &out, nil
}

// GetTransaction retrieves a transaction
func (m *MockLedgerRepository) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.LedgerTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.Transactions[id]
	if !ok {
		return nil, domain.ErrTxNotFound
	}
	out := *tx
	return &out, nil
}

// GetTransactionByKey finds a transaction by its idempotency key
func (m *MockLedgerRepository) GetTransactionByKey(ctx context.Context, accountID uuid.UUID, key string) (*domain.LedgerTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.Transactions {
		if tx.AccountID == accountID && tx.IdempotencyKey == key {
			out := *tx
			return &out, nil
		}
	}
	return nil, domain.ErrTxNotFound
}

// ListTransactions returns an account's transactions, newest first
func (m *MockLedgerRepository) ListTransactions(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*domain.LedgerTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var txs []*domain.LedgerTransaction
	for _, tx := range m.Transactions {
		if tx.AccountID == accountID {
			out := *tx
			txs = append(txs, &out)
		}
	}
	sort.Slice(txs, func(i, j int) bool { return txs[i].CreatedAt.After(txs[j].CreatedAt) })
	if offset >= len(txs) {
		return []*domain.LedgerTransaction{}, nil
	}
	txs = txs[offset:]
	if len(txs) > limit {
		txs = txs[:limit]
	}
	return txs, nil
}

// GetHold retrieves the hold on a transaction
func (m *MockLedgerRepository) GetHold(ctx context.Context, transactionID uuid.UUID) (*domain.HoldRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.Holds[transactionID]
	if !ok {
		return nil, domain.ErrHoldNotFound
	}
	out := *h
	return &out, nil
}

// ListDueHolds returns active holds on posted transactions due by asOf
func (m *MockLedgerRepository) ListDueHolds(ctx context.Context, asOf time.Time, limit int) ([]*domain.HoldRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*domain.HoldRecord
	for _, h := range m.Holds {
		tx := m.Transactions[h.TransactionID]
		if !h.Active() || tx == nil || tx.Status != domain.TxStatusPosted || h.ReleaseAt.After(asOf) {
			continue
		}
		out := *h
		due = append(due, &out)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ReleaseAt.Before(due[j].ReleaseAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// CountUnsettled counts pending transactions and active holds on an account
func (m *MockLedgerRepository) CountUnsettled(ctx context.Context, accountID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, tx := range m.Transactions {
		if tx.AccountID == accountID && tx.Status == domain.TxStatusPending {
			count++
		}
	}
	for _, h := range m.Holds {
		if h.AccountID == accountID && h.Active() {
			count++
		}
	}
	return count, nil
}

// ApplyMutation writes a mutation atomically
func (m *MockLedgerRepository) ApplyMutation(ctx context.Context, mut *domain.LedgerMutation) error {
	if m.ApplyMutationFn != nil {
		if err := m.ApplyMutationFn(mut); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.Accounts[mut.AccountID]
	if !ok {
		return domain.ErrAccountNotFound
	}
	if a.Version != mut.ExpectedVersion {
		return domain.ErrVersionConflict
	}
	for _, tx := range mut.InsertTransactions {
		for _, existing := range m.Transactions {
			if existing.AccountID == tx.AccountID && existing.IdempotencyKey == tx.IdempotencyKey {
				return domain.ErrDuplicateKey
			}
		}
	}

	a.Balance = mut.Balance
	a.AvailableBalance = mut.AvailableBalance
	a.Version++
	a.UpdatedAt = mut.UpdatedAt
	for _, tx := range mut.InsertTransactions {
		t := *tx
		m.Transactions[t.ID] = &t
	}
	for _, tx := range mut.UpdateTransactions {
		t := *tx
		m.Transactions[t.ID] = &t
	}
	if mut.InsertHold != nil {
		h := *mut.InsertHold
		m.Holds[h.TransactionID] = &h
	}
	if mut.UpdateHold != nil {
		h := *mut.UpdateHold
		m.Holds[h.TransactionID] = &h
	}
	m.Mutations++
	return nil
}

// Account returns a snapshot of an account for assertions
func (m *MockLedgerRepository) Account(id uuid.UUID) domain.LedgerAccount {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.Accounts[id]
}

// MutationCount returns the number of applied mutations
func (m *MockLedgerRepository) MutationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Mutations
}

// MockDepositRepository is an in-memory implementation of domain.DepositRepository
type MockDepositRepository struct {
	mu       sync.Mutex
	Deposits map[uuid.UUID]*domain.Deposit
	CreateFn func(deposit *domain.Deposit) (*domain.Deposit, error)
	// BeforeUpdateStatus runs ahead of each UpdateStatus, outside the lock
	BeforeUpdateStatus func(id uuid.UUID, to domain.DepositStatus)
}

// NewMockDepositRepository creates a new MockDepositRepository
func NewMockDepositRepository() *MockDepositRepository {
	return &MockDepositRepository{
		Deposits: make(map[uuid.UUID]*domain.Deposit),
	}
}

// Create stores a deposit, claiming its instrument when active
func (m *MockDepositRepository) Create(ctx context.Context, deposit *domain.Deposit) (*domain.Deposit, error) {
	if m.CreateFn != nil {
		return m.CreateFn(deposit)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if deposit.Status.Active() && deposit.Instrument.Complete() {
		for _, d := range m.Deposits {
			if d.Status.Active() && d.Instrument == deposit.Instrument {
				return nil, domain.ErrDuplicateInstrument
			}
		}
	}
	d := *deposit
	m.Deposits[d.ID] = &d
	out := d
	return &out, nil
}

// GetByID retrieves a deposit
func (m *MockDepositRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Deposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.Deposits[id]
	if !ok {
		return nil, domain.ErrDepositNotFound
	}
	out := *d
	return &out, nil
}

// GetByTransactionID finds the deposit behind a ledger transaction
func (m *MockDepositRepository) GetByTransactionID(ctx context.Context, transactionID uuid.UUID) (*domain.Deposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.Deposits {
		if d.TransactionID != nil && *d.TransactionID == transactionID {
			out := *d
			return &out, nil
		}
	}
	return nil, domain.ErrDepositNotFound
}

// FindActiveByInstrument finds the active deposit claiming an instrument
func (m *MockDepositRepository) FindActiveByInstrument(ctx context.Context, key domain.InstrumentKey) (*domain.Deposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.Deposits {
		if d.Status.Active() && d.Instrument == key {
			out := *d
			return &out, nil
		}
	}
	return nil, domain.ErrDepositNotFound
}

// SumActiveSince totals active deposits created at or after since
func (m *MockDepositRepository) SumActiveSince(ctx context.Context, accountID uuid.UUID, since time.Time) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := decimal.Zero
	for _, d := range m.Deposits {
		if d.AccountID == accountID && d.Status.Active() && !d.CreatedAt.Before(since) {
			total = total.Add(d.Amount)
		}
	}
	return total, nil
}

// CountByAccount counts an account's deposits
func (m *MockDepositRepository) CountByAccount(ctx context.Context, accountID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range m.Deposits {
		if d.AccountID == accountID {
			n++
		}
	}
	return n, nil
}

// ListByClient returns a client's deposits, newest first
func (m *MockDepositRepository) ListByClient(ctx context.Context, clientRef string, limit, offset int) ([]*domain.Deposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Deposit
	for _, d := range m.Deposits {
		if d.ClientRef == clientRef {
			c := *d
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return []*domain.Deposit{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateStatus moves a deposit between statuses
func (m *MockDepositRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.DepositStatus, reason *string, at time.Time) (*domain.Deposit, error) {
	if m.BeforeUpdateStatus != nil {
		m.BeforeUpdateStatus(id, to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.Deposits[id]
	if !ok {
		return nil, domain.ErrDepositNotFound
	}
	if d.Status != from {
		return nil, domain.ErrStatusChanged
	}
	d.Status = to
	d.UpdatedAt = at
	if reason != nil {
		d.DeclineReason = reason
	}
	if to == domain.DepositStatusCleared {
		d.ClearedAt = &at
	}
	out := *d
	return &out, nil
}

// MockAdvanceRepository is an in-memory implementation of domain.AdvanceRepository
type MockAdvanceRepository struct {
	mu       sync.Mutex
	Advances map[uuid.UUID]*domain.Advance
	UpdateFn func(advance *domain.Advance, from domain.AdvanceStatus) (*domain.Advance, error)
}

// NewMockAdvanceRepository creates a new MockAdvanceRepository
func NewMockAdvanceRepository() *MockAdvanceRepository {
	return &MockAdvanceRepository{
		Advances: make(map[uuid.UUID]*domain.Advance),
	}
}

// Create stores an advance, refusing a second open advance on a return
func (m *MockAdvanceRepository) Create(ctx context.Context, advance *domain.Advance) (*domain.Advance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if advance.Status.Open() {
		for _, existing := range m.Advances {
			if existing.ReturnRef == advance.ReturnRef && existing.Status.Open() {
				return nil, domain.ErrAdvanceExists
			}
		}
	}
	a := *advance
	m.Advances[a.ID] = &a
	out := a
	return &out, nil
}

// GetByID retrieves an advance
func (m *MockAdvanceRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Advance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Advances[id]
	if !ok {
		return nil, domain.ErrAdvanceNotFound
	}
	out := *a
	return &out, nil
}

// GetOpenByReturnRef finds the open advance on a return
func (m *MockAdvanceRepository) GetOpenByReturnRef(ctx context.Context, returnRef string) (*domain.Advance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.Advances {
		if a.ReturnRef == returnRef && a.Status.Open() {
			out := *a
			return &out, nil
		}
	}
	return nil, domain.ErrAdvanceNotFound
}

// FindByReturnRef finds an advance on a return in the given status
func (m *MockAdvanceRepository) FindByReturnRef(ctx context.Context, returnRef string, status domain.AdvanceStatus) (*domain.Advance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.Advances {
		if a.ReturnRef == returnRef && a.Status == status {
			out := *a
			return &out, nil
		}
	}
	return nil, domain.ErrAdvanceNotFound
}

// Update writes an advance if its stored status is still from
func (m *MockAdvanceRepository) Update(ctx context.Context, advance *domain.Advance, from domain.AdvanceStatus) (*domain.Advance, error) {
	if m.UpdateFn != nil {
		return m.UpdateFn(advance, from)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.Advances[advance.ID]
	if !ok {
		return nil, domain.ErrAdvanceNotFound
	}
	if stored.Status != from {
		return nil, domain.ErrStatusChanged
	}
	a := *advance
	m.Advances[a.ID] = &a
	out := a
	return &out, nil
}

// MockSettlementRepository is an in-memory implementation of domain.SettlementRepository
type MockSettlementRepository struct {
	mu          sync.Mutex
	Settlements map[uuid.UUID]*domain.SettlementRecord
	Events      []*domain.SettlementEvent
	UpdateFn    func(settlement *domain.SettlementRecord) (*domain.SettlementRecord, error)
}

// NewMockSettlementRepository creates a new MockSettlementRepository
func NewMockSettlementRepository() *MockSettlementRepository {
	return &MockSettlementRepository{
		Settlements: make(map[uuid.UUID]*domain.SettlementRecord),
	}
}

// Create stores a settlement record
func (m *MockSettlementRepository) Create(ctx context.Context, settlement *domain.SettlementRecord) (*domain.SettlementRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := *settlement
	m.Settlements[s.ID] = &s
	out := s
	return &out, nil
}

// GetByID retrieves a settlement record
func (m *MockSettlementRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.SettlementRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Settlements[id]
	if !ok {
		return nil, domain.ErrSettlementMissing
	}
	out := *s
	return &out, nil
}

// GetLatestByReturnRef returns the newest record for a return
func (m *MockSettlementRepository) GetLatestByReturnRef(ctx context.Context, returnRef string) (*domain.SettlementRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *domain.SettlementRecord
	for _, s := range m.Settlements {
		if s.ReturnRef != returnRef {
			continue
		}
		if latest == nil || s.CreatedAt.After(latest.CreatedAt) || (s.PreviousID != nil && *s.PreviousID == latest.ID) {
			latest = s
		}
	}
	if latest == nil {
		return nil, domain.ErrSettlementMissing
	}
	out := *latest
	return &out, nil
}

// Update writes a record if its stored version matches
func (m *MockSettlementRepository) Update(ctx context.Context, settlement *domain.SettlementRecord) (*domain.SettlementRecord, error) {
	if m.UpdateFn != nil {
		return m.UpdateFn(settlement)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.Settlements[settlement.ID]
	if !ok {
		return nil, domain.ErrSettlementMissing
	}
	if stored.Version != settlement.Version {
		return nil, domain.ErrVersionConflict
	}
	s := *settlement
	s.Version++
	m.Settlements[s.ID] = &s
	out := s
	return &out, nil
}

// RecordEvent appends an event row
func (m *MockSettlementRepository) RecordEvent(ctx context.Context, event *domain.SettlementEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := *event
	m.Events = append(m.Events, &e)
	return nil
}

// ListEvents returns a settlement's events in arrival order
func (m *MockSettlementRepository) ListEvents(ctx context.Context, settlementID uuid.UUID) ([]*domain.SettlementEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*domain.SettlementEvent{}
	for _, e := range m.Events {
		if e.SettlementID == settlementID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

// MockGateway is a scripted banking partner
type MockGateway struct {
	mu       sync.Mutex
	Requests []gateway.TransferRequest
	// Errors are returned by successive calls before any succeed
	Errors     []error
	TransferFn func(req gateway.TransferRequest) (string, error)
}

// NewMockGateway creates a new MockGateway
func NewMockGateway() *MockGateway {
	return &MockGateway{}
}

// RequestTransfer records the request and returns a transfer id derived from its key
func (g *MockGateway) RequestTransfer(ctx context.Context, req gateway.TransferRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Requests = append(g.Requests, req)
	if g.TransferFn != nil {
		return g.TransferFn(req)
	}
	if len(g.Errors) > 0 {
		err := g.Errors[0]
		g.Errors = g.Errors[1:]
		return "", err
	}
	return "tr_" + req.IdempotencyKey, nil
}

// Calls returns the number of transfer requests received
func (g *MockGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Requests)
}

// MockDecoder returns scripted instrument keys by line
type MockDecoder struct {
	Keys     map[string]domain.InstrumentKey
	Err      error
	DecodeFn func(line string) (domain.InstrumentKey, error)
}

// NewMockDecoder creates a new MockDecoder
func NewMockDecoder() *MockDecoder {
	return &MockDecoder{Keys: make(map[string]domain.InstrumentKey)}
}

// Decode returns the key registered for line, or ErrUnreadableLine
func (d *MockDecoder) Decode(ctx context.Context, line string) (domain.InstrumentKey, error) {
	if d.DecodeFn != nil {
		return d.DecodeFn(line)
	}
	if d.Err != nil {
		return domain.InstrumentKey{}, d.Err
	}
	key, ok := d.Keys[line]
	if !ok {
		return domain.InstrumentKey{}, domain.ErrUnreadableLine
	}
	return key, nil
}

// AuditRecorder collects audit records
type AuditRecorder struct {
	mu      sync.Mutex
	Records []domain.AuditRecord
}

// Record stores the record
func (r *AuditRecorder) Record(ctx context.Context, record domain.AuditRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Records = append(r.Records, record)
	return nil
}

// Actions returns the recorded actions in order
func (r *AuditRecorder) Actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	actions := make([]string, 0, len(r.Records))
	for _, rec := range r.Records {
		actions = append(actions, rec.Action)
	}
	return actions
}

// IntentRecorder collects dispatched intents
type IntentRecorder struct {
	mu      sync.Mutex
	Intents []domain.Intent
}

// Dispatch stores the intents
func (r *IntentRecorder) Dispatch(ctx context.Context, intents []domain.Intent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Intents = append(r.Intents, intents...)
}

// Count returns the number of intents received
func (r *IntentRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Intents)
}

// MockImageRepository stores objects in memory
type MockImageRepository struct {
	mu      sync.Mutex
	Objects map[string][]byte
	Deleted []string
	// FailOn makes Upload fail for a matching object path
	FailOn string
}

// NewMockImageRepository creates a new MockImageRepository
func NewMockImageRepository() *MockImageRepository {
	return &MockImageRepository{Objects: make(map[string][]byte)}
}

// Upload stores the object
func (r *MockImageRepository) Upload(ctx context.Context, objectPath string, data io.Reader, contentType string, size int64) (string, error) {
	if r.FailOn != "" && r.FailOn == objectPath {
		return "", errors.New("upload failed")
	}
	buf, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Objects[objectPath] = buf
	return objectPath, nil
}

// Delete removes the object
func (r *MockImageRepository) Delete(ctx context.Context, objectPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.Objects, objectPath)
	r.Deleted = append(r.Deleted, objectPath)
	return nil
}

// GeneratePresignedURL returns a fake signed URL
func (r *MockImageRepository) GeneratePresignedURL(ctx context.Context, objectPath string, expiry time.Duration) (string, error) {
	return fmt.Sprintf("https://images.test/%s?expires=%d", objectPath, int(expiry.Seconds())), nil
}
