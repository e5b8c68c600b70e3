package paygate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	mrand "math/rand/v2"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/murphlabs/murph/internal/idgen"
)

// Simulator is an in-process gateway for development and tests. It keeps
// per-wallet available and locked balances and honours references, so a
// replayed call returns the original transaction without moving money again.
type Simulator struct {
	mu        sync.Mutex
	available map[string]decimal.Decimal
	locked    map[string]decimal.Decimal
	byRef     map[string]*Tx
	intents   map[string]*simIntent // by intent id
	intentRef map[string]string     // reference -> intent id
	escrows   map[string]*simIntent // by escrow id
	ms        map[string]*MilestoneInfo
	releases  map[string]*Release // by milestone id
	calls     map[Op]int
	faults    map[Op][]error

	startingBalance func() decimal.Decimal
	logger          *slog.Logger
}

type simIntent struct {
	intent     Intent
	released   decimal.Decimal
	milestones []string
}

// SimulatorOption configures a Simulator.
type SimulatorOption func(*Simulator)

// WithStartingBalance makes every newly seen wallet start with amount.
func WithStartingBalance(amount float64) SimulatorOption {
	return func(s *Simulator) {
		d := decimal.NewFromFloat(amount)
		s.startingBalance = func() decimal.Decimal { return d }
	}
}

// WithSimulatorLogger sets the logger.
func WithSimulatorLogger(l *slog.Logger) SimulatorOption {
	return func(s *Simulator) { s.logger = l }
}

// NewSimulator returns a Simulator. Unless overridden, unseen wallets start
// with a random whole balance between 50 and 250.
func NewSimulator(opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		available: make(map[string]decimal.Decimal),
		locked:    make(map[string]decimal.Decimal),
		byRef:     make(map[string]*Tx),
		intents:   make(map[string]*simIntent),
		intentRef: make(map[string]string),
		escrows:   make(map[string]*simIntent),
		ms:        make(map[string]*MilestoneInfo),
		releases:  make(map[string]*Release),
		calls:     make(map[Op]int),
		faults:    make(map[Op][]error),
		startingBalance: func() decimal.Decimal {
			return decimal.NewFromInt(int64(50 + mrand.IntN(201)))
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fund sets the available balance of wallet.
func (s *Simulator) Fund(wallet string, amount float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available[wallet] = decimal.NewFromFloat(amount)
	if _, ok := s.locked[wallet]; !ok {
		s.locked[wallet] = decimal.Zero
	}
}

// Balances returns the available and locked balance of wallet.
func (s *Simulator) Balances(wallet string) (available, locked float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available[wallet].InexactFloat64(), s.locked[wallet].InexactFloat64()
}

// FailNext makes the next n calls of op fail with err before touching state.
func (s *Simulator) FailNext(op Op, err error, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.faults[op] = append(s.faults[op], err)
	}
}

// Calls returns how many times op was invoked, failed calls included.
func (s *Simulator) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// enter counts the call and pops an injected fault. Caller holds s.mu.
func (s *Simulator) enter(op Op) error {
	s.calls[op]++
	if q := s.faults[op]; len(q) > 0 {
		s.faults[op] = q[1:]
		return q[0]
	}
	return nil
}

// ensure initialises a wallet on first sight. Caller holds s.mu.
func (s *Simulator) ensure(wallet string) {
	if _, ok := s.available[wallet]; !ok {
		s.available[wallet] = s.startingBalance()
		s.locked[wallet] = decimal.Zero
	}
}

// replay returns the transaction recorded for op and ref. Caller holds s.mu.
func (s *Simulator) replay(op Op, ref string) (*Tx, bool) {
	if ref == "" {
		return nil, false
	}
	tx, ok := s.byRef[string(op)+"|"+ref]
	if !ok {
		return nil, false
	}
	cp := *tx
	return &cp, true
}

// record stores a new transaction under ref. Caller holds s.mu.
func (s *Simulator) record(op Op, prefix, ref string) *Tx {
	tx := &Tx{ID: prefix + idgen.Hex()[:16], Status: TxStatusSuccess}
	if ref != "" {
		s.byRef[string(op)+"|"+ref] = tx
	}
	cp := *tx
	return &cp
}

func (s *Simulator) ConnectWallet(ctx context.Context, userID string) (*Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpConnectWallet); err != nil {
		return nil, err
	}
	addr := "0x" + randomHex(20)
	s.ensure(addr)
	s.logger.Info("simulated wallet connected", "user_id", userID, "wallet", addr)
	return &Wallet{Address: addr, Balance: s.available[addr].InexactFloat64()}, nil
}

func (s *Simulator) GetBalance(ctx context.Context, wallet string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpGetBalance); err != nil {
		return 0, err
	}
	s.ensure(wallet)
	return s.available[wallet].InexactFloat64(), nil
}

func (s *Simulator) LockFunds(ctx context.Context, wallet string, amount float64, ref string) (*Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpLockFunds); err != nil {
		return nil, err
	}
	if tx, ok := s.replay(OpLockFunds, ref); ok {
		return tx, nil
	}
	amt, err := validAmount(amount)
	if err != nil {
		return nil, err
	}
	s.ensure(wallet)
	if s.available[wallet].LessThan(amt) {
		return nil, fmt.Errorf("lock %s for %s: %w", amt, wallet, ErrInsufficientFunds)
	}
	s.available[wallet] = s.available[wallet].Sub(amt)
	s.locked[wallet] = s.locked[wallet].Add(amt)
	tx := s.record(OpLockFunds, "ft_lock_", ref)
	s.logger.Debug("simulated lock", "wallet", wallet, "amount", amt.String(), "tx", tx.ID)
	return tx, nil
}

func (s *Simulator) Settle(ctx context.Context, payer, payee string, amount float64, ref string) (*Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpSettle); err != nil {
		return nil, err
	}
	if tx, ok := s.replay(OpSettle, ref); ok {
		return tx, nil
	}
	amt, err := validAmount(amount)
	if err != nil {
		return nil, err
	}
	if payee == "" {
		payee = PlatformAccount
	}
	s.ensure(payer)
	s.ensure(payee)
	if s.locked[payer].LessThan(amt) {
		return nil, fmt.Errorf("settle %s from %s: %w", amt, payer, ErrInsufficientFunds)
	}
	s.locked[payer] = s.locked[payer].Sub(amt)
	s.available[payee] = s.available[payee].Add(amt)
	tx := s.record(OpSettle, "ft_settle_", ref)
	s.logger.Debug("simulated settle", "payer", payer, "payee", payee, "amount", amt.String(), "tx", tx.ID)
	return tx, nil
}

func (s *Simulator) Refund(ctx context.Context, wallet string, amount float64, ref string) (*Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpRefund); err != nil {
		return nil, err
	}
	if tx, ok := s.replay(OpRefund, ref); ok {
		return tx, nil
	}
	amt, err := validAmount(amount)
	if err != nil {
		return nil, err
	}
	s.ensure(wallet)
	if s.locked[wallet].LessThan(amt) {
		return nil, fmt.Errorf("refund %s to %s: %w", amt, wallet, ErrInsufficientFunds)
	}
	s.locked[wallet] = s.locked[wallet].Sub(amt)
	s.available[wallet] = s.available[wallet].Add(amt)
	tx := s.record(OpRefund, "ft_refund_", ref)
	s.logger.Debug("simulated refund", "wallet", wallet, "amount", amt.String(), "tx", tx.ID)
	return tx, nil
}

func (s *Simulator) CreatePaymentIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpCreateIntent); err != nil {
		return nil, err
	}
	if id, ok := s.intentRef[req.Reference]; ok && req.Reference != "" {
		cp := s.intents[id].intent
		return &cp, nil
	}
	if _, err := validAmount(req.Amount); err != nil {
		return nil, err
	}
	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}
	in := &simIntent{intent: Intent{
		IntentID:    "intent_" + randomHex(12),
		EscrowID:    "ft_esc_" + randomHex(12),
		Status:      "pending",
		TotalAmount: req.Amount,
		Currency:    currency,
		Description: req.Description,
		Metadata:    req.Metadata,
	}}
	s.intents[in.intent.IntentID] = in
	s.escrows[in.intent.EscrowID] = in
	if req.Reference != "" {
		s.intentRef[req.Reference] = in.intent.IntentID
	}
	cp := in.intent
	return &cp, nil
}

func (s *Simulator) GetEscrow(ctx context.Context, intentID string) (*EscrowInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpGetEscrow); err != nil {
		return nil, err
	}
	in, ok := s.intents[intentID]
	if !ok {
		return nil, fmt.Errorf("intent %s: %w", intentID, ErrNotFound)
	}
	total := decimal.NewFromFloat(in.intent.TotalAmount)
	status := "active"
	if in.released.GreaterThanOrEqual(total) {
		status = "released"
	}
	info := &EscrowInfo{
		ID:           in.intent.EscrowID,
		IntentID:     intentID,
		Status:       status,
		TotalAmount:  in.intent.TotalAmount,
		LockedAmount: in.intent.TotalAmount,
		Milestones:   []MilestoneInfo{},
	}
	for _, id := range in.milestones {
		info.Milestones = append(info.Milestones, *s.ms[id])
	}
	return info, nil
}

func (s *Simulator) CreateMilestone(ctx context.Context, req MilestoneRequest) (*MilestoneInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpCreateMilestone); err != nil {
		return nil, err
	}
	if _, err := validAmount(req.Amount); err != nil {
		return nil, err
	}
	// Escrows opened outside this simulator are accepted as-is.
	m := &MilestoneInfo{
		MilestoneID: "milestone_" + randomHex(12),
		EscrowID:    req.EscrowID,
		Index:       req.Index,
		Description: req.Description,
		Amount:      req.Amount,
		Percentage:  req.Percentage,
		Status:      "pending",
	}
	s.ms[m.MilestoneID] = m
	if in, ok := s.escrows[req.EscrowID]; ok {
		in.milestones = append(in.milestones, m.MilestoneID)
	}
	cp := *m
	return &cp, nil
}

func (s *Simulator) SubmitProof(ctx context.Context, milestoneID string, proof Proof) (*ProofReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpSubmitProof); err != nil {
		return nil, err
	}
	if m, ok := s.ms[milestoneID]; ok && m.Status != "completed" {
		m.Status = "proof_submitted"
	}
	return &ProofReceipt{MilestoneID: milestoneID, Status: "proof_submitted", ProofHash: "0x" + randomHex(32)}, nil
}

func (s *Simulator) CompleteMilestone(ctx context.Context, milestoneID, escrowID string, amount float64) (*Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpCompleteMilestone); err != nil {
		return nil, err
	}
	if r, ok := s.releases[milestoneID]; ok {
		cp := *r
		return &cp, nil
	}
	amt, err := validAmount(amount)
	if err != nil {
		return nil, err
	}
	if in, ok := s.escrows[escrowID]; ok {
		if in.released.Add(amt).GreaterThan(decimal.NewFromFloat(in.intent.TotalAmount)) {
			return nil, fmt.Errorf("release %s from escrow %s: %w", amt, escrowID, ErrInsufficientFunds)
		}
		in.released = in.released.Add(amt)
	}
	if m, ok := s.ms[milestoneID]; ok {
		m.Status = "completed"
	}
	r := &Release{
		MilestoneID:    milestoneID,
		EscrowID:       escrowID,
		Status:         "completed",
		AmountReleased: amount,
		TxID:           "ft_complete_" + idgen.Hex()[:16],
	}
	s.releases[milestoneID] = r
	cp := *r
	return &cp, nil
}

func (s *Simulator) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enter(OpPing)
}

func validAmount(amount float64) (decimal.Decimal, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount < 0 {
		return decimal.Zero, fmt.Errorf("invalid amount %v: %w", amount, ErrRejected)
	}
	return decimal.NewFromFloat(amount), nil
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

var _ Gateway = (*Simulator)(nil)
