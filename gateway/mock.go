package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

const MockName = "mock"

type mockCharge struct {
	intentID  string
	chargeID  string
	amount    int64
	refunded  int64
	state     SettlementState
	submitted time.Time
	paid      bool
}

// Mock is an in-memory gateway for local development and tests. Intents
// are paid by calling Pay, standing in for the browser.
type Mock struct {
	mu        sync.Mutex
	charges   map[string]*mockCharge
	customers map[string]string
	feeBP     int64
	feeFixed  int64

	// Err, when set, fails the next gateway call and is then cleared.
	Err      error
	failNext map[string]error

	Refunds int
	Voids   int
}

func NewMock() *Mock {
	return &Mock{charges: map[string]*mockCharge{}, customers: map[string]string{}, failNext: map[string]error{}}
}

// FailNext fails the next call of the named method, e.g. "Refund".
func (m *Mock) FailNext(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[method] = err
}

// WithFee makes the mock charge a percentage-plus-fixed processing fee.
func (m *Mock) WithFee(basisPoints, fixedCents int64) *Mock {
	m.feeBP, m.feeFixed = basisPoints, fixedCents
	return m
}

func (m *Mock) Name() string { return MockName }

func (m *Mock) ProcessingFee(amountCents int64) int64 {
	if m.feeBP == 0 && m.feeFixed == 0 || amountCents <= 0 {
		return 0
	}
	return (amountCents*m.feeBP+5000)/10000 + m.feeFixed
}

func (m *Mock) takeErr(method string) error {
	if err := m.Err; err != nil {
		m.Err = nil
		return err
	}
	err := m.failNext[method]
	delete(m.failNext, method)
	return err
}

func (m *Mock) CreateIntent(_ context.Context, req IntentRequest) (*Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeErr("CreateIntent"); err != nil {
		return nil, err
	}
	id := "pi_" + uuid.NewString()
	m.charges[id] = &mockCharge{intentID: id, amount: req.AmountCents, state: StatePending}
	return &Intent{ID: id, ClientToken: id + "_secret", CustomerID: req.CustomerID, AmountCents: req.AmountCents}, nil
}

func (m *Mock) GetOrCreateCustomer(_ context.Context, email string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeErr("GetOrCreateCustomer"); err != nil {
		return "", err
	}
	if id, ok := m.customers[email]; ok {
		return id, nil
	}
	id := "cus_" + uuid.NewString()
	m.customers[email] = id
	return id, nil
}

// Pay captures an intent and returns its confirmation.
func (m *Mock) Pay(intentID string) (*Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.charges[intentID]
	if !ok {
		return nil, fmt.Errorf("%w: intent %s", ErrNotFound, intentID)
	}
	if !ch.paid {
		ch.paid = true
		ch.chargeID = "ch_" + uuid.NewString()
		ch.state = StateSettled
		ch.submitted = time.Now()
	}
	return &Confirmation{IntentID: ch.intentID, ChargeID: ch.chargeID, AmountCaptured: ch.amount}, nil
}

// SetChargeState overrides the settlement state and submission time of a paid intent.
func (m *Mock) SetChargeState(intentID string, state SettlementState, submitted time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.charges[intentID]; ok {
		ch.state = state
		if !submitted.IsZero() {
			ch.submitted = submitted
		}
	}
}

func (m *Mock) find(ref ChargeRef) (*mockCharge, error) {
	if ch, ok := m.charges[ref.IntentID]; ok {
		return ch, nil
	}
	for _, ch := range m.charges {
		if ref.ChargeID != "" && ch.chargeID == ref.ChargeID {
			return ch, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Mock) GetCharge(_ context.Context, ref ChargeRef) (*Charge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeErr("GetCharge"); err != nil {
		return nil, err
	}
	ch, err := m.find(ref)
	if err != nil {
		return nil, err
	}
	return &Charge{
		ID:              ch.chargeID,
		State:           ch.state,
		AuthorizedCents: ch.amount,
		SettledCents:    ch.amount,
		RefundedCents:   ch.refunded,
		SubmittedAt:     ch.submitted,
	}, nil
}

func (m *Mock) Refund(_ context.Context, ref ChargeRef, amountCents int64, _ string) (*RefundResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeErr("Refund"); err != nil {
		return nil, err
	}
	ch, err := m.find(ref)
	if err != nil {
		return nil, err
	}
	if ch.refunded+amountCents > ch.amount {
		return nil, &APIError{Gateway: MockName, StatusCode: http.StatusBadRequest, Code: "amount_too_large", Message: "refund exceeds charge"}
	}
	ch.refunded += amountCents
	m.Refunds++
	return &RefundResult{ID: "re_" + uuid.NewString()}, nil
}

func (m *Mock) Void(_ context.Context, ref ChargeRef, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeErr("Void"); err != nil {
		return err
	}
	ch, err := m.find(ref)
	if err != nil {
		return err
	}
	ch.state = StateInvalid
	ch.refunded = ch.amount
	m.Voids++
	return nil
}

func (m *Mock) IntentStatus(_ context.Context, intentID string) (*Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeErr("IntentStatus"); err != nil {
		return nil, err
	}
	ch, ok := m.charges[intentID]
	if !ok {
		return nil, ErrNotFound
	}
	if !ch.paid {
		return nil, nil
	}
	return &Confirmation{IntentID: ch.intentID, ChargeID: ch.chargeID, AmountCaptured: ch.amount}, nil
}
