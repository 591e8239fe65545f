package exec

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"hl-funding-arb/internal/precision"
	"hl-funding-arb/internal/state"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]string)}
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) Close() error { return nil }

type mockVenue struct {
	mu       sync.Mutex
	calls    int
	failures int
	result   OrderResult
	err      error
}

func (m *mockVenue) SubmitOrder(ctx context.Context, intent OrderIntent) (OrderResult, error) {
	_ = ctx
	_ = intent
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failures > 0 {
		m.failures--
		return OrderResult{}, errors.New("connection reset")
	}
	return m.result, m.err
}

func (m *mockVenue) OrderStatus(context.Context, int64) (OrderState, error) {
	return OrderState{Status: StatusFilled}, nil
}

func (m *mockVenue) CancelOrder(context.Context, precision.Class, string, int64) error {
	return nil
}

func fastExecutor(venue Venue, store state.Store) *Executor {
	e := New(venue, store, zap.NewNop(), nil)
	e.backoff = time.Millisecond
	return e
}

func TestExecutorIdempotentPlacement(t *testing.T) {
	store := newMemoryStore()
	venue := &mockVenue{result: OrderResult{Accepted: true, RestingOrderID: 11}}
	executor := fastExecutor(venue, store)

	ctx := context.Background()
	intent := OrderIntent{Class: precision.Spot, Asset: "HYPE", Side: Buy, Quantity: decimal.NewFromInt(1), Cloid: "0xabc"}

	r1, err := executor.Place(ctx, intent)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r2, err := executor.Place(ctx, intent)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r1.RestingOrderID != r2.RestingOrderID {
		t.Fatalf("expected same order id, got %d and %d", r1.RestingOrderID, r2.RestingOrderID)
	}
	if venue.calls != 1 {
		t.Fatalf("expected 1 venue call, got %d", venue.calls)
	}

	venue2 := &mockVenue{result: OrderResult{Accepted: true, RestingOrderID: 22}}
	executor2 := fastExecutor(venue2, store)
	r3, err := executor2.Place(ctx, intent)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r3.RestingOrderID != 11 {
		t.Fatalf("expected stored order id 11, got %d", r3.RestingOrderID)
	}
	if venue2.calls != 0 {
		t.Fatalf("expected no venue calls on restart, got %d", venue2.calls)
	}
}

func TestExecutorRetriesTransportErrors(t *testing.T) {
	venue := &mockVenue{failures: 2, result: OrderResult{Accepted: true, FilledQty: decimal.NewFromInt(1)}}
	executor := fastExecutor(venue, nil)
	res, err := executor.Place(context.Background(), OrderIntent{Asset: "HYPE", Side: Sell})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Filled() {
		t.Fatalf("expected filled result")
	}
	if venue.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", venue.calls)
	}
}

func TestExecutorDoesNotRetryRejection(t *testing.T) {
	venue := &mockVenue{result: OrderResult{Errors: []string{"Insufficient spot balance"}}, err: ErrOrderRejected}
	executor := fastExecutor(venue, nil)
	res, err := executor.Place(context.Background(), OrderIntent{Asset: "HYPE", Side: Buy})
	if !errors.Is(err, ErrOrderRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if venue.calls != 1 {
		t.Fatalf("expected a single call, got %d", venue.calls)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("expected error detail to surface, got %v", res.Errors)
	}
}

func TestExecutorNotAcceptedIsRejection(t *testing.T) {
	venue := &mockVenue{result: OrderResult{}}
	executor := fastExecutor(venue, nil)
	if _, err := executor.Place(context.Background(), OrderIntent{Asset: "HYPE"}); !errors.Is(err, ErrOrderRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestNewCloidFormat(t *testing.T) {
	a := NewCloid()
	b := NewCloid()
	if len(a) != 34 || a[:2] != "0x" {
		t.Fatalf("unexpected cloid %q", a)
	}
	if a == b {
		t.Fatalf("expected unique cloids")
	}
}
