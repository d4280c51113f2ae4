package payout

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockProvider records payouts instead of sending them. Err makes every
// call fail; Delay holds each call until it elapses or ctx is done.
type MockProvider struct {
	mu      sync.Mutex
	payouts []Payout

	Err   error
	Delay time.Duration
}

func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

func (m *MockProvider) Send(ctx context.Context, p Payout) (string, error) {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if m.Err != nil {
		return "", m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payouts = append(m.payouts, p)
	return "mock-" + uuid.NewString(), nil
}

// Payouts returns what has been sent so far.
func (m *MockProvider) Payouts() []Payout {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Payout(nil), m.payouts...)
}
