package payments

import (
	"context"
	"errors"
	"sync"

	"github.com/example/field-dispatch/internal/models"
)

var ErrNoPayoutAccount = errors.New("technician has no payout account")

// Ledger receives the single computed payout of a completed job. Retrying
// failed postings is the ledger side's concern.
type Ledger interface {
	Post(ctx context.Context, p models.Payout, account string) error
}

// MemoryLedger keeps postings in memory, keyed by request so a repeated
// posting replaces rather than duplicates.
type MemoryLedger struct {
	mu       sync.Mutex
	payouts  map[string]models.Payout
	accounts map[string]string
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{payouts: make(map[string]models.Payout), accounts: make(map[string]string)}
}

func (m *MemoryLedger) Post(_ context.Context, p models.Payout, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payouts[p.RequestID] = p
	m.accounts[p.RequestID] = account
	return nil
}

func (m *MemoryLedger) Get(requestID string) (models.Payout, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payouts[requestID]
	return p, ok
}

func (m *MemoryLedger) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payouts)
}
