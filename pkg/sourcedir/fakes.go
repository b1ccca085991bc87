package sourcedir

import (
	"fmt"
	"sync"
)

// FakePaymentOracle is an in-memory PaymentOracle for tests: every
// submitted transaction confirms immediately with a deterministic hash.
type FakePaymentOracle struct {
	mu        sync.Mutex
	balances  map[string]float64
	submitted []string
	ConfirmResult bool
}

func NewFakePaymentOracle() *FakePaymentOracle {
	return &FakePaymentOracle{balances: make(map[string]float64), ConfirmResult: true}
}

func (f *FakePaymentOracle) SetBalance(address string, amount float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[address] = amount
}

func (f *FakePaymentOracle) GetBalance(address string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[address], nil
}

func (f *FakePaymentOracle) Submit(signedTx []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	txHash := fmt.Sprintf("fake-tx-%d", len(f.submitted))
	f.submitted = append(f.submitted, txHash)
	return txHash, nil
}

func (f *FakePaymentOracle) WaitConfirmation(txHash string, depth int) (bool, error) {
	return f.ConfirmResult, nil
}

// FakeHealthSignal records every verdict it receives for assertions.
type FakeHealthSignal struct {
	mu       sync.Mutex
	Verdicts []ReputationVerdict
}

func NewFakeHealthSignal() *FakeHealthSignal { return &FakeHealthSignal{} }

func (f *FakeHealthSignal) Record(v ReputationVerdict) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Verdicts = append(f.Verdicts, v)
}

func (f *FakeHealthSignal) Snapshot() []ReputationVerdict {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ReputationVerdict(nil), f.Verdicts...)
}
