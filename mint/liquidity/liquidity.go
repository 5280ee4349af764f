// Package liquidity generalizes the teacher's Lightning-specific settlement
// client into a registry of backends keyed by (method, unit), so a mint can
// settle mint/melt quotes against Lightning, an on-chain balance, or a mock
// backend for tests, without the engines knowing which.
package liquidity

import (
	"context"
	"fmt"
)

type PaymentState int

const (
	Unknown PaymentState = iota
	Pending
	Succeeded
	Failed
)

func (s PaymentState) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Succeeded:
		return "SUCCEEDED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// DepositRequest is what a wallet pays to fund a mint quote: an invoice,
// an on-chain address, or whatever the backend's method produces.
type DepositRequest struct {
	Request string
	Hash    string
	Amount  uint64
	Expiry  uint64
}

type DepositStatus struct {
	Settled  bool
	Preimage string
}

// PaymentStatus reports the outcome of an outbound settlement. TransferIds
// holds one entry per transfer the backend made to settle the withdrawal --
// a Lightning payment settles in exactly one, but a blockchain L2 backend
// can split a single withdrawal across several on-chain transfers.
type PaymentStatus struct {
	State       PaymentState
	Preimage    string
	TransferIds []string
}

// Backend settles quotes for one configured (method, unit) pair.
type Backend interface {
	// CreateDepositRequest produces a new request to fund a mint quote.
	CreateDepositRequest(ctx context.Context, amount uint64) (DepositRequest, error)
	// DepositStatus reports whether a previously created deposit request settled.
	DepositStatus(ctx context.Context, hash string) (DepositStatus, error)
	// DecodeRequest extracts the settlement hash and amount a withdrawal
	// request (e.g. a bolt11 invoice) carries, without attempting to pay it.
	DecodeRequest(ctx context.Context, request string) (hash string, amount uint64, err error)
	// FeeReserve returns the fee the backend requires to attempt settling a
	// withdrawal of the given amount.
	FeeReserve(ctx context.Context, amount uint64) uint64
	// Settle pays out a withdrawal request up to maxFee above amount.
	Settle(ctx context.Context, request string, amount, maxFee uint64) (PaymentStatus, error)
	// WithdrawalStatus reports the status of a withdrawal previously started
	// with Settle, identified by its request hash.
	WithdrawalStatus(ctx context.Context, hash string) (PaymentStatus, error)
}

// Registry dispatches to the backend configured for a (method, unit) pair.
type Registry struct {
	backends map[string]Backend
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

func key(method, unit string) string {
	return method + "/" + unit
}

func (r *Registry) Register(method, unit string, backend Backend) {
	r.backends[key(method, unit)] = backend
}

func (r *Registry) Get(method, unit string) (Backend, error) {
	backend, ok := r.backends[key(method, unit)]
	if !ok {
		return nil, fmt.Errorf("no liquidity backend configured for method '%s' and unit '%s'", method, unit)
	}
	return backend, nil
}

// Methods lists every (method, unit) pair this registry can settle, in the
// shape NUT-06 info wants.
func (r *Registry) Methods() []struct{ Method, Unit string } {
	methods := make([]struct{ Method, Unit string }, 0, len(r.backends))
	for k := range r.backends {
		for i := 0; i < len(k); i++ {
			if k[i] == '/' {
				methods = append(methods, struct{ Method, Unit string }{Method: k[:i], Unit: k[i+1:]})
				break
			}
		}
	}
	return methods
}
