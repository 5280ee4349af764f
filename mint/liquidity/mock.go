package liquidity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

const FakePreimage = "0000000000000000000000000000000000000000000000000000000000000000"

// FailMarker at the end of a withdrawal's opaque request string makes Settle fail it,
// mirroring the teacher fake backend's "fail the payment" description hack.
const FailMarker = "__fail__"

type mockEntry struct {
	request     string
	hash        string
	preimage    string
	transferIds []string
	state       PaymentState
	amount      uint64
	created     time.Time
}

// mockTransferId derives a deterministic fake transfer id for a settled
// withdrawal, standing in for the tx hash a blockchain L2 backend would
// report.
func mockTransferId(hash string, amount uint64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:transfer", hash, amount)))
	return "mocktx:" + hex.EncodeToString(sum[:8])
}

// Mock is an in-memory liquidity backend for tests and local development.
// It never talks to any network; CreateDepositRequest manufactures an
// opaque request string instead of a real invoice or address.
type Mock struct {
	PaymentDelay time.Duration
	entries      []mockEntry
}

func (m *Mock) CreateDepositRequest(ctx context.Context, amount uint64) (DepositRequest, error) {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return DepositRequest{}, err
	}
	hash := sha256.Sum256(nonce[:])
	hashHex := hex.EncodeToString(hash[:])
	request := fmt.Sprintf("mock:%s:%d", hashHex, amount)

	m.entries = append(m.entries, mockEntry{
		request: request,
		hash:    hashHex,
		state:   Succeeded,
		amount:  amount,
		created: time.Now(),
	})

	return DepositRequest{Request: request, Hash: hashHex, Amount: amount}, nil
}

func (m *Mock) find(hash string) int {
	return slices.IndexFunc(m.entries, func(e mockEntry) bool { return e.hash == hash })
}

func (m *Mock) DepositStatus(ctx context.Context, hash string) (DepositStatus, error) {
	idx := m.find(hash)
	if idx == -1 {
		return DepositStatus{}, errors.New("deposit request does not exist")
	}
	return DepositStatus{Settled: m.entries[idx].state == Succeeded}, nil
}

func (m *Mock) FeeReserve(ctx context.Context, amount uint64) uint64 {
	return 0
}

// DecodeRequest parses the opaque "mock:<hash>:<amount>" request string a
// test's deposit request (or a handwritten melt request) produced. A real
// backend would decode a bolt11 invoice or similar here instead.
func (m *Mock) DecodeRequest(ctx context.Context, request string) (string, uint64, error) {
	trimmed := strings.TrimSuffix(request, ":"+FailMarker)

	parts := strings.SplitN(trimmed, ":", 3)
	if len(parts) != 3 || parts[0] != "mock" || parts[1] == "" {
		return "", 0, errors.New("invalid mock settlement request")
	}
	amount, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return "", 0, errors.New("invalid mock settlement request")
	}
	return parts[1], amount, nil
}

func (m *Mock) Settle(ctx context.Context, request string, amount, maxFee uint64) (PaymentStatus, error) {
	hash, _, err := m.DecodeRequest(ctx, request)
	if err != nil {
		return PaymentStatus{}, err
	}

	state := Succeeded
	if strings.HasSuffix(request, FailMarker) {
		state = Failed
	} else if m.PaymentDelay > 0 {
		state = Pending
	}

	var transferIds []string
	if state == Succeeded {
		transferIds = []string{mockTransferId(hash, amount)}
	}

	entry := mockEntry{
		request:     request,
		hash:        hash,
		preimage:    FakePreimage,
		transferIds: transferIds,
		state:       state,
		amount:      amount,
		created:     time.Now(),
	}
	m.entries = append(m.entries, entry)

	if state == Failed {
		return PaymentStatus{State: Failed}, errors.New("payment failed")
	}
	return PaymentStatus{State: state, Preimage: FakePreimage, TransferIds: transferIds}, nil
}

func (m *Mock) WithdrawalStatus(ctx context.Context, hash string) (PaymentStatus, error) {
	idx := m.find(hash)
	if idx == -1 {
		return PaymentStatus{}, errors.New("payment does not exist")
	}
	entry := &m.entries[idx]
	if entry.state == Pending && m.PaymentDelay > 0 && time.Since(entry.created) > m.PaymentDelay {
		entry.state = Succeeded
		entry.preimage = FakePreimage
		entry.transferIds = []string{mockTransferId(entry.hash, entry.amount)}
	}
	return PaymentStatus{State: entry.state, Preimage: entry.preimage, TransferIds: entry.transferIds}, nil
}

// SetState lets tests force a deposit or withdrawal to a given state without
// waiting out PaymentDelay.
func (m *Mock) SetState(hash string, state PaymentState) {
	idx := m.find(hash)
	if idx == -1 {
		return
	}
	m.entries[idx].state = state
}
