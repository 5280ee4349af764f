package mint

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"

	"github.com/elnosh/mintd/cashu"
	"github.com/elnosh/mintd/cashu/nuts/nut05"
	"github.com/elnosh/mintd/testutils"
)

func mockMeltRequest(t *testing.T, amount uint64) string {
	t.Helper()
	hash, err := testutils.GenerateRandomBytes()
	if err != nil {
		t.Fatalf("error generating random bytes: %v", err)
	}
	return fmt.Sprintf("mock:%s:%d", hex.EncodeToString(hash), amount)
}

func TestRequestMeltQuote(t *testing.T) {
	m, _, err := testutils.NewTestMint([]string{"sat"})
	if err != nil {
		t.Fatalf("error creating test mint: %v", err)
	}

	quote, err := m.RequestMeltQuote("bolt11", mockMeltRequest(t, 500), "sat")
	if err != nil {
		t.Fatalf("error requesting melt quote: %v", err)
	}
	if quote.State != nut05.Unpaid {
		t.Fatalf("expected state '%s' but got '%s'", nut05.Unpaid, quote.State)
	}
	if quote.Amount != 500 {
		t.Fatalf("expected amount '500' but got '%d'", quote.Amount)
	}

	if _, err := m.RequestMeltQuote("bolt11", mockMeltRequest(t, 500), "eth"); !errors.Is(err, cashu.UnitNotSupportedErr) {
		t.Fatalf("expected error '%v' but got '%v'", cashu.UnitNotSupportedErr, err)
	}

	if _, err := m.RequestMeltQuote("unknown", mockMeltRequest(t, 500), "sat"); !errors.Is(err, cashu.PaymentMethodNotSupportedErr) {
		t.Fatalf("expected error '%v' but got '%v'", cashu.PaymentMethodNotSupportedErr, err)
	}
}

func TestMeltTokens(t *testing.T) {
	m, _, err := testutils.NewTestMint([]string{"sat"})
	if err != nil {
		t.Fatalf("error creating test mint: %v", err)
	}

	var mintAmount uint64 = 128
	proofs := mintProofs(t, m, mintAmount)

	var meltAmount uint64 = 100
	quote, err := m.RequestMeltQuote("bolt11", mockMeltRequest(t, meltAmount), "sat")
	if err != nil {
		t.Fatalf("error requesting melt quote: %v", err)
	}

	ctx := context.Background()
	meltedQuote, err := m.MeltTokens(ctx, "bolt11", quote.Id, proofs)
	if err != nil {
		t.Fatalf("error melting tokens: %v", err)
	}
	if meltedQuote.State != nut05.Paid {
		t.Fatalf("expected state '%s' but got '%s'", nut05.Paid, meltedQuote.State)
	}

	stateQuote, err := m.GetMeltQuoteState(ctx, "bolt11", quote.Id)
	if err != nil {
		t.Fatalf("error getting melt quote state: %v", err)
	}
	if stateQuote.State != nut05.Paid {
		t.Fatalf("expected state '%s' but got '%s'", nut05.Paid, stateQuote.State)
	}

	// the proofs spent on the melt are gone; swapping them must fail.
	keys, err := m.GetKeys()
	if err != nil {
		t.Fatalf("error getting keys: %v", err)
	}
	blindedMessages, _, _, err := testutils.CreateBlindedMessages(mintAmount, keys.Keysets[0].Id)
	if err != nil {
		t.Fatalf("error creating blinded messages: %v", err)
	}
	if _, err := m.Swap(proofs, blindedMessages); !errors.Is(err, cashu.ProofAlreadyUsedErr) {
		t.Fatalf("expected error '%v' but got '%v'", cashu.ProofAlreadyUsedErr, err)
	}

	// re-melting against the same quote (now Paid) with fresh inputs (a
	// different fingerprint, bypassing the idempotent response cache) must
	// fail rather than settle a second time.
	moreProofs := mintProofs(t, m, mintAmount)
	if _, err := m.MeltTokens(ctx, "bolt11", quote.Id, moreProofs); !errors.Is(err, cashu.MeltQuoteAlreadyPaid) {
		t.Fatalf("expected error '%v' but got '%v'", cashu.MeltQuoteAlreadyPaid, err)
	}
}

func TestMeltTokensInsufficientAmount(t *testing.T) {
	m, _, err := testutils.NewTestMint([]string{"sat"})
	if err != nil {
		t.Fatalf("error creating test mint: %v", err)
	}

	var mintAmount uint64 = 16
	proofs := mintProofs(t, m, mintAmount)

	quote, err := m.RequestMeltQuote("bolt11", mockMeltRequest(t, 1000), "sat")
	if err != nil {
		t.Fatalf("error requesting melt quote: %v", err)
	}

	if _, err := m.MeltTokens(context.Background(), "bolt11", quote.Id, proofs); !errors.Is(err, cashu.InsufficientProofsAmount) {
		t.Fatalf("expected error '%v' but got '%v'", cashu.InsufficientProofsAmount, err)
	}
}

func TestMeltTokensQuoteNotExist(t *testing.T) {
	m, _, err := testutils.NewTestMint([]string{"sat"})
	if err != nil {
		t.Fatalf("error creating test mint: %v", err)
	}

	proofs := mintProofs(t, m, 32)
	if _, err := m.MeltTokens(context.Background(), "bolt11", "unknown-quote", proofs); !errors.Is(err, cashu.QuoteNotExistErr) {
		t.Fatalf("expected error '%v' but got '%v'", cashu.QuoteNotExistErr, err)
	}
}
