package mint

import (
	"errors"
	"testing"

	"github.com/elnosh/mintd/cashu"
	"github.com/elnosh/mintd/cashu/nuts/nut04"
	"github.com/elnosh/mintd/testutils"
)

func TestRequestMintQuote(t *testing.T) {
	m, _, err := testutils.NewTestMint([]string{"sat"})
	if err != nil {
		t.Fatalf("error creating test mint: %v", err)
	}

	quote, err := m.RequestMintQuote("bolt11", 1000, "sat")
	if err != nil {
		t.Fatalf("error requesting mint quote: %v", err)
	}
	if quote.State != nut04.Unpaid {
		t.Fatalf("expected state '%s' but got '%s'", nut04.Unpaid, quote.State)
	}

	if _, err := m.RequestMintQuote("bolt11", 1000, "eth"); !errors.Is(err, cashu.UnitNotSupportedErr) {
		t.Fatalf("expected error '%v' but got '%v'", cashu.UnitNotSupportedErr, err)
	}

	if _, err := m.RequestMintQuote("unknown", 1000, "sat"); !errors.Is(err, cashu.PaymentMethodNotSupportedErr) {
		t.Fatalf("expected error '%v' but got '%v'", cashu.PaymentMethodNotSupportedErr, err)
	}
}

func TestMintQuoteStateAndMintTokens(t *testing.T) {
	m, _, err := testutils.NewTestMint([]string{"sat"})
	if err != nil {
		t.Fatalf("error creating test mint: %v", err)
	}

	var amount uint64 = 2048
	quote, err := m.RequestMintQuote("bolt11", amount, "sat")
	if err != nil {
		t.Fatalf("error requesting mint quote: %v", err)
	}

	// liquidity.Mock settles deposits immediately, so the quote is already
	// paid by the time we check.
	stateQuote, err := m.GetMintQuoteState("bolt11", quote.Id)
	if err != nil {
		t.Fatalf("error getting mint quote state: %v", err)
	}
	if stateQuote.State != nut04.Paid {
		t.Fatalf("expected state '%s' but got '%s'", nut04.Paid, stateQuote.State)
	}

	keys, err := m.GetKeys()
	if err != nil {
		t.Fatalf("error getting keys: %v", err)
	}
	keysetId := keys.Keysets[0].Id

	blindedMessages, secrets, rs, err := testutils.CreateBlindedMessages(amount, keysetId)
	if err != nil {
		t.Fatalf("error creating blinded messages: %v", err)
	}

	sigs, err := m.MintTokens("bolt11", quote.Id, blindedMessages)
	if err != nil {
		t.Fatalf("error minting tokens: %v", err)
	}
	if len(sigs) != len(blindedMessages) {
		t.Fatalf("expected '%d' signatures but got '%d'", len(blindedMessages), len(sigs))
	}

	proofs, err := testutils.ConstructProofs(sigs, secrets, rs, keys.Keysets[0].Keys)
	if err != nil {
		t.Fatalf("error constructing proofs: %v", err)
	}
	if proofs.Amount() != amount {
		t.Fatalf("expected proofs amount '%d' but got '%d'", amount, proofs.Amount())
	}

	// quote is now Issued; a second mint attempt with fresh outputs (a
	// different fingerprint, so it bypasses the idempotent response cache)
	// must fail rather than re-signing against the same quote.
	moreMessages, _, _, err := testutils.CreateBlindedMessages(amount, keysetId)
	if err != nil {
		t.Fatalf("error creating blinded messages: %v", err)
	}
	if _, err := m.MintTokens("bolt11", quote.Id, moreMessages); !errors.Is(err, cashu.MintQuoteAlreadyIssued) {
		t.Fatalf("expected error '%v' but got '%v'", cashu.MintQuoteAlreadyIssued, err)
	}

	// retrying the original request must replay the same cached result
	// rather than reject it as already-issued.
	replaySigs, err := m.MintTokens("bolt11", quote.Id, blindedMessages)
	if err != nil {
		t.Fatalf("expected cached replay to succeed, got error: %v", err)
	}
	if len(replaySigs) != len(sigs) {
		t.Fatalf("expected replay to return '%d' signatures but got '%d'", len(sigs), len(replaySigs))
	}
}
