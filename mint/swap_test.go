package mint

import (
	"errors"
	"testing"

	"github.com/elnosh/mintd/cashu"
	"github.com/elnosh/mintd/cashu/nuts/nut07"
	"github.com/elnosh/mintd/testutils"
)

func mintProofs(t *testing.T, m *Mint, amount uint64) cashu.Proofs {
	t.Helper()

	quote, err := m.RequestMintQuote("bolt11", amount, "sat")
	if err != nil {
		t.Fatalf("error requesting mint quote: %v", err)
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

	proofs, err := testutils.ConstructProofs(sigs, secrets, rs, keys.Keysets[0].Keys)
	if err != nil {
		t.Fatalf("error constructing proofs: %v", err)
	}
	return proofs
}

func TestSwap(t *testing.T) {
	m, _, err := testutils.NewTestMint([]string{"sat"})
	if err != nil {
		t.Fatalf("error creating test mint: %v", err)
	}

	var amount uint64 = 64
	proofs := mintProofs(t, m, amount)

	keys, err := m.GetKeys()
	if err != nil {
		t.Fatalf("error getting keys: %v", err)
	}
	keysetId := keys.Keysets[0].Id

	blindedMessages, secrets, rs, err := testutils.CreateBlindedMessages(amount, keysetId)
	if err != nil {
		t.Fatalf("error creating blinded messages: %v", err)
	}

	sigs, err := m.Swap(proofs, blindedMessages)
	if err != nil {
		t.Fatalf("error swapping proofs: %v", err)
	}
	if sigs.Amount() != amount {
		t.Fatalf("expected signatures amount '%d' but got '%d'", amount, sigs.Amount())
	}

	// the proofs just swapped are now spent: a new swap of them (fresh outputs,
	// so not a replay of the cached response) is rejected
	moreMessages, _, _, err := testutils.CreateBlindedMessages(amount, keysetId)
	if err != nil {
		t.Fatalf("error creating blinded messages: %v", err)
	}
	if _, err := m.Swap(proofs, moreMessages); !errors.Is(err, cashu.ProofAlreadyUsedErr) {
		t.Fatalf("expected error '%v' but got '%v'", cashu.ProofAlreadyUsedErr, err)
	}

	newProofs, err := testutils.ConstructProofs(sigs, secrets, rs, keys.Keysets[0].Keys)
	if err != nil {
		t.Fatalf("error constructing proofs: %v", err)
	}

	states, err := m.ProofsStateCheck([]string{mustY(t, proofs[0].Secret)})
	if err != nil {
		t.Fatalf("error checking proof state: %v", err)
	}
	if states[0].State != nut07.Spent {
		t.Fatalf("expected state '%s' but got '%s'", nut07.Spent, states[0].State)
	}

	unspentStates, err := m.ProofsStateCheck([]string{mustY(t, newProofs[0].Secret)})
	if err != nil {
		t.Fatalf("error checking proof state: %v", err)
	}
	if unspentStates[0].State != nut07.Unspent {
		t.Fatalf("expected state '%s' but got '%s'", nut07.Unspent, unspentStates[0].State)
	}
}

func TestSwapDuplicateProofs(t *testing.T) {
	m, _, err := testutils.NewTestMint([]string{"sat"})
	if err != nil {
		t.Fatalf("error creating test mint: %v", err)
	}

	var amount uint64 = 8
	proofs := mintProofs(t, m, amount)
	duplicated := append(cashu.Proofs{}, proofs...)
	duplicated = append(duplicated, proofs...)

	keys, err := m.GetKeys()
	if err != nil {
		t.Fatalf("error getting keys: %v", err)
	}
	blindedMessages, _, _, err := testutils.CreateBlindedMessages(amount*2, keys.Keysets[0].Id)
	if err != nil {
		t.Fatalf("error creating blinded messages: %v", err)
	}

	if _, err := m.Swap(duplicated, blindedMessages); !errors.Is(err, cashu.DuplicateProofs) {
		t.Fatalf("expected error '%v' but got '%v'", cashu.DuplicateProofs, err)
	}
}

func mustY(t *testing.T, secret string) string {
	t.Helper()
	Ys, err := nullifiers(cashu.Proofs{{Secret: secret}})
	if err != nil {
		t.Fatalf("error computing nullifier: %v", err)
	}
	return Ys[0]
}
