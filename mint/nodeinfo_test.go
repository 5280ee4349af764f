package mint

import (
	"testing"

	"github.com/elnosh/mintd/cashu/nuts/nut06"
	"github.com/elnosh/mintd/testutils"
)

func TestNodeInfo(t *testing.T) {
	m, _, err := testutils.NewTestMint([]string{"sat"})
	if err != nil {
		t.Fatalf("error creating test mint: %v", err)
	}

	info, err := m.NodeInfo()
	if err != nil {
		t.Fatalf("error getting node info: %v", err)
	}

	mint4, ok := info.Nuts[4].(nut06.NutSetting)
	if !ok {
		t.Fatalf("expected Nuts[4] to be a NutSetting, got %T", info.Nuts[4])
	}
	if mint4.Disabled {
		t.Fatalf("expected minting to be enabled with no balance limit configured")
	}
}

func TestRestoreSignatures(t *testing.T) {
	m, _, err := testutils.NewTestMint([]string{"sat"})
	if err != nil {
		t.Fatalf("error creating test mint: %v", err)
	}

	quote, err := m.RequestMintQuote("bolt11", 8, "sat")
	if err != nil {
		t.Fatalf("error requesting mint quote: %v", err)
	}

	keys, err := m.GetKeys()
	if err != nil {
		t.Fatalf("error getting keys: %v", err)
	}
	keysetId := keys.Keysets[0].Id

	blindedMessages, _, _, err := testutils.CreateBlindedMessages(8, keysetId)
	if err != nil {
		t.Fatalf("error creating blinded messages: %v", err)
	}

	sigs, err := m.MintTokens("bolt11", quote.Id, blindedMessages)
	if err != nil {
		t.Fatalf("error minting tokens: %v", err)
	}

	restoredOutputs, restoredSigs, err := m.RestoreSignatures(blindedMessages)
	if err != nil {
		t.Fatalf("error restoring signatures: %v", err)
	}
	if len(restoredOutputs) != len(blindedMessages) {
		t.Fatalf("expected %v restored outputs but got %v", len(blindedMessages), len(restoredOutputs))
	}
	if len(restoredSigs) != len(sigs) {
		t.Fatalf("expected %v restored signatures but got %v", len(sigs), len(restoredSigs))
	}
	for i := range sigs {
		if restoredSigs[i].C_ != sigs[i].C_ {
			t.Fatalf("expected restored signature '%v' but got '%v'", sigs[i].C_, restoredSigs[i].C_)
		}
	}

	unknownMessages, _, _, err := testutils.CreateBlindedMessages(8, keysetId)
	if err != nil {
		t.Fatalf("error creating blinded messages: %v", err)
	}
	noOutputs, noSigs, err := m.RestoreSignatures(unknownMessages)
	if err != nil {
		t.Fatalf("error restoring signatures for unknown outputs: %v", err)
	}
	if len(noOutputs) != 0 || len(noSigs) != 0 {
		t.Fatalf("expected no restored signatures for outputs never signed, got %v outputs and %v signatures", len(noOutputs), len(noSigs))
	}
}
