package mint

import (
	"context"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"github.com/elnosh/mintd/cashu"
	"github.com/elnosh/mintd/cashu/nuts/nut07"
	"github.com/elnosh/mintd/crypto"
	"github.com/elnosh/mintd/mint/responsecache"
	"github.com/elnosh/mintd/mint/storage"
)

// Swap processes a request to exchange a set of valid proofs for new blind
// signatures of equal value, as described in NUT-03:
// https://github.com/cashubtc/nuts/blob/main/03.md.
func (m *Mint) Swap(proofs cashu.Proofs, blindedMessages cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	if len(proofs) > m.maxInputsOutputs || len(blindedMessages) > m.maxInputsOutputs {
		return nil, cashu.TooManyInputsOutputsErr
	}

	Ys, err := nullifiers(proofs)
	if err != nil {
		return nil, err
	}

	fp := responsecache.Fingerprint(map[string]string{
		"op":      "swap",
		"inputs":  strings.Join(Ys, ","),
		"outputs": strings.Join(blindedMessageIds(blindedMessages), ","),
	})
	if response, err, ok := m.responses.Get(fp); ok {
		sigs, _ := response.(cashu.BlindedSignatures)
		return sigs, err
	}
	if inflight, found := m.responses.Start(fp); found {
		if inflight {
			return nil, cashu.BuildCashuError("request already being processed", cashu.StandardErrCode)
		}
		response, err, _ := m.responses.Get(fp)
		sigs, _ := response.(cashu.BlindedSignatures)
		return sigs, err
	}

	sigs, err := m.swap(proofs, blindedMessages, Ys)
	m.responses.Finish(fp, sigs, err)
	return sigs, err
}

// swap holds Swap's actual logic, run at most once per distinct
// (inputs, outputs) fingerprint thanks to the caller's response cache.
func (m *Mint) swap(proofs cashu.Proofs, blindedMessages cashu.BlindedMessages, Ys []string) (cashu.BlindedSignatures, error) {
	unit, err := m.proofsUnit(proofs)
	if err != nil {
		return nil, err
	}
	if outUnit, err := m.messagesUnit(blindedMessages); err != nil {
		return nil, err
	} else if outUnit != unit {
		return nil, cashu.BuildCashuError("inputs and outputs must be of the same unit", cashu.UnitErrCode)
	}

	blindedMessagesAmount := blindedMessages.Amount()
	if overflowed := amountOverflows(blindedMessages); overflowed {
		return nil, cashu.InvalidBlindedMessageAmount
	}

	proofsAmount := proofs.Amount()
	fees := m.TransactionFees(proofs)
	available, underflow := underflowSubUint64(proofsAmount, fees)
	if underflow || available < blindedMessagesAmount {
		return nil, cashu.InsufficientProofsAmount
	}

	B_s := blindedMessageIds(blindedMessages)
	sigs, err := m.db.GetBlindSignatures(B_s)
	if err != nil {
		return nil, cashu.BuildCashuError(fmt.Sprintf("error getting blind signatures from db: %v", err), cashu.DBErrCode)
	}
	if len(sigs) > 0 {
		return nil, cashu.BlindedMessageAlreadySigned
	}

	// reserveAndVerifyProofs marks the inputs spent before the signer is
	// ever asked for new signatures: if signing then fails, the spent
	// proofs simply remain spent, which is the safe direction to fail in.
	if err := m.reserveAndVerifyProofs(proofs, Ys, false, ""); err != nil {
		return nil, err
	}

	blindedSignatures, err := m.signBlindedMessages(blindedMessages)
	if err != nil {
		return nil, err
	}

	return blindedSignatures, nil
}

func nullifiers(proofs cashu.Proofs) ([]string, error) {
	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		Y := crypto.HashToCurve([]byte(proof.Secret))
		Ys[i] = hex.EncodeToString(Y.SerializeCompressed())
	}
	return Ys, nil
}

func blindedMessageIds(blindedMessages cashu.BlindedMessages) []string {
	B_s := make([]string, len(blindedMessages))
	for i, bm := range blindedMessages {
		B_s[i] = bm.B_
	}
	return B_s
}

func amountOverflows(blindedMessages cashu.BlindedMessages) bool {
	var total uint64
	for _, msg := range blindedMessages {
		var overflow bool
		total, overflow = overflowAddUint64(total, msg.Amount)
		if overflow {
			return true
		}
	}
	return false
}

// proofsUnit resolves the common unit of a set of proofs by looking up each
// proof's keyset, returning an error if the proofs span more than one unit.
func (m *Mint) proofsUnit(proofs cashu.Proofs) (string, error) {
	var unit string
	for _, p := range proofs {
		ks, err := m.keysets.Get(p.Id)
		if err != nil {
			return "", cashu.UnknownKeysetErr
		}
		if unit == "" {
			unit = ks.Unit
		} else if unit != ks.Unit {
			return "", cashu.BuildCashuError("inputs must all be of the same unit", cashu.UnitErrCode)
		}
	}
	return unit, nil
}

func (m *Mint) messagesUnit(blindedMessages cashu.BlindedMessages) (string, error) {
	var unit string
	for _, bm := range blindedMessages {
		ks, err := m.keysets.Get(bm.Id)
		if err != nil {
			return "", cashu.UnknownKeysetErr
		}
		if unit == "" {
			unit = ks.Unit
		} else if unit != ks.Unit {
			return "", cashu.BuildCashuError("outputs must all be of the same unit", cashu.UnitErrCode)
		}
	}
	return unit, nil
}

// reserveAndVerifyProofs checks the given proofs contain no duplicates and
// carry a known keyset, then atomically checks them against the pending and
// spent sets, asks the signer to verify each one, and inserts them into the
// pending set (if pending is true, tagged with quoteId) or the spent set --
// all inside one db transaction, so a swap and a melt racing on the same
// secret can't both pass their own check before either commits.
func (m *Mint) reserveAndVerifyProofs(proofs cashu.Proofs, Ys []string, pending bool, quoteId string) error {
	if len(proofs) == 0 {
		return cashu.NoProofsProvided
	}

	if cashu.CheckDuplicateProofs(proofs) {
		return cashu.DuplicateProofs
	}

	for _, proof := range proofs {
		if _, err := m.keysets.Get(proof.Id); err != nil {
			return cashu.UnknownKeysetErr
		}
	}

	err := m.db.ReserveProofs(proofs, Ys, pending, quoteId, func() error {
		for _, proof := range proofs {
			if err := m.signer.Verify(context.Background(), proof); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		return nil
	}
	// pass cashu-typed errors (proof pending/used, signer rejection) through
	// unwrapped -- only a genuine db-layer failure gets rewrapped.
	switch err.(type) {
	case cashu.Error, *cashu.Error:
		return err
	default:
		return cashu.BuildCashuError(fmt.Sprintf("error reserving proofs: %v", err), cashu.DBErrCode)
	}
}

func (m *Mint) ProofsStateCheck(Ys []string) ([]nut07.ProofState, error) {
	pendingProofs, err := m.db.GetPendingProofs(Ys)
	if err != nil {
		return nil, cashu.BuildCashuError(fmt.Sprintf("could not get pending proofs from db: %v", err), cashu.DBErrCode)
	}
	usedProofs, err := m.db.GetProofsUsed(Ys)
	if err != nil {
		return nil, cashu.BuildCashuError(fmt.Sprintf("could not get used proofs from db: %v", err), cashu.DBErrCode)
	}

	proofStates := make([]nut07.ProofState, len(Ys))
	for i, y := range Ys {
		state := nut07.Unspent

		if slices.ContainsFunc(usedProofs, func(p storage.DBProof) bool { return p.Y == y }) {
			state = nut07.Spent
		} else if slices.ContainsFunc(pendingProofs, func(p storage.DBProof) bool { return p.Y == y }) {
			state = nut07.Pending
		}

		proofStates[i] = nut07.ProofState{Y: y, State: state}
	}

	return proofStates, nil
}

func (m *Mint) RestoreSignatures(blindedMessages cashu.BlindedMessages) (cashu.BlindedMessages, cashu.BlindedSignatures, error) {
	outputs := make(cashu.BlindedMessages, 0, len(blindedMessages))
	signatures := make(cashu.BlindedSignatures, 0, len(blindedMessages))

	for _, bm := range blindedMessages {
		sig, err := m.db.GetBlindSignature(bm.B_)
		if err != nil {
			continue
		}
		outputs = append(outputs, bm)
		signatures = append(signatures, sig)
	}

	return outputs, signatures, nil
}

// signBlindedMessages asks the signer for a blind signature under each
// message's declared (active) keyset and persists the result so a retry of
// the same message never produces a second, different signature.
func (m *Mint) signBlindedMessages(blindedMessages cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	blindedSignatures := make(cashu.BlindedSignatures, len(blindedMessages))

	for i, msg := range blindedMessages {
		ks, err := m.keysets.Get(msg.Id)
		if err != nil {
			return nil, cashu.UnknownKeysetErr
		}
		if m.activeKeysetId[ks.Unit] != msg.Id {
			return nil, cashu.InactiveKeysetSignatureRequest
		}

		sig, err := m.signer.BlindSign(context.Background(), msg.Id, msg)
		if err != nil {
			return nil, cashu.BuildCashuError(fmt.Sprintf("error requesting blind signature from signer: %v", err), cashu.SignerErrCode)
		}
		blindedSignatures[i] = sig

		if err := m.db.SaveBlindSignature(msg.B_, sig); err != nil {
			return nil, cashu.BuildCashuError(fmt.Sprintf("error saving blind signature: %v", err), cashu.DBErrCode)
		}
	}

	return blindedSignatures, nil
}
