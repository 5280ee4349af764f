package mint

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/elnosh/mintd/cashu"
	"github.com/elnosh/mintd/cashu/nuts/nut04"
	"github.com/elnosh/mintd/cashu/nuts/nut05"
	"github.com/elnosh/mintd/mint/liquidity"
	"github.com/elnosh/mintd/mint/responsecache"
	"github.com/elnosh/mintd/mint/storage"
	"github.com/google/uuid"
)

const quoteExpiryMinutes = 10

// RequestMeltQuote processes a request to melt tokens, asking the liquidity
// backend to quote the fee reserve it needs to attempt the outbound
// settlement described by request, as in NUT-05:
// https://github.com/cashubtc/nuts/blob/main/05.md.
func (m *Mint) RequestMeltQuote(method, request, unit string) (storage.MeltQuote, error) {
	if !m.unitSupported(unit) {
		return storage.MeltQuote{}, cashu.UnitNotSupportedErr
	}

	backend, err := m.liquidity.Get(method, unit)
	if err != nil {
		return storage.MeltQuote{}, cashu.PaymentMethodNotSupportedErr
	}

	hash, amount, err := backend.DecodeRequest(context.Background(), request)
	if err != nil {
		return storage.MeltQuote{}, cashu.BuildCashuError(fmt.Sprintf("invalid settlement request: %v", err), cashu.MeltQuoteErrCode)
	}
	if amount == 0 {
		return storage.MeltQuote{}, cashu.BuildCashuError("settlement request has no amount", cashu.MeltQuoteErrCode)
	}

	if m.limits.MeltingSettings.MaxAmount > 0 && amount > m.limits.MeltingSettings.MaxAmount {
		return storage.MeltQuote{}, cashu.MeltAmountExceededErr
	}

	fee := backend.FeeReserve(context.Background(), amount)
	m.logInfof("got melt quote request for amount '%v' %v. fee reserve set to %v", amount, unit, fee)

	meltQuote := storage.MeltQuote{
		Id:             uuid.NewString(),
		Method:         method,
		Unit:           unit,
		InvoiceRequest: request,
		PaymentHash:    hash,
		Amount:         amount,
		FeeReserve:     fee,
		State:          nut05.Unpaid,
		Expiry:         uint64(time.Now().Add(time.Minute * quoteExpiryMinutes).Unix()),
	}

	// if a mint quote exists requesting settlement of the same payment hash,
	// the melt can be settled internally without any fee.
	if mintQuote, err := m.db.GetMintQuoteByPaymentHash(hash); err == nil {
		m.logDebugf("melt quote request matches mint quote '%v' with same settlement target; fee reserve set to 0", mintQuote.Id)
		meltQuote.FeeReserve = 0
	}

	if err := m.db.SaveMeltQuote(meltQuote); err != nil {
		return storage.MeltQuote{}, cashu.BuildCashuError(fmt.Sprintf("error saving melt quote to db: %v", err), cashu.DBErrCode)
	}

	return meltQuote, nil
}

// GetMeltQuoteState returns the state of a melt quote, re-polling the
// liquidity backend while the underlying settlement is Pending.
func (m *Mint) GetMeltQuoteState(ctx context.Context, method, quoteId string) (storage.MeltQuote, error) {
	meltQuote, err := m.db.GetMeltQuote(quoteId)
	if err != nil {
		return storage.MeltQuote{}, cashu.QuoteNotExistErr
	}

	if meltQuote.State != nut05.Pending {
		return meltQuote, nil
	}

	backend, err := m.liquidity.Get(method, meltQuote.Unit)
	if err != nil {
		return storage.MeltQuote{}, cashu.PaymentMethodNotSupportedErr
	}

	m.logDebugf("checking settlement status for melt quote '%v' hash '%v'", meltQuote.Id, meltQuote.PaymentHash)
	status, err := backend.WithdrawalStatus(ctx, meltQuote.PaymentHash)
	if err != nil {
		return storage.MeltQuote{}, cashu.BuildCashuError(fmt.Sprintf("error checking settlement status: %v", err), cashu.LiquidityBackendErrCode)
	}

	switch status.State {
	case liquidity.Failed:
		m.logInfof("settlement for melt quote '%v' failed. reverting to unpaid and releasing pending proofs", meltQuote.Id)
		meltQuote.State = nut05.Unpaid
		if err := m.db.UpdateMeltQuote(meltQuote.Id, "", nil, meltQuote.State); err != nil {
			return storage.MeltQuote{}, cashu.BuildCashuError(fmt.Sprintf("error updating melt quote: %v", err), cashu.DBErrCode)
		}
		if _, err := m.removePendingProofsForQuote(meltQuote.Id); err != nil {
			return storage.MeltQuote{}, cashu.BuildCashuError(fmt.Sprintf("error removing pending proofs: %v", err), cashu.DBErrCode)
		}

	case liquidity.Succeeded:
		m.logInfof("settlement for melt quote '%v' succeeded. invalidating proofs", meltQuote.Id)
		proofs, err := m.removePendingProofsForQuote(meltQuote.Id)
		if err != nil {
			return storage.MeltQuote{}, cashu.BuildCashuError(fmt.Sprintf("error removing pending proofs: %v", err), cashu.DBErrCode)
		}
		if err := m.db.SaveProofs(proofs); err != nil {
			return storage.MeltQuote{}, cashu.BuildCashuError(fmt.Sprintf("error invalidating proofs: %v", err), cashu.DBErrCode)
		}
		meltQuote.State = nut05.Paid
		meltQuote.Preimage = status.Preimage
		meltQuote.TransferIds = status.TransferIds
		if err := m.db.UpdateMeltQuote(meltQuote.Id, status.Preimage, status.TransferIds, nut05.Paid); err != nil {
			return storage.MeltQuote{}, cashu.BuildCashuError(fmt.Sprintf("error updating melt quote: %v", err), cashu.DBErrCode)
		}
	}

	return meltQuote, nil
}

func (m *Mint) removePendingProofsForQuote(quoteId string) (cashu.Proofs, error) {
	dbproofs, err := m.db.GetPendingProofsByQuote(quoteId)
	if err != nil {
		return nil, err
	}

	proofs := make(cashu.Proofs, len(dbproofs))
	Ys := make([]string, len(dbproofs))
	for i, dbproof := range dbproofs {
		Ys[i] = dbproof.Y
		proofs[i] = cashu.Proof{Amount: dbproof.Amount, Id: dbproof.Id, Secret: dbproof.Secret, C: dbproof.C}
	}

	if err := m.db.RemovePendingProofs(Ys); err != nil {
		return nil, err
	}
	return proofs, nil
}

// MeltTokens verifies the proofs provided cover quote amount plus fees, and
// proceeds to attempt settlement: quotes with the same settlement target as
// an existing mint quote are settled internally with no external call.
func (m *Mint) MeltTokens(ctx context.Context, method, quoteId string, proofs cashu.Proofs) (storage.MeltQuote, error) {
	if len(proofs) > m.maxInputsOutputs {
		return storage.MeltQuote{}, cashu.TooManyInputsOutputsErr
	}

	Ys, err := nullifiers(proofs)
	if err != nil {
		return storage.MeltQuote{}, err
	}

	fp := responsecache.Fingerprint(map[string]string{
		"op": "melt", "method": method, "quote": quoteId,
		"inputs": strings.Join(Ys, ","),
	})
	if response, err, ok := m.responses.Get(fp); ok {
		quote, _ := response.(storage.MeltQuote)
		return quote, err
	}
	if inflight, found := m.responses.Start(fp); found {
		if inflight {
			return storage.MeltQuote{}, cashu.BuildCashuError("request already being processed", cashu.StandardErrCode)
		}
		response, err, _ := m.responses.Get(fp)
		quote, _ := response.(storage.MeltQuote)
		return quote, err
	}

	quote, err := m.meltTokens(ctx, method, quoteId, proofs, Ys)
	m.responses.Finish(fp, quote, err)
	return quote, err
}

// meltTokens holds MeltTokens's actual logic, run at most once per distinct
// (method, quote, inputs) fingerprint thanks to the caller's response cache.
func (m *Mint) meltTokens(ctx context.Context, method, quoteId string, proofs cashu.Proofs, Ys []string) (storage.MeltQuote, error) {
	meltQuote, err := m.db.GetMeltQuote(quoteId)
	if err != nil {
		return storage.MeltQuote{}, cashu.QuoteNotExistErr
	}
	if meltQuote.State == nut05.Paid {
		return storage.MeltQuote{}, cashu.MeltQuoteAlreadyPaid
	}
	if meltQuote.State == nut05.Pending {
		return storage.MeltQuote{}, cashu.MeltQuotePending
	}

	backend, err := m.liquidity.Get(method, meltQuote.Unit)
	if err != nil {
		return storage.MeltQuote{}, cashu.PaymentMethodNotSupportedErr
	}

	inUnit, err := m.proofsUnit(proofs)
	if err != nil {
		return storage.MeltQuote{}, err
	}
	if inUnit != meltQuote.Unit {
		return storage.MeltQuote{}, cashu.BuildCashuError("inputs must be of the quote's unit", cashu.UnitErrCode)
	}

	proofsAmount := proofs.Amount()
	fees := m.TransactionFees(proofs)
	needed, overflow1 := overflowAddUint64(meltQuote.Amount, meltQuote.FeeReserve)
	needed, overflow2 := overflowAddUint64(needed, fees)
	if overflow1 || overflow2 || proofsAmount < needed {
		return storage.MeltQuote{}, cashu.InsufficientProofsAmount
	}

	m.logInfof("verifying and marking proofs as pending for melt quote '%v'", meltQuote.Id)
	if err := m.reserveAndVerifyProofs(proofs, Ys, true, meltQuote.Id); err != nil {
		return storage.MeltQuote{}, err
	}
	meltQuote.State = nut05.Pending
	if err := m.db.UpdateMeltQuote(meltQuote.Id, "", nil, nut05.Pending); err != nil {
		return storage.MeltQuote{}, cashu.BuildCashuError(fmt.Sprintf("error updating melt quote: %v", err), cashu.DBErrCode)
	}

	if mintQuote, err := m.db.GetMintQuoteByPaymentHash(meltQuote.PaymentHash); err == nil {
		m.logDebugf("quotes '%v' and '%v' share a settlement target; settling internally", meltQuote.Id, mintQuote.Id)
		meltQuote, err = m.settleQuotesInternally(ctx, method, mintQuote, meltQuote)
		if err != nil {
			return storage.MeltQuote{}, err
		}
		if err := m.settleProofs(Ys, proofs); err != nil {
			return storage.MeltQuote{}, err
		}
		return meltQuote, nil
	}

	m.logInfof("attempting settlement for melt quote '%v'", meltQuote.Id)
	status, err := backend.Settle(ctx, meltQuote.InvoiceRequest, meltQuote.Amount, meltQuote.FeeReserve)
	if err != nil && status.State != liquidity.Pending {
		m.logInfof("settlement failed for melt quote '%v': %v. reverting to unpaid", meltQuote.Id, err)
		meltQuote.State = nut05.Unpaid
		if uerr := m.db.UpdateMeltQuote(meltQuote.Id, "", nil, meltQuote.State); uerr != nil {
			return storage.MeltQuote{}, cashu.BuildCashuError(fmt.Sprintf("error updating melt quote: %v", uerr), cashu.DBErrCode)
		}
		if uerr := m.db.RemovePendingProofs(Ys); uerr != nil {
			return storage.MeltQuote{}, cashu.BuildCashuError(fmt.Sprintf("error removing pending proofs: %v", uerr), cashu.DBErrCode)
		}
		return meltQuote, nil
	}

	switch status.State {
	case liquidity.Succeeded:
		m.logInfof("settlement succeeded for melt quote '%v'", meltQuote.Id)
		meltQuote.State = nut05.Paid
		meltQuote.Preimage = status.Preimage
		meltQuote.TransferIds = status.TransferIds
		if err := m.settleProofs(Ys, proofs); err != nil {
			return storage.MeltQuote{}, err
		}
		if err := m.db.UpdateMeltQuote(meltQuote.Id, status.Preimage, status.TransferIds, nut05.Paid); err != nil {
			return storage.MeltQuote{}, cashu.BuildCashuError(fmt.Sprintf("error updating melt quote: %v", err), cashu.DBErrCode)
		}

	case liquidity.Pending:
		m.logInfof("settlement for melt quote '%v' is pending", meltQuote.Id)
	}

	return meltQuote, nil
}

// settleQuotesInternally pairs a mint quote and a melt quote that share a
// settlement target: no external payment is made, each is simply marked
// settled against the other.
func (m *Mint) settleQuotesInternally(ctx context.Context, method string, mintQuote storage.MintQuote, meltQuote storage.MeltQuote) (storage.MeltQuote, error) {
	backend, err := m.liquidity.Get(method, mintQuote.Unit)
	if err != nil {
		return storage.MeltQuote{}, cashu.PaymentMethodNotSupportedErr
	}

	deposit, err := backend.DepositStatus(ctx, mintQuote.PaymentHash)
	if err != nil {
		return storage.MeltQuote{}, cashu.BuildCashuError(fmt.Sprintf("error checking deposit status: %v", err), cashu.LiquidityBackendErrCode)
	}

	meltQuote.State = nut05.Paid
	meltQuote.Preimage = deposit.Preimage
	meltQuote.TransferIds = []string{"internal:" + mintQuote.Id}
	if err := m.db.UpdateMeltQuote(meltQuote.Id, meltQuote.Preimage, meltQuote.TransferIds, meltQuote.State); err != nil {
		return storage.MeltQuote{}, cashu.BuildCashuError(fmt.Sprintf("error updating melt quote: %v", err), cashu.DBErrCode)
	}

	mintQuote.State = nut04.Paid
	if err := m.db.UpdateMintQuoteState(mintQuote.Id, mintQuote.State); err != nil {
		return storage.MeltQuote{}, cashu.BuildCashuError(fmt.Sprintf("error updating mint quote: %v", err), cashu.DBErrCode)
	}

	return meltQuote, nil
}

// settleProofs removes proofs from the pending set and marks them spent by
// adding them to the used-proofs table.
func (m *Mint) settleProofs(Ys []string, proofs cashu.Proofs) error {
	if err := m.db.RemovePendingProofs(Ys); err != nil {
		return cashu.BuildCashuError(fmt.Sprintf("error removing pending proofs: %v", err), cashu.DBErrCode)
	}
	if err := m.db.SaveProofs(proofs); err != nil {
		return cashu.BuildCashuError(fmt.Sprintf("error invalidating proofs: %v", err), cashu.DBErrCode)
	}
	return nil
}
