package mint

import (
	"context"
	"fmt"
	"strings"

	"github.com/elnosh/mintd/cashu"
	"github.com/elnosh/mintd/cashu/nuts/nut04"
	"github.com/elnosh/mintd/mint/responsecache"
	"github.com/elnosh/mintd/mint/storage"
	"github.com/google/uuid"
)

// RequestMintQuote processes a request to mint tokens and returns a mint
// quote, as described in NUT-04: https://github.com/cashubtc/nuts/blob/main/04.md.
func (m *Mint) RequestMintQuote(method string, amount uint64, unit string) (storage.MintQuote, error) {
	if !m.unitSupported(unit) {
		return storage.MintQuote{}, cashu.UnitNotSupportedErr
	}

	backend, err := m.liquidity.Get(method, unit)
	if err != nil {
		return storage.MintQuote{}, cashu.PaymentMethodNotSupportedErr
	}

	if m.limits.MintingSettings.MaxAmount > 0 && amount > m.limits.MintingSettings.MaxAmount {
		return storage.MintQuote{}, cashu.MintAmountExceededErr
	}
	if m.limits.MaxBalance > 0 {
		balance, err := m.db.GetBalance()
		if err != nil {
			return storage.MintQuote{}, cashu.BuildCashuError(fmt.Sprintf("could not get mint balance: %v", err), cashu.DBErrCode)
		}
		if sum, overflow := overflowAddUint64(balance, amount); overflow || sum > m.limits.MaxBalance {
			return storage.MintQuote{}, cashu.MintingDisabled
		}
	}

	m.logInfof("requesting deposit request from liquidity backend for %v %v", amount, unit)
	deposit, err := backend.CreateDepositRequest(context.Background(), amount)
	if err != nil {
		return storage.MintQuote{}, cashu.BuildCashuError(fmt.Sprintf("could not create deposit request: %v", err), cashu.LiquidityBackendErrCode)
	}

	mintQuote := storage.MintQuote{
		Id:             uuid.NewString(),
		Amount:         amount,
		Unit:           unit,
		PaymentRequest: deposit.Request,
		PaymentHash:    deposit.Hash,
		State:          nut04.Unpaid,
		Expiry:         deposit.Expiry,
	}

	if err := m.db.SaveMintQuote(mintQuote); err != nil {
		return storage.MintQuote{}, cashu.BuildCashuError(fmt.Sprintf("error saving mint quote to db: %v", err), cashu.DBErrCode)
	}

	return mintQuote, nil
}

// GetMintQuoteState returns the state of a mint quote, re-polling the
// liquidity backend for settlement only while the quote is still Unpaid.
func (m *Mint) GetMintQuoteState(method, quoteId string) (storage.MintQuote, error) {
	mintQuote, err := m.db.GetMintQuote(quoteId)
	if err != nil {
		return storage.MintQuote{}, cashu.QuoteNotExistErr
	}

	if mintQuote.State == nut04.Unpaid {
		backend, err := m.liquidity.Get(method, mintQuote.Unit)
		if err != nil {
			return storage.MintQuote{}, cashu.PaymentMethodNotSupportedErr
		}

		m.logDebugf("checking deposit status for mint quote '%v' hash '%v'", mintQuote.Id, mintQuote.PaymentHash)
		status, err := backend.DepositStatus(context.Background(), mintQuote.PaymentHash)
		if err != nil {
			return storage.MintQuote{}, cashu.BuildCashuError(fmt.Sprintf("error checking deposit status: %v", err), cashu.LiquidityBackendErrCode)
		}

		if status.Settled {
			m.logInfof("mint quote '%v' was paid", mintQuote.Id)
			mintQuote.State = nut04.Paid
			if err := m.db.UpdateMintQuoteState(mintQuote.Id, mintQuote.State); err != nil {
				return storage.MintQuote{}, cashu.BuildCashuError(fmt.Sprintf("error updating mint quote: %v", err), cashu.DBErrCode)
			}
		}
	}

	return mintQuote, nil
}

// MintTokens binds a paid mint quote to a set of blinded outputs and emits
// signatures exactly once: a quote already Issued is rejected outright, and
// the blinded messages are checked against prior signatures before signing
// so a retried request never double-issues.
func (m *Mint) MintTokens(method, id string, blindedMessages cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	if len(blindedMessages) > m.maxInputsOutputs {
		return nil, cashu.TooManyInputsOutputsErr
	}

	fp := responsecache.Fingerprint(map[string]string{
		"op": "mint", "method": method, "quote": id,
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

	sigs, err := m.mintTokens(method, id, blindedMessages)
	m.responses.Finish(fp, sigs, err)
	return sigs, err
}

// mintTokens holds MintTokens's actual logic, run at most once per distinct
// (method, quote, outputs) fingerprint thanks to the caller's response cache.
func (m *Mint) mintTokens(method, id string, blindedMessages cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	mintQuote, err := m.db.GetMintQuote(id)
	if err != nil {
		return nil, cashu.QuoteNotExistErr
	}
	if mintQuote.State == nut04.Issued {
		return nil, cashu.MintQuoteAlreadyIssued
	}

	outUnit, err := m.messagesUnit(blindedMessages)
	if err != nil {
		return nil, err
	}
	if outUnit != mintQuote.Unit {
		return nil, cashu.BuildCashuError("outputs must be of the quote's unit", cashu.UnitErrCode)
	}

	if amountOverflows(blindedMessages) {
		return nil, cashu.InvalidBlindedMessageAmount
	}
	blindedMessagesAmount := blindedMessages.Amount()
	if blindedMessagesAmount > mintQuote.Amount {
		return nil, cashu.OutputsOverQuoteAmountErr
	}

	B_s := blindedMessageIds(blindedMessages)
	sigs, err := m.db.GetBlindSignatures(B_s)
	if err != nil {
		return nil, cashu.BuildCashuError(fmt.Sprintf("error getting blind signatures from db: %v", err), cashu.DBErrCode)
	}
	if len(sigs) > 0 {
		return nil, cashu.BlindedMessageAlreadySigned
	}

	// IssueMintQuote locks the quote row for the duration of the callback, so
	// the paid check and the Paid->Issued transition happen atomically around
	// the call to the signer: two concurrent requests for the same quote can
	// no longer both observe it Paid and each obtain a distinct signature set.
	blindedSignatures, err := m.db.IssueMintQuote(mintQuote.Id, func(quote storage.MintQuote) (cashu.BlindedSignatures, error) {
		if quote.State == nut04.Issued {
			return nil, cashu.MintQuoteAlreadyIssued
		}

		paid := quote.State == nut04.Paid
		if !paid {
			backend, err := m.liquidity.Get(method, quote.Unit)
			if err != nil {
				return nil, cashu.PaymentMethodNotSupportedErr
			}
			status, err := backend.DepositStatus(context.Background(), quote.PaymentHash)
			if err != nil {
				return nil, cashu.BuildCashuError(fmt.Sprintf("error checking deposit status: %v", err), cashu.LiquidityBackendErrCode)
			}
			paid = status.Settled
		}
		if !paid {
			return nil, cashu.MintQuoteRequestNotPaid
		}

		return m.signBlindedMessages(blindedMessages)
	})
	if err != nil {
		switch err.(type) {
		case cashu.Error, *cashu.Error:
			return nil, err
		default:
			return nil, cashu.BuildCashuError(fmt.Sprintf("error issuing mint quote: %v", err), cashu.DBErrCode)
		}
	}

	return blindedSignatures, nil
}
