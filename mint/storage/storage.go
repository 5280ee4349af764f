// Package storage defines the persistence contract for a mint node: quotes,
// spent/pending proofs, blind signatures and the keysets it has declared
// with its signer. The node never persists a seed or private key itself --
// that lives entirely on the signer side of the gRPC boundary.
package storage

import (
	"github.com/elnosh/mintd/cashu"
	"github.com/elnosh/mintd/cashu/nuts/nut04"
	"github.com/elnosh/mintd/cashu/nuts/nut05"
)

type MintDB interface {
	SaveKeyset(DBKeyset) error
	GetKeysets() ([]DBKeyset, error)
	UpdateKeysetActive(keysetId string, active bool) error

	SaveProofs(cashu.Proofs) error
	GetProofsUsed(Ys []string) ([]DBProof, error)
	AddPendingProofs(proofs cashu.Proofs, quoteId string) error
	GetPendingProofs(Ys []string) ([]DBProof, error)
	GetPendingProofsByQuote(quoteId string) ([]DBProof, error)
	RemovePendingProofs(Ys []string) error

	// ReserveProofs locks proofs' nullifiers against concurrent insertion
	// into either the spent set ("proofs") or the pending set
	// ("pending_proofs"), checks that none of Ys already appears in either
	// set, and only then calls fn -- the signer verification round trip --
	// persisting proofs into the destination set in the same transaction
	// fn succeeds in. A swap and a melt racing on the same secret therefore
	// serialize instead of both passing their own independent check.
	ReserveProofs(proofs cashu.Proofs, Ys []string, pending bool, quoteId string, fn func() error) error

	SaveMintQuote(MintQuote) error
	GetMintQuote(string) (MintQuote, error)
	GetMintQuoteByPaymentHash(string) (MintQuote, error)
	UpdateMintQuoteState(quoteId string, state nut04.State) error

	// IssueMintQuote locks the named mint quote for the duration of fn,
	// which receives the locked quote, performs any remaining paid/
	// eligibility checks and the signer round trip, and returns either the
	// new signatures or an error. On success the quote's state is set to
	// Issued in the same transaction that held the lock, so two callers
	// racing on one quote -- even with different outputs -- can never both
	// pass fn and get signed.
	IssueMintQuote(quoteId string, fn func(MintQuote) (cashu.BlindedSignatures, error)) (cashu.BlindedSignatures, error)

	SaveMeltQuote(MeltQuote) error
	GetMeltQuote(string) (MeltQuote, error)
	GetMeltQuoteByPaymentHash(string) (MeltQuote, error)
	UpdateMeltQuote(quoteId string, preimage string, transferIds []string, state nut05.State) error

	SaveBlindSignature(B_ string, blindSignature cashu.BlindedSignature) error
	GetBlindSignature(B_ string) (cashu.BlindedSignature, error)
	GetBlindSignatures(B_s []string) (cashu.BlindedSignatures, error)

	// GetBalance returns the mint's current outstanding-ecash balance in
	// its accounting unit (sum of issued minus sum of redeemed).
	GetBalance() (uint64, error)

	Close() error
}

// DBKeyset is a keyset the node has declared with its signer. The node
// keeps only the public shape and bookkeeping fields; amount-indexed
// public keys are re-fetched from the signer on load via DeclareKeyset,
// which is idempotent.
type DBKeyset struct {
	Id                string
	Unit              string
	Active            bool
	DerivationPathIdx uint32
	InputFeePpk       uint
}

type DBProof struct {
	Amount  uint64
	Id      string
	Secret  string
	Y       string
	C       string
	Witness string
	// for proofs in the pending table
	MeltQuoteId string
}

type MintQuote struct {
	Id             string
	Amount         uint64
	Unit           string
	PaymentRequest string
	PaymentHash    string
	State          nut04.State
	Expiry         uint64
}

// MeltQuote generalizes settlement beyond a single Lightning preimage:
// TransferIds holds one identifier per transfer a backend split the
// withdrawal across (a blockchain L2 settlement can pay out in more than
// one on-chain transaction for a single quote), and Method records which
// liquidity backend the quote settles through.
type MeltQuote struct {
	Id             string
	Method         string
	Unit           string
	InvoiceRequest string
	PaymentHash    string
	Amount         uint64
	FeeReserve     uint64
	State          nut05.State
	Expiry         uint64
	Preimage       string
	TransferIds    []string
}
