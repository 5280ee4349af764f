// Package testutils provides an in-memory storage.MintDB, an in-process
// signerclient.Client wrapping a real signer.Service, and helpers for
// constructing blinded messages and proofs -- everything the mint engine
// tests need without a Postgres instance or a dialed signer connection.
package testutils

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/elnosh/mintd/cashu"
	"github.com/elnosh/mintd/cashu/nuts/nut01"
	"github.com/elnosh/mintd/cashu/nuts/nut04"
	"github.com/elnosh/mintd/cashu/nuts/nut05"
	"github.com/elnosh/mintd/crypto"
	"github.com/elnosh/mintd/mint"
	"github.com/elnosh/mintd/mint/config"
	"github.com/elnosh/mintd/mint/liquidity"
	"github.com/elnosh/mintd/mint/storage"
	"github.com/elnosh/mintd/signer"
)

// FakeDB is an in-memory storage.MintDB for unit tests. It makes no
// attempt at durability or concurrent-writer isolation beyond a single
// mutex; it exists to exercise the engine, not to model a real database.
type FakeDB struct {
	mu sync.Mutex

	keysets    map[string]storage.DBKeyset
	proofs     map[string]storage.DBProof // used proofs, by Y
	pending    map[string]storage.DBProof // pending proofs, by Y
	mintQuotes map[string]storage.MintQuote
	meltQuotes map[string]storage.MeltQuote
	signatures map[string]cashu.BlindedSignature // by B_
}

func NewFakeDB() *FakeDB {
	return &FakeDB{
		keysets:    make(map[string]storage.DBKeyset),
		proofs:     make(map[string]storage.DBProof),
		pending:    make(map[string]storage.DBProof),
		mintQuotes: make(map[string]storage.MintQuote),
		meltQuotes: make(map[string]storage.MeltQuote),
		signatures: make(map[string]cashu.BlindedSignature),
	}
}

func (f *FakeDB) SaveKeyset(ks storage.DBKeyset) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keysets[ks.Id] = ks
	return nil
}

func (f *FakeDB) GetKeysets() ([]storage.DBKeyset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.DBKeyset, 0, len(f.keysets))
	for _, ks := range f.keysets {
		out = append(out, ks)
	}
	return out, nil
}

func (f *FakeDB) UpdateKeysetActive(keysetId string, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ks, ok := f.keysets[keysetId]
	if !ok {
		return fmt.Errorf("unknown keyset '%s'", keysetId)
	}
	ks.Active = active
	f.keysets[keysetId] = ks
	return nil
}

func (f *FakeDB) SaveProofs(proofs cashu.Proofs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range proofs {
		y := hex.EncodeToString(crypto.HashToCurve([]byte(p.Secret)).SerializeCompressed())
		f.proofs[y] = storage.DBProof{Amount: p.Amount, Id: p.Id, Secret: p.Secret, Y: y, C: p.C}
	}
	return nil
}

func (f *FakeDB) GetProofsUsed(Ys []string) ([]storage.DBProof, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.DBProof
	for _, y := range Ys {
		if p, ok := f.proofs[y]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *FakeDB) AddPendingProofs(proofs cashu.Proofs, quoteId string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range proofs {
		y := hex.EncodeToString(crypto.HashToCurve([]byte(p.Secret)).SerializeCompressed())
		f.pending[y] = storage.DBProof{
			Amount: p.Amount, Id: p.Id, Secret: p.Secret, Y: y, C: p.C, MeltQuoteId: quoteId,
		}
	}
	return nil
}

func (f *FakeDB) GetPendingProofs(Ys []string) ([]storage.DBProof, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.DBProof
	for _, y := range Ys {
		if p, ok := f.pending[y]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *FakeDB) GetPendingProofsByQuote(quoteId string) ([]storage.DBProof, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.DBProof
	for _, p := range f.pending {
		if p.MeltQuoteId == quoteId {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *FakeDB) RemovePendingProofs(Ys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, y := range Ys {
		delete(f.pending, y)
	}
	return nil
}

func (f *FakeDB) SaveMintQuote(q storage.MintQuote) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mintQuotes[q.Id] = q
	return nil
}

func (f *FakeDB) GetMintQuote(id string) (storage.MintQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.mintQuotes[id]
	if !ok {
		return storage.MintQuote{}, errors.New("mint quote not found")
	}
	return q, nil
}

func (f *FakeDB) GetMintQuoteByPaymentHash(hash string) (storage.MintQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range f.mintQuotes {
		if q.PaymentHash == hash {
			return q, nil
		}
	}
	return storage.MintQuote{}, errors.New("mint quote not found")
}

func (f *FakeDB) UpdateMintQuoteState(quoteId string, state nut04.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.mintQuotes[quoteId]
	if !ok {
		return errors.New("mint quote not found")
	}
	q.State = state
	f.mintQuotes[quoteId] = q
	return nil
}

func (f *FakeDB) SaveMeltQuote(q storage.MeltQuote) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.meltQuotes[q.Id] = q
	return nil
}

func (f *FakeDB) GetMeltQuote(id string) (storage.MeltQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.meltQuotes[id]
	if !ok {
		return storage.MeltQuote{}, errors.New("melt quote not found")
	}
	return q, nil
}

func (f *FakeDB) GetMeltQuoteByPaymentHash(hash string) (storage.MeltQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range f.meltQuotes {
		if q.PaymentHash == hash {
			return q, nil
		}
	}
	return storage.MeltQuote{}, errors.New("melt quote not found")
}

func (f *FakeDB) UpdateMeltQuote(quoteId string, preimage string, transferIds []string, state nut05.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.meltQuotes[quoteId]
	if !ok {
		return errors.New("melt quote not found")
	}
	q.Preimage = preimage
	q.TransferIds = transferIds
	q.State = state
	f.meltQuotes[quoteId] = q
	return nil
}

// IssueMintQuote reads the quote, runs fn unlocked (fn typically ends up
// calling back into the db via SaveBlindSignature, which would deadlock
// against a non-reentrant mutex), then re-acquires the lock to persist the
// Issued transition only once fn has succeeded.
func (f *FakeDB) IssueMintQuote(quoteId string, fn func(storage.MintQuote) (cashu.BlindedSignatures, error)) (cashu.BlindedSignatures, error) {
	f.mu.Lock()
	quote, ok := f.mintQuotes[quoteId]
	f.mu.Unlock()
	if !ok {
		return nil, errors.New("mint quote not found")
	}

	sigs, err := fn(quote)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.mintQuotes[quoteId]
	if !ok {
		return nil, errors.New("mint quote not found")
	}
	current.State = nut04.Issued
	f.mintQuotes[quoteId] = current
	return sigs, nil
}

// ReserveProofs holds the lock for the whole check-verify-insert sequence:
// fn only calls out to the signer, never back into the FakeDB, so there is
// no reentrancy hazard in keeping the mutex held across it.
func (f *FakeDB) ReserveProofs(proofs cashu.Proofs, Ys []string, pending bool, quoteId string, fn func() error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, y := range Ys {
		if _, ok := f.proofs[y]; ok {
			return cashu.ProofAlreadyUsedErr
		}
		if _, ok := f.pending[y]; ok {
			return cashu.ProofPendingErr
		}
	}

	if err := fn(); err != nil {
		return err
	}

	for i, p := range proofs {
		y := Ys[i]
		if pending {
			f.pending[y] = storage.DBProof{
				Amount: p.Amount, Id: p.Id, Secret: p.Secret, Y: y, C: p.C, MeltQuoteId: quoteId,
			}
		} else {
			f.proofs[y] = storage.DBProof{Amount: p.Amount, Id: p.Id, Secret: p.Secret, Y: y, C: p.C}
		}
	}
	return nil
}

func (f *FakeDB) SaveBlindSignature(B_ string, sig cashu.BlindedSignature) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signatures[B_] = sig
	return nil
}

func (f *FakeDB) GetBlindSignature(B_ string) (cashu.BlindedSignature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sig, ok := f.signatures[B_]
	if !ok {
		return cashu.BlindedSignature{}, errors.New("signature not found")
	}
	return sig, nil
}

func (f *FakeDB) GetBlindSignatures(B_s []string) (cashu.BlindedSignatures, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out cashu.BlindedSignatures
	for _, B_ := range B_s {
		if sig, ok := f.signatures[B_]; ok {
			out = append(out, sig)
		}
	}
	return out, nil
}

func (f *FakeDB) GetBalance() (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var issued, redeemed uint64
	for _, sig := range f.signatures {
		issued += sig.Amount
	}
	for _, p := range f.proofs {
		redeemed += p.Amount
	}
	if redeemed > issued {
		return 0, nil
	}
	return issued - redeemed, nil
}

func (f *FakeDB) Close() error { return nil }

// LocalSigner adapts an in-process signer.Service to signerclient.Client,
// letting tests exercise the engine's signer-boundary logic without
// dialing a real gRPC connection.
type LocalSigner struct {
	Svc *signer.Service
}

func NewLocalSigner(seed []byte) (*LocalSigner, error) {
	svc, err := signer.NewService(seed)
	if err != nil {
		return nil, err
	}
	return &LocalSigner{Svc: svc}, nil
}

func (l *LocalSigner) DeclareKeyset(ctx context.Context, unit string, index uint32, inputFeePpk uint) (nut01.Keyset, error) {
	return l.Svc.DeclareKeyset(unit, index, inputFeePpk)
}

func (l *LocalSigner) GetRootPubKey(ctx context.Context) (string, error) {
	return l.Svc.GetRootPubKey()
}

func (l *LocalSigner) BlindSign(ctx context.Context, keysetId string, msg cashu.BlindedMessage) (cashu.BlindedSignature, error) {
	return l.Svc.BlindSign(keysetId, msg)
}

func (l *LocalSigner) Verify(ctx context.Context, proof cashu.Proof) error {
	return l.Svc.Verify(proof)
}

// CreateBlindedMessages builds one blinded message per power-of-two
// component of amount, each carrying a fresh random secret and blinding
// factor, along with the secrets and blinding factors needed to later
// unblind the signatures into proofs.
func CreateBlindedMessages(amount uint64, keysetId string) (cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {
	splitAmounts := cashu.AmountSplit(amount)

	blindedMessages := make(cashu.BlindedMessages, len(splitAmounts))
	secrets := make([]string, len(splitAmounts))
	rs := make([]*secp256k1.PrivateKey, len(splitAmounts))

	for i, amt := range splitAmounts {
		secretBytes, err := GenerateRandomBytes()
		if err != nil {
			return nil, nil, nil, err
		}
		secret := hex.EncodeToString(secretBytes)

		blindingFactor, err := GenerateRandomBytes()
		if err != nil {
			return nil, nil, nil, err
		}

		B_, r := crypto.BlindMessage([]byte(secret), blindingFactor)

		blindedMessages[i] = cashu.NewBlindedMessage(keysetId, amt, B_)
		secrets[i] = secret
		rs[i] = r
	}

	return blindedMessages, secrets, rs, nil
}

// ConstructProofs unblinds a set of blind signatures into spendable proofs,
// carrying each signature's DLEQ proof over with the blinding factor r
// attached, as NUT-12 requires for a verifier to check it.
func ConstructProofs(blindedSignatures cashu.BlindedSignatures, secrets []string, rs []*secp256k1.PrivateKey, keys crypto.PublicKeys) (cashu.Proofs, error) {
	if len(blindedSignatures) != len(secrets) || len(blindedSignatures) != len(rs) {
		return nil, errors.New("lengths do not match")
	}

	proofs := make(cashu.Proofs, len(blindedSignatures))
	for i, sig := range blindedSignatures {
		C_bytes, err := hex.DecodeString(sig.C_)
		if err != nil {
			return nil, err
		}
		C_, err := secp256k1.ParsePubKey(C_bytes)
		if err != nil {
			return nil, err
		}

		publicKey, ok := keys[sig.Amount]
		if !ok {
			return nil, fmt.Errorf("key for amount %d not found", sig.Amount)
		}

		C := crypto.UnblindSignature(C_, rs[i], publicKey)

		proof := cashu.Proof{
			Amount: sig.Amount,
			Secret: secrets[i],
			C:      hex.EncodeToString(C.SerializeCompressed()),
			Id:     sig.Id,
		}
		if sig.DLEQ != nil {
			proof.DLEQ = &cashu.DLEQProof{
				E: sig.DLEQ.E,
				S: sig.DLEQ.S,
				R: hex.EncodeToString(rs[i].Serialize()),
			}
		}
		proofs[i] = proof
	}

	return proofs, nil
}

// NewTestMint wires a FakeDB, a LocalSigner over a random seed, and a
// liquidity.Mock backend for each unit into a fully loaded *mint.Mint, the
// way cmd/mint wires a real Postgres, dialed signer, and configured
// backends together.
func NewTestMint(units []string) (*mint.Mint, *FakeDB, error) {
	seed, err := GenerateRandomBytes()
	if err != nil {
		return nil, nil, err
	}
	signerClient, err := NewLocalSigner(seed)
	if err != nil {
		return nil, nil, err
	}

	db := NewFakeDB()

	registry := liquidity.NewRegistry()
	for _, unit := range units {
		registry.Register("bolt11", unit, &liquidity.Mock{})
	}

	cfg := &config.Config{
		Units:                 units,
		LiquidityBackends:     []config.LiquidityBackend{},
		ResponseCacheCapacity: config.DefaultResponseCacheCapacity,
	}
	for _, unit := range units {
		cfg.LiquidityBackends = append(cfg.LiquidityBackends, config.LiquidityBackend{
			Method: "bolt11", Unit: unit, Driver: "mock",
		})
	}

	m, err := mint.LoadMint(mint.Deps{
		DB:        db,
		Signer:    signerClient,
		Liquidity: registry,
		Config:    cfg,
	})
	if err != nil {
		return nil, nil, err
	}
	return m, db, nil
}

func GetAvailablePort() (int, error) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func GenerateRandomBytes() ([]byte, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
