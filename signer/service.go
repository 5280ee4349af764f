package signer

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/mintd/cashu"
	"github.com/elnosh/mintd/cashu/nuts/nut01"
)

// Service is the reference signer: it holds the root seed and every
// derived keyset in memory, and answers the four operations the mint
// node is allowed to ask of a key holder. It never exposes a private key
// over its RPC surface.
type Service struct {
	mu sync.RWMutex

	master *hdkeychain.ExtendedKey

	// unitIndices assigns each configured unit a stable derivation index,
	// assigned in the order units are first seen.
	unitIndices map[string]uint32
	nextUnit    uint32

	keysets map[string]*Keyset // keyset id -> keyset
}

func NewService(seed []byte) (*Service, error) {
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("error deriving master key: %w", err)
	}

	return &Service{
		master:      master,
		unitIndices: make(map[string]uint32),
		keysets:     make(map[string]*Keyset),
	}, nil
}

func (s *Service) unitIndex(unit string) uint32 {
	if idx, ok := s.unitIndices[unit]; ok {
		return idx
	}
	idx := s.nextUnit
	s.unitIndices[unit] = idx
	s.nextUnit++
	return idx
}

// DeclareKeyset derives (or returns, if already derived) the keyset for
// the given unit and derivation index, and hands back only its id and
// public keys.
func (s *Service) DeclareKeyset(unit string, index uint32, inputFeePpk uint) (nut01.Keyset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	uidx := s.unitIndex(unit)
	ks, err := GenerateKeyset(s.master, unit, uidx, index, inputFeePpk)
	if err != nil {
		return nut01.Keyset{}, err
	}

	if existing, ok := s.keysets[ks.Id]; ok {
		return nut01.Keyset{Id: existing.Id, Unit: existing.Unit, Keys: existing.PublicKeys()}, nil
	}

	s.keysets[ks.Id] = ks
	return nut01.Keyset{Id: ks.Id, Unit: ks.Unit, Keys: ks.PublicKeys()}, nil
}

// GetRootPubKey returns the hex-encoded compressed public key of the
// signer's master extended key, used by
// the mint node purely as an identity/attestation value in NUT-06 info,
// never for signing.
func (s *Service) GetRootPubKey() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pub, err := s.master.ECPubKey()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(pub.SerializeCompressed()), nil
}

// BlindSign signs a blinded message under the requested keyset and amount,
// returning the blind signature together with its DLEQ proof.
func (s *Service) BlindSign(keysetId string, msg cashu.BlindedMessage) (cashu.BlindedSignature, error) {
	s.mu.RLock()
	ks, ok := s.keysets[keysetId]
	s.mu.RUnlock()
	if !ok {
		return cashu.BlindedSignature{}, cashu.UnknownKeysetErr
	}
	if !ks.Active {
		return cashu.BlindedSignature{}, cashu.InactiveKeysetSignatureRequest
	}

	keyPair, ok := ks.Keys[msg.Amount]
	if !ok {
		return cashu.BlindedSignature{}, cashu.InvalidBlindedMessageAmount
	}

	B_bytes, err := hex.DecodeString(msg.B_)
	if err != nil {
		return cashu.BlindedSignature{}, cashu.BuildCashuError(fmt.Sprintf("invalid B_: %v", err), cashu.StandardErrCode)
	}
	B_, err := secp256k1.ParsePubKey(B_bytes)
	if err != nil {
		return cashu.BlindedSignature{}, cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
	}

	C_ := SignBlindedMessage(B_, keyPair.PrivateKey)
	e, sig := GenerateDLEQ(keyPair.PrivateKey, B_, C_)

	return cashu.BlindedSignature{
		Amount: msg.Amount,
		Id:     ks.Id,
		C_:     hex.EncodeToString(C_.SerializeCompressed()),
		DLEQ: &cashu.DLEQProof{
			E: hex.EncodeToString(e.Bytes()[:]),
			S: hex.EncodeToString(sig.Bytes()[:]),
		},
	}, nil
}

// Verify checks that a proof was legitimately issued by this signer: that
// k*HashToCurve(secret) == C for the private key backing proof.Id/Amount.
func (s *Service) Verify(proof cashu.Proof) error {
	s.mu.RLock()
	ks, ok := s.keysets[proof.Id]
	s.mu.RUnlock()
	if !ok {
		return cashu.UnknownKeysetErr
	}

	keyPair, ok := ks.Keys[proof.Amount]
	if !ok {
		return cashu.InvalidProofErr
	}

	Cbytes, err := hex.DecodeString(proof.C)
	if err != nil {
		return cashu.BuildCashuError(fmt.Sprintf("invalid C: %v", err), cashu.StandardErrCode)
	}
	C, err := secp256k1.ParsePubKey(Cbytes)
	if err != nil {
		return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
	}

	if !Verify([]byte(proof.Secret), keyPair.PrivateKey, C) {
		return cashu.InvalidProofErr
	}
	return nil
}
