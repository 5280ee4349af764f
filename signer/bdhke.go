package signer

import (
	"crypto/rand"
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/mintd/crypto"
)

// C_ = kB_
func SignBlindedMessage(B_ *secp256k1.PublicKey, k *secp256k1.PrivateKey) *secp256k1.PublicKey {
	var bpoint, result secp256k1.JacobianPoint
	B_.AsJacobian(&bpoint)

	// result = k * B_
	secp256k1.ScalarMultNonConst(&k.Key, &bpoint, &result)
	result.ToAffine()
	C_ := secp256k1.NewPublicKey(&result.X, &result.Y)

	return C_
}

// k * HashToCurve(secret) == C
func Verify(secret []byte, k *secp256k1.PrivateKey, C *secp256k1.PublicKey) bool {
	var Ypoint, result secp256k1.JacobianPoint
	Y := crypto.HashToCurve(secret)
	Y.AsJacobian(&Ypoint)

	secp256k1.ScalarMultNonConst(&k.Key, &Ypoint, &result)
	result.ToAffine()
	pk := secp256k1.NewPublicKey(&result.X, &result.Y)

	return C.IsEqual(pk)
}

// GenerateDLEQ produces a non-interactive discrete log equality proof that
// the same scalar k was used to compute both C_ = kB_ and the keyset's
// public key K = kG, without revealing k. Per NUT-12:
//
//	r random scalar
//	R1 = rG
//	R2 = rB_
//	e  = hash(R1 || R2 || K || C_)
//	s  = r + e*k
func GenerateDLEQ(k *secp256k1.PrivateKey, B_, C_ *secp256k1.PublicKey) (*secp256k1.ModNScalar, *secp256k1.ModNScalar) {
	r, R1 := btcec.PrivKeyFromBytes(randomScalarBytes())

	var bpoint, r2point secp256k1.JacobianPoint
	B_.AsJacobian(&bpoint)
	secp256k1.ScalarMultNonConst(&r.Key, &bpoint, &r2point)
	r2point.ToAffine()
	R2 := secp256k1.NewPublicKey(&r2point.X, &r2point.Y)

	K := k.PubKey()

	e := hashDLEQChallenge(R1, R2, K, C_)

	var s secp256k1.ModNScalar
	s.Mul2(&e, &k.Key).Add(&r.Key)

	return &e, &s
}

// VerifyDLEQ checks a DLEQ proof (e, s) for a signature C_ issued over
// blinded message B_ under public key K: it recomputes R1' = sG - eK and
// R2' = sB_ - eC_ and checks e == hash(R1' || R2' || K || C_).
func VerifyDLEQ(e, s *secp256k1.ModNScalar, K, B_, C_ *secp256k1.PublicKey) bool {
	var eNeg secp256k1.ModNScalar
	eNeg.NegateVal(e)

	var sG, negEK, R1Point secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(s, &sG)
	var kpoint secp256k1.JacobianPoint
	K.AsJacobian(&kpoint)
	secp256k1.ScalarMultNonConst(&eNeg, &kpoint, &negEK)
	secp256k1.AddNonConst(&sG, &negEK, &R1Point)
	R1Point.ToAffine()
	R1 := secp256k1.NewPublicKey(&R1Point.X, &R1Point.Y)

	var bpoint, sB secp256k1.JacobianPoint
	B_.AsJacobian(&bpoint)
	secp256k1.ScalarMultNonConst(s, &bpoint, &sB)

	var cpoint, negEC, R2Point secp256k1.JacobianPoint
	C_.AsJacobian(&cpoint)
	secp256k1.ScalarMultNonConst(&eNeg, &cpoint, &negEC)
	secp256k1.AddNonConst(&sB, &negEC, &R2Point)
	R2Point.ToAffine()
	R2 := secp256k1.NewPublicKey(&R2Point.X, &R2Point.Y)

	expected := hashDLEQChallenge(R1, R2, K, C_)
	return expected.Equals(e)
}

func hashDLEQChallenge(R1, R2, K, C_ *secp256k1.PublicKey) secp256k1.ModNScalar {
	h := sha256.New()
	h.Write(R1.SerializeCompressed())
	h.Write(R2.SerializeCompressed())
	h.Write(K.SerializeCompressed())
	h.Write(C_.SerializeCompressed())
	sum := h.Sum(nil)

	var e secp256k1.ModNScalar
	e.SetByteSlice(sum)
	return e
}

func randomScalarBytes() []byte {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}
