package signer

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/elnosh/mintd/crypto"
	"github.com/stretchr/testify/require"
)

func TestSignBlindedMessage(t *testing.T) {
	tests := []struct {
		secret         []byte
		blindingFactor string
		mintPrivKey    string
		expected       string
	}{
		{secret: []byte("test_message"),
			blindingFactor: "0000000000000000000000000000000000000000000000000000000000000001",
			mintPrivKey:    "0000000000000000000000000000000000000000000000000000000000000001",
			expected:       "02a9acc1e48c25eeeb9289b5031cc57da9fe72f3fe2861d264bdc074209b107ba2",
		},
		{secret: []byte("test_message"),
			blindingFactor: "0000000000000000000000000000000000000000000000000000000000000001",
			mintPrivKey:    "7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f",
			expected:       "0398bc70ce8184d27ba89834d19f5199c84443c31131e48d3c1214db24247d005d",
		},
	}

	for _, test := range tests {
		rbytes, err := hex.DecodeString(test.blindingFactor)
		require.NoError(t, err)

		B_, _ := crypto.BlindMessage(test.secret, rbytes)

		mintKeyBytes, err := hex.DecodeString(test.mintPrivKey)
		require.NoError(t, err)
		k, _ := btcec.PrivKeyFromBytes(mintKeyBytes)

		blindedSignature := SignBlindedMessage(B_, k)
		blindedHex := hex.EncodeToString(blindedSignature.SerializeCompressed())
		require.Equal(t, test.expected, blindedHex)
	}
}

func TestVerify(t *testing.T) {
	secret := []byte("test_message")
	rhex, _ := hex.DecodeString("0000000000000000000000000000000000000000000000000000000000000002")

	B_, r := crypto.BlindMessage(secret, rhex)

	khex, _ := hex.DecodeString("0000000000000000000000000000000000000000000000000000000000000001")
	k, _ := btcec.PrivKeyFromBytes(khex)
	K := k.PubKey()

	C_ := SignBlindedMessage(B_, k)
	C := crypto.UnblindSignature(C_, r, K)

	require.True(t, Verify(secret, k, C))
}

func TestDLEQRoundtrip(t *testing.T) {
	secret := []byte("dleq_test_message")
	rhex, _ := hex.DecodeString("0000000000000000000000000000000000000000000000000000000000000003")
	B_, _ := crypto.BlindMessage(secret, rhex)

	khex, _ := hex.DecodeString("01000000000000000000000000000000000000000000000000000000000000")
	k, _ := btcec.PrivKeyFromBytes(khex)
	K := k.PubKey()

	C_ := SignBlindedMessage(B_, k)
	e, s := GenerateDLEQ(k, B_, C_)

	require.True(t, VerifyDLEQ(e, s, K, B_, C_))
}
