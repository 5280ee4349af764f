// Package nut04 contains structs as defined in [NUT-04]
//
// [NUT-04]: https://github.com/cashubtc/nuts/blob/main/04.md
package nut04

import (
	"encoding/json"
	"errors"

	"github.com/elnosh/mintd/cashu"
)

// State is the lifecycle of a mint quote: a quote starts Unpaid, becomes
// Paid once the backing liquidity deposit settles, and becomes Issued once
// the wallet has redeemed it for blind signatures. Issued is terminal; a
// quote cannot be minted against twice.
type State int

const (
	Unpaid State = iota
	Paid
	Issued
	UnknownState
)

func (s State) String() string {
	switch s {
	case Unpaid:
		return "UNPAID"
	case Paid:
		return "PAID"
	case Issued:
		return "ISSUED"
	default:
		return "unknown"
	}
}

func StringToState(s string) State {
	switch s {
	case "UNPAID":
		return Unpaid
	case "PAID":
		return Paid
	case "ISSUED":
		return Issued
	}
	return UnknownState
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	val := StringToState(str)
	if val == UnknownState {
		return errors.New("invalid mint quote state")
	}
	*s = val
	return nil
}

type PostMintQuoteRequest struct {
	Amount uint64 `json:"amount"`
	Unit   string `json:"unit"`
}

type PostMintQuoteResponse struct {
	Quote   string `json:"quote"`
	Request string `json:"request"`
	State   State  `json:"state"`
	Expiry  int64  `json:"expiry"`
}

type PostMintRequest struct {
	Quote   string                `json:"quote"`
	Outputs cashu.BlindedMessages `json:"outputs"`
}

type PostMintResponse struct {
	Signatures cashu.BlindedSignatures `json:"signatures"`
}
