// Package nut05 contains structs as defined in [NUT-05]
//
// [NUT-05]: https://github.com/cashubtc/nuts/blob/main/05.md
package nut05

import (
	"encoding/json"
	"errors"

	"github.com/elnosh/mintd/cashu"
)

// State is the lifecycle of a melt quote: a quote starts Unpaid, moves to
// Pending while the outgoing settlement is in flight, and ends at Paid once
// the backend confirms settlement, or back at Unpaid if settlement failed.
type State int

const (
	Unpaid State = iota
	Pending
	Paid
	UnknownState
)

func (s State) String() string {
	switch s {
	case Unpaid:
		return "UNPAID"
	case Pending:
		return "PENDING"
	case Paid:
		return "PAID"
	default:
		return "unknown"
	}
}

func StringToState(s string) State {
	switch s {
	case "UNPAID":
		return Unpaid
	case "PENDING":
		return Pending
	case "PAID":
		return Paid
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
		return errors.New("invalid melt quote state")
	}
	*s = val
	return nil
}

type PostMeltQuoteRequest struct {
	Request string `json:"request"`
	Unit    string `json:"unit"`
}

type PostMeltQuoteResponse struct {
	Quote      string `json:"quote"`
	Amount     uint64 `json:"amount"`
	FeeReserve uint64 `json:"fee_reserve"`
	State      State  `json:"state"`
	Expiry     int64  `json:"expiry"`
}

type PostMeltRequest struct {
	Quote  string       `json:"quote"`
	Inputs cashu.Proofs `json:"inputs"`
}

type PostMeltResponse struct {
	State    State  `json:"state"`
	Preimage string `json:"payment_preimage"`
}
