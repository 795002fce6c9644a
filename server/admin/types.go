// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package admin

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Collection is a deployed asset collection.
type Collection struct {
	Name    string         `json:"name"`
	Address common.Address `json:"address"`
}

// Status is the market's operational status.
type Status struct {
	Admin        common.Address `json:"admin"`
	Ledger       common.Address `json:"ledger"`
	FeeBps       uint16         `json:"feebps"`
	FeePercent   string         `json:"feepercent"`
	FeeRecipient common.Address `json:"feerecipient"`
	NextID       uint64         `json:"nextid"`
	TxCount      uint64         `json:"txcount"`
	Collections  []*Collection  `json:"collections"`
}

// FeeResult describes the fee configuration.
type FeeResult struct {
	Bps       uint16         `json:"bps"`
	Percent   string         `json:"percent"`
	Recipient common.Address `json:"recipient"`
}

// BalanceResult is an account's balance.
type BalanceResult struct {
	Account common.Address `json:"account"`
	Balance string         `json:"balance"`
}

// TxResult describes a committed administrative command.
type TxResult struct {
	TxID  uint64  `json:"txid"`
	Stamp APITime `json:"stamp"`
}

// APITime marshals and unmarshals a time value in time.RFC3339Nano format.
type APITime struct {
	time.Time
}

// RFC3339Milli is the RFC3339 time formatting with millisecond precision.
const RFC3339Milli = "2006-01-02T15:04:05.999Z07:00"

// MarshalJSON marshals APITime to a JSON string in RFC3339 format except with
// millisecond precision.
func (at *APITime) MarshalJSON() ([]byte, error) {
	return []byte(`"` + at.Time.Format(RFC3339Milli) + `"`), nil
}

// UnmarshalJSON unmarshals JSON string containing a time in RFC3339 format with
// millisecond precision into an APITime.
func (at *APITime) UnmarshalJSON(b []byte) error {
	t, err := time.Parse(`"`+RFC3339Milli+`"`, string(b))
	if err != nil {
		return err
	}
	at.Time = t
	return nil
}
