// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// The ledger's events. Each is emitted exactly once by the operation that
// succeeds, and never by a failed one.

// ListingCreated is emitted by List.
type ListingCreated struct {
	ID         uint64
	Seller     common.Address
	Collection common.Address
	AssetID    *big.Int
	Price      *big.Int
}

// ListingPriceUpdated is emitted by UpdatePrice.
type ListingPriceUpdated struct {
	ID       uint64
	OldPrice *big.Int
	NewPrice *big.Int
}

// ListingCancelled is emitted by Cancel.
type ListingCancelled struct {
	ID     uint64
	Seller common.Address
}

// ListingPurchased is emitted by Purchase after the seller is paid.
type ListingPurchased struct {
	ID         uint64
	Buyer      common.Address
	Seller     common.Address
	Collection common.Address
	AssetID    *big.Int
	Price      *big.Int
	Proceeds   *big.Int
}

// FeeCollected is emitted by Purchase when a non-zero fee is paid.
type FeeCollected struct {
	ID        uint64
	Recipient common.Address
	Amount    *big.Int
}

// FeeConfigChanged is emitted by SetFee.
type FeeConfigChanged struct {
	Bps       uint16
	Recipient common.Address
}
