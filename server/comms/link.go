// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package comms

import (
	"github.com/Dominion116/FrameMarket-Contracts/fm/msgjson"
)

// Link is a communication channel with a feed subscriber. The reference
// implementation of a Link-satisfying type is the wsLink, which passes
// messages over a websocket connection.
type Link interface {
	// ID will return a unique ID by which this connection can be identified.
	ID() uint64
	// Addr is the subscriber's network address.
	Addr() string
	// Send queues the msgjson.Message for the subscriber.
	Send(msg *msgjson.Message) error
	// Disconnect closes the link.
	Disconnect()
	// Banish closes the link and quarantines the subscriber.
	Banish()
}
