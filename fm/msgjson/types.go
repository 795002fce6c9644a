// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package msgjson

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Error codes
const (
	RPCErrorUnspecified   = iota // 0
	RPCParseError                // 1
	RPCUnknownRoute              // 2
	RPCInternal                  // 3
	SignatureError               // 4
	SerializationError           // 5
	ClockRangeError              // 6
	DuplicateRequestError        // 7
	TooManyRequestsError         // 8
	UnknownListingError          // 9
	ValidationError              // 10
	AuthorizationError           // 11
	StateError                   // 12
	ExternalError                // 13
	HTTPRouteError               // 14
	InvalidRequestError          // 15
)

// Routes are the destinations of signed requests and of feed notifications.
const (
	// ListRoute is the route of a request to list an asset for sale.
	ListRoute = "list"
	// PriceRoute is the route of a request to change a listing's price.
	PriceRoute = "price"
	// CancelRoute is the route of a request to withdraw a listing.
	CancelRoute = "cancel"
	// PurchaseRoute is the route of a request to buy a listed asset.
	PurchaseRoute = "purchase"
	// ApproveRoute is the route of a request to authorize or deauthorize the
	// ledger as an operator of the caller's assets in a collection.
	ApproveRoute = "approve"
	// EventRoute is the route of a feed notification. Its payload is the
	// []*Event of one committed transaction.
	EventRoute = "event"
)

// HTTP data API routes.
const (
	ConfigRoute         = "config"
	ListingRoute        = "listing"
	ActiveRoute         = "active"
	QuoteRoute          = "quote"
	SellerListingsRoute = "sellerlistings"
	EventsRoute         = "events"
	BalanceRoute        = "balance"
	OwnerRoute          = "owner"
)

// Bytes is hex-encoded in JSON.
type Bytes = hexutil.Bytes

// Signable allows for serialization and signing.
type Signable interface {
	Serialize() []byte
	SetSig([]byte)
	SigBytes() []byte
}

// Signature partially implements Signable, and can be embedded by types intended
// to satisfy Signable, which must themselves implement the Serialize method.
type Signature struct {
	Sig Bytes `json:"sig"`
}

// SetSig sets the Sig field.
func (s *Signature) SetSig(b []byte) {
	s.Sig = b
}

// SigBytes returns the signature as a []byte.
func (s *Signature) SigBytes() []byte {
	return s.Sig
}

// Error is returned in the body of a failed request.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error returns the error message. Satisfies the error interface.
func (e *Error) Error() string {
	return e.String()
}

// String satisfies the Stringer interface for pretty printing.
func (e Error) String() string {
	return fmt.Sprintf("error code %d: %s", e.Code, e.Message)
}

// NewError is a constructor for an Error.
func NewError(code int, format string, a ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, a...),
	}
}

// MessageType indicates the type of message.
type MessageType uint8

// The feed only carries notifications, but the type is kept on the wire so
// clients can share a decoder with other message streams.
const (
	InvalidMessageType MessageType = iota // 0
	Request                               // 1
	Response                              // 2
	Notification                          // 3
)

// String satisfies the Stringer interface for translating the MessageType code
// into a description, primarily for logging.
func (mt MessageType) String() string {
	switch mt {
	case Request:
		return "request"
	case Response:
		return "response"
	case Notification:
		return "notification"
	default:
		return "unknown MessageType"
	}
}

// Message is the framing of websocket feed messages.
type Message struct {
	Type    MessageType     `json:"type"`
	Route   string          `json:"route,omitempty"`
	ID      uint64          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodeMessage decodes a *Message from JSON-formatted bytes. Note that
// *Message may be nil even if error is nil, when the message is JSON null.
func DecodeMessage(b []byte) (*Message, error) {
	msg := new(Message)
	err := json.Unmarshal(b, &msg)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// NewNotification encodes the payload and creates a Notification-type *Message.
func NewNotification(route string, payload any) (*Message, error) {
	if route == "" {
		return nil, fmt.Errorf("empty string not allowed for route of notification-type message")
	}
	encPayload, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:    Notification,
		Route:   route,
		Payload: encPayload,
	}, nil
}

// Unmarshal unmarshals the Payload field into the provided interface.
func (msg *Message) Unmarshal(payload any) error {
	return json.Unmarshal(msg.Payload, payload)
}

// String prints the message as a JSON-encoded string.
func (msg *Message) String() string {
	b, err := json.Marshal(msg)
	if err != nil {
		return "[Message decode error]"
	}
	return string(b)
}

// Prefix is common to all signed requests. Account is the claimed signer, and
// must match the account recovered from the signature.
type Prefix struct {
	Signature
	Account    common.Address `json:"account"`
	ClientTime uint64         `json:"tclient"`
}

// Serialize serializes the Prefix data.
func (p *Prefix) Serialize(route string) []byte {
	// serialization: route (var) + account (20) + client time (8)
	b := make([]byte, 0, len(route)+1+common.AddressLength+8)
	b = appendString(b, route)
	b = append(b, p.Account[:]...)
	return append(b, uint64Bytes(p.ClientTime)...)
}

// Time returns the client's stamp in milliseconds. Satisfies Stamped.
func (p *Prefix) Time() uint64 {
	return p.ClientTime
}

// Signer is the claimed signing account. Satisfies Stamped.
func (p *Prefix) Signer() common.Address {
	return p.Account
}

// Stamped is a signed request with a client timestamp.
type Stamped interface {
	Signable
	Time() uint64
	Signer() common.Address
}

// List is the payload of the ListRoute. Amounts and asset identifiers are
// decimal integer strings.
type List struct {
	Prefix
	Collection common.Address `json:"collection"`
	AssetID    string         `json:"assetid"`
	Price      string         `json:"price"`
}

// Serialize serializes the List data.
func (l *List) Serialize() []byte {
	b := l.Prefix.Serialize(ListRoute)
	b = append(b, l.Collection[:]...)
	b = appendString(b, l.AssetID)
	return appendString(b, l.Price)
}

// UpdatePrice is the payload of the PriceRoute.
type UpdatePrice struct {
	Prefix
	ListingID uint64 `json:"listingid"`
	Price     string `json:"price"`
}

// Serialize serializes the UpdatePrice data.
func (u *UpdatePrice) Serialize() []byte {
	b := u.Prefix.Serialize(PriceRoute)
	b = append(b, uint64Bytes(u.ListingID)...)
	return appendString(b, u.Price)
}

// Cancel is the payload of the CancelRoute.
type Cancel struct {
	Prefix
	ListingID uint64 `json:"listingid"`
}

// Serialize serializes the Cancel data.
func (c *Cancel) Serialize() []byte {
	return append(c.Prefix.Serialize(CancelRoute), uint64Bytes(c.ListingID)...)
}

// Purchase is the payload of the PurchaseRoute. Amount is the value attached
// to the purchase, and must equal the listing's price exactly.
type Purchase struct {
	Prefix
	ListingID uint64 `json:"listingid"`
	Amount    string `json:"amount"`
}

// Serialize serializes the Purchase data.
func (p *Purchase) Serialize() []byte {
	b := p.Prefix.Serialize(PurchaseRoute)
	b = append(b, uint64Bytes(p.ListingID)...)
	return appendString(b, p.Amount)
}

// Approve is the payload of the ApproveRoute.
type Approve struct {
	Prefix
	Collection common.Address `json:"collection"`
	Approved   bool           `json:"approved"`
}

// Serialize serializes the Approve data.
func (a *Approve) Serialize() []byte {
	b := a.Prefix.Serialize(ApproveRoute)
	b = append(b, a.Collection[:]...)
	if a.Approved {
		return append(b, 1)
	}
	return append(b, 0)
}

// ListingRequest is the parsed URL parameters of the listing data routes.
type ListingRequest struct {
	ListingID uint64
}

// AccountRequest is the parsed URL parameters of the account data routes.
type AccountRequest struct {
	Account    common.Address
	ActiveOnly bool
}

// EventsRequest is the parsed URL parameters of the EventsRoute. Events of
// transactions after Since are returned, at most N of them.
type EventsRequest struct {
	Since uint64
	N     int
}

// OwnerRequest is the parsed URL parameters of the OwnerRoute.
type OwnerRequest struct {
	Collection common.Address
	AssetID    string
}

// TxResult is the result of a committed request.
type TxResult struct {
	TxID      uint64  `json:"txid"`
	ListingID *uint64 `json:"listingid,omitempty"`
	Stamp     uint64  `json:"stamp"`
}

// Listing is a listing record as returned by the API.
type Listing struct {
	ID         uint64         `json:"id"`
	Seller     common.Address `json:"seller"`
	Collection common.Address `json:"collection"`
	AssetID    string         `json:"assetid"`
	Price      string         `json:"price"`
	Active     bool           `json:"active"`
	Status     string         `json:"status,omitempty"`
	Buyer      string         `json:"buyer,omitempty"`
}

// ListingActive is the result of the ActiveRoute.
type ListingActive struct {
	ListingID uint64 `json:"listingid"`
	Active    bool   `json:"active"`
}

// Owner is the result of the OwnerRoute.
type Owner struct {
	Collection common.Address `json:"collection"`
	AssetID    string         `json:"assetid"`
	Owner      common.Address `json:"owner"`
}

// Quote is the fee split of a listing at its current price.
type Quote struct {
	ListingID uint64 `json:"listingid"`
	Price     string `json:"price"`
	Fee       string `json:"fee"`
	Proceeds  string `json:"proceeds"`
}

// Collection describes an asset collection hosted by the market.
type Collection struct {
	Name    string         `json:"name"`
	Address common.Address `json:"address"`
}

// Config is the market's public configuration.
type Config struct {
	APIVersion   uint16         `json:"apiver"`
	Ledger       common.Address `json:"ledger"`
	Admin        common.Address `json:"admin"`
	FeeBps       uint16         `json:"feebps"`
	FeeRecipient common.Address `json:"feerecipient"`
	MaxFeeBps    uint16         `json:"maxfeebps"`
	NextID       uint64         `json:"nextid"`
	Collections  []*Collection  `json:"collections"`
}

// Balance is an account's balance.
type Balance struct {
	Account common.Address `json:"account"`
	Balance string         `json:"balance"`
}

// Event is the payload of an EventRoute notification and the element of the
// events listing.
type Event struct {
	TxID         uint64         `json:"txid"`
	Index        uint32         `json:"index"`
	Kind         string         `json:"kind"`
	ListingID    uint64         `json:"listingid"`
	Account      common.Address `json:"account"`
	Counterparty common.Address `json:"counterparty"`
	Collection   common.Address `json:"collection"`
	AssetID      string         `json:"assetid,omitempty"`
	Amount       string         `json:"amount,omitempty"`
	Aux          string         `json:"aux,omitempty"`
	Stamp        uint64         `json:"stamp"`
}

func appendString(b []byte, s string) []byte {
	b = append(b, byte(len(s)))
	return append(b, s...)
}

func uint64Bytes(i uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, i)
	return b
}
