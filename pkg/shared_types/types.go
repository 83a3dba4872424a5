// shared_types/types.go
package shared_types

import "time"

// Event names used by both the client and the relay for routing.
const (
	EventJoinEmployee           = "join"                     // payload: employee id
	EventJoinShipper            = "join_shipper"             // payload: shipper id
	EventJoinBidNegotiation     = "join_bid_negotiation"     // payload: bid id
	EventLeaveBidNegotiation    = "leave_bid_negotiation"    // payload: bid id
	EventNewNegotiationMessage  = "new_negotiation_message"  // payload: NegotiationMessage
	EventSendNegotiationMessage = "send_negotiation_message" // payload: NegotiationMessage
)

// Sender roles carried in NegotiationMessage.Sender.
const (
	RoleShipper  = "shipper"
	RoleEmployee = "employee"
)

// NegotiationMessage is the payload of new_negotiation_message. Rate and
// Message are both optional; a rate-only message is a counter offer.
type NegotiationMessage struct {
	BidID       string    `json:"bidId"`
	LoadID      string    `json:"loadId,omitempty"`
	Rate        *float64  `json:"rate,omitempty"`
	Message     string    `json:"message,omitempty"`
	SenderName  string    `json:"senderName"`
	Sender      string    `json:"sender"`
	Timestamp   time.Time `json:"timestamp"`
	SenderEmpID string    `json:"senderEmpId,omitempty"`
	Type        string    `json:"type,omitempty"`

	// Targeted recipients besides the bid room.
	ShipperID string `json:"shipperId,omitempty"`
	EmpID     string `json:"empId,omitempty"`
}

// OpenNegotiationModal asks whichever consumer owns the detail view to open
// the negotiation for a bid.
type OpenNegotiationModal struct {
	BidID  string `json:"bidId"`
	LoadID string `json:"loadId,omitempty"`
}
