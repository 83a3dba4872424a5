// Package notify normalizes inbound negotiation events and broadcasts them
// to any number of in-process listeners.
package notify

import (
	"time"

	"github.com/google/uuid"
	"github.com/lightforgemedia/go-bidsocket/pkg/shared_types"
)

// Local broadcast topics.
const (
	TopicNegotiationMessage = "NEGOTIATION_MESSAGE_RECEIVED"
	TopicOpenModal          = "OPEN_NEGOTIATION_MODAL"
)

// Notification is the normalized form of a new_negotiation_message event.
// It is handed to subscribers by value.
type Notification struct {
	ID              string    `json:"id"`
	BidID           string    `json:"bidId"`
	LoadID          string    `json:"loadId,omitempty"`
	SenderName      string    `json:"senderName"`
	Message         string    `json:"message,omitempty"`
	Rate            *float64  `json:"rate,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	Sender          string    `json:"sender"`
	SenderEmpID     string    `json:"senderEmpId,omitempty"`
	Type            string    `json:"type,omitempty"`
	IsExternalParty bool      `json:"isExternalParty"`
	ReceivedAt      time.Time `json:"receivedAt"`
}

// FromMessage builds a Notification with a fresh id. A message without a
// timestamp is stamped with receivedAt.
func FromMessage(msg shared_types.NegotiationMessage, receivedAt time.Time) Notification {
	n := Notification{
		ID:              uuid.NewString(),
		BidID:           msg.BidID,
		LoadID:          msg.LoadID,
		SenderName:      msg.SenderName,
		Message:         msg.Message,
		Timestamp:       msg.Timestamp,
		Sender:          msg.Sender,
		SenderEmpID:     msg.SenderEmpID,
		Type:            msg.Type,
		IsExternalParty: msg.Sender == shared_types.RoleShipper,
		ReceivedAt:      receivedAt,
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = receivedAt
	}
	if msg.Rate != nil {
		r := *msg.Rate
		n.Rate = &r
	}
	return n
}

// HasRate reports whether the notification carries a rate offer.
func (n Notification) HasRate() bool { return n.Rate != nil }
