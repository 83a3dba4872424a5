package identity

import "github.com/lightforgemedia/go-bidsocket/pkg/shared_types"

// Announcement is the single event emitted after a connect so that the
// server can route targeted messages to this client.
type Announcement struct {
	Event   string
	Payload string
}

// Announce picks the announcement for id. Shippers announce with ShipperID,
// falling back to ID; employees announce with EmpID. Anonymous viewers
// announce nothing and ok is false.
func Announce(id Identity) (a Announcement, ok bool) {
	if id.IsExternalParty() {
		sid := id.ShipperID
		if sid == "" {
			sid = id.ID
		}
		if sid == "" {
			return Announcement{}, false
		}
		return Announcement{Event: shared_types.EventJoinShipper, Payload: sid}, true
	}
	if id.EmpID != "" {
		return Announcement{Event: shared_types.EventJoinEmployee, Payload: id.EmpID}, true
	}
	return Announcement{}, false
}
