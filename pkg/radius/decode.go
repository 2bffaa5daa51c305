// Package radius maps RADIUS Accounting-Request packets to the accounting
// event model. Only attribute translation lives here; listening sockets,
// retransmission and response handling belong to the front-end transport.
package radius

import (
	"fmt"
	"time"

	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"
	"layeh.com/radius/rfc2869"

	"github.com/codelaboratoryltd/radacct/pkg/acct"
)

// DecodeEvent extracts an accounting event from an Accounting-Request
// packet. Field-level validation is left to the event's Validate; this only
// fails on packets that are not accounting requests at all.
func DecodeEvent(p *radius.Packet) (*acct.Event, error) {
	if p.Code != radius.CodeAccountingRequest {
		return nil, fmt.Errorf("not an accounting request: code %d", p.Code)
	}

	ev := &acct.Event{
		SessionID:       rfc2866.AcctSessionID_GetString(p),
		Username:        rfc2865.UserName_GetString(p),
		NASIdentifier:   rfc2865.NASIdentifier_GetString(p),
		NASPort:         uint32(rfc2865.NASPort_Get(p)),
		StatusType:      acct.StatusType(rfc2866.AcctStatusType_Get(p)),
		FramedPool:      rfc2869.FramedPool_GetString(p),
		InputOctets:     uint32(rfc2866.AcctInputOctets_Get(p)),
		InputGigawords:  uint32(rfc2869.AcctInputGigawords_Get(p)),
		OutputOctets:    uint32(rfc2866.AcctOutputOctets_Get(p)),
		OutputGigawords: uint32(rfc2869.AcctOutputGigawords_Get(p)),
		TerminateCause:  uint32(rfc2866.AcctTerminateCause_Get(p)),
	}

	// Event-Timestamp is optional; fall back to receipt time.
	if ts, err := rfc2869.EventTimestamp_Lookup(p); err == nil {
		ev.Timestamp = ts
	} else {
		ev.Timestamp = time.Now()
	}

	return ev, nil
}

// EncodeRequest builds an Accounting-Request packet from an event. Used by
// tests and the demo traffic generator; production events arrive from the
// NAS, not from us.
func EncodeRequest(ev *acct.Event, secret []byte) (*radius.Packet, error) {
	p := radius.New(radius.CodeAccountingRequest, secret)

	if err := rfc2866.AcctStatusType_Set(p, rfc2866.AcctStatusType(ev.StatusType)); err != nil {
		return nil, fmt.Errorf("setting status type: %w", err)
	}
	rfc2866.AcctSessionID_SetString(p, ev.SessionID)
	rfc2865.UserName_SetString(p, ev.Username)
	rfc2865.NASIdentifier_SetString(p, ev.NASIdentifier)
	rfc2865.NASPort_Set(p, rfc2865.NASPort(ev.NASPort))

	if ev.FramedPool != "" {
		rfc2869.FramedPool_SetString(p, ev.FramedPool)
	}
	if !ev.Timestamp.IsZero() {
		rfc2869.EventTimestamp_Set(p, ev.Timestamp)
	}

	switch ev.StatusType {
	case acct.StatusInterimUpdate, acct.StatusStop:
		rfc2866.AcctInputOctets_Set(p, rfc2866.AcctInputOctets(ev.InputOctets))
		rfc2866.AcctOutputOctets_Set(p, rfc2866.AcctOutputOctets(ev.OutputOctets))
		if ev.InputGigawords > 0 {
			rfc2869.AcctInputGigawords_Set(p, rfc2869.AcctInputGigawords(ev.InputGigawords))
		}
		if ev.OutputGigawords > 0 {
			rfc2869.AcctOutputGigawords_Set(p, rfc2869.AcctOutputGigawords(ev.OutputGigawords))
		}
	}

	if ev.StatusType == acct.StatusStop && ev.TerminateCause != 0 {
		rfc2866.AcctTerminateCause_Set(p, rfc2866.AcctTerminateCause(ev.TerminateCause))
	}

	return p, nil
}
