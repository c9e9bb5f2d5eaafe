// Package dhcpproxy implements the PXE-assist DHCP state machine:
// correlating broadcast client DISCOVER/REQUEST and a third-party
// authoritative server's OFFER/ACK across a shared xid, and synthesizing
// proxy OFFER/ACK frames carrying PXE boot-steering options.
//
// The state transition logic lives in Reduce, a pure function with no
// sockets and no locks (spec.md §9: "model as a pure reducer"). Everything
// that touches a socket or the session table lives in Listener.
package dhcpproxy

import (
	"context"
	"net"
	"time"

	"github.com/tinkerbell/preboot-oxide/internal/config"
	"github.com/tinkerbell/preboot-oxide/internal/session"
	wire "github.com/tinkerbell/preboot-oxide/internal/wire/dhcp"
)

// Outbound is a frame this system wants to send, plus where to send it.
type Outbound struct {
	Frame *wire.Frame
	Dest  *net.UDPAddr
}

// Inbound bundles a decoded frame with the context Reduce needs: the IPv4
// of the interface it arrived on (used for siaddr fallback, server-id, and
// egress selection) and a way to resolve boot configuration for it.
//
// ResolveReq takes the session, not the triggering frame: the frame that
// triggers a proxy OFFER is the authoritative server's OFFER, which never
// carries the client's own option 60/93/etc, so resolution has to read the
// client fields the session recorded off the original DISCOVER/REQUEST.
type Inbound struct {
	Frame      *wire.Frame
	IfaceIPv4  net.IP
	ResolveReq func(*session.Session) (config.BootConf, error)
	Ctx        context.Context
}

// defaultLeaseTime is mirrored into the proxy OFFER when the authoritative
// OFFER didn't carry a lease time (spec.md §4.4).
const defaultLeaseTime = 600

const pxeClientClassID = "PXEClient"

// Reduce advances a session given one inbound frame and returns a mutator
// to apply under the session table's lock plus the outbound frames to
// send, if any. prev is nil when this is the first frame seen for the xid.
// Reduce itself never performs I/O, never blocks, and never mutates prev.
func Reduce(prev *session.Session, in Inbound, now time.Time) (session.Mutator, []Outbound) {
	switch in.Frame.MessageType() {
	case wire.MessageTypeDiscover:
		return reduceDiscover(prev, in, now)
	case wire.MessageTypeOffer:
		return reduceOffer(prev, in, now)
	case wire.MessageTypeRequest:
		return reduceRequest(prev, in, now)
	case wire.MessageTypeDecline:
		return reduceDecline(prev, in, now)
	case wire.MessageTypeNak, wire.MessageTypeAck:
		// NAK: ignore, the authoritative server will repeat. ACK from the
		// authoritative server is informational only (spec.md §4.4).
		return nil, nil
	default:
		return nil, nil
	}
}

// preview applies mutate to a copy of prev (or a zero Session if prev is
// nil) so Reduce can decide what to send without yet committing the
// mutation to the table.
func preview(prev *session.Session, mutate session.Mutator) session.Session {
	var s session.Session
	if prev != nil {
		s = *prev
	}
	mutate(&s)

	return s
}

func classIdentifier(f *wire.Frame) string {
	v, _ := f.ClassIdentifier()

	return v
}

func recordClientFields(f *wire.Frame, iface net.IP) session.Mutator {
	return func(s *session.Session) {
		if s.ClientMAC == nil {
			s.ClientMAC = f.CHAddr
		}
		s.ClientClassID = classIdentifier(f)
		s.ClientHType = f.HType
		if arch, ok := f.ClientArch(); ok {
			s.ClientArch = uint16(arch)
			s.HasClientArch = true
		}
		if id, ok := f.ClientUUID(); ok {
			s.ClientUUID = id
			s.HasClientUUID = true
		}
		if ip, ok := f.RequestedIPAddress(); ok {
			s.ClientRequestedIP = ip
		}
		if iface != nil {
			s.ReceivedOnIface = mustNetaddrIP(iface)
		}
	}
}

func reduceDiscover(prev *session.Session, in Inbound, now time.Time) (session.Mutator, []Outbound) {
	record := recordClientFields(in.Frame, in.IfaceIPv4)

	// De-duplication: a retransmitted DISCOVER for a session that already
	// advanced past AwaitingAuthoritativeOffer is answered idempotently
	// from cached materials rather than regressing state (spec.md §4.4).
	if prev != nil && prev.State != session.AwaitingAuthoritativeOffer {
		merged := preview(prev, record)
		out := offerFromSession(&merged, in)

		return record, outboundSlice(out)
	}

	if prev != nil && prev.Authoritative != nil {
		advance := session.Mutator(func(s *session.Session) {
			record(s)
			s.State = session.OfferSent
			s.OurOfferSentAt = now
		})
		merged := preview(prev, advance)
		out := offerFromSession(&merged, in)
		if out == nil {
			// Unresolvable boot config: send nothing and don't advance.
			return record, nil
		}

		return advance, outboundSlice(out)
	}

	// No authoritative OFFER seen yet: stay AwaitingAuthoritativeOffer and
	// defer sending until we have a yiaddr (spec.md §4.4).
	return record, nil
}

func reduceOffer(prev *session.Session, in Inbound, now time.Time) (session.Mutator, []Outbound) {
	f := in.Frame

	authoritative := &session.AuthoritativeOffer{YIAddr: f.YIAddr}
	if mask, ok := f.SubnetMask(); ok {
		authoritative.SubnetMask = mask
	}
	if lease, ok := f.LeaseTime(); ok {
		authoritative.LeaseTime = lease
	}
	if sid, ok := f.ServerIdentifier(); ok {
		authoritative.ServerID = sid
	}

	record := func(s *session.Session) { s.Authoritative = authoritative }

	if prev == nil || prev.State != session.AwaitingAuthoritativeOffer {
		// Nothing waiting on this xid (or we already replied): record the
		// data in case a later DISCOVER retransmit needs it, but don't
		// send anything new ourselves.
		return record, nil
	}

	advance := session.Mutator(func(s *session.Session) {
		record(s)
		s.State = session.OfferSent
		s.OurOfferSentAt = now
	})
	merged := preview(prev, advance)
	out := offerFromSession(&merged, in)
	if out == nil {
		// Unresolvable boot config: keep the authoritative data but send
		// nothing and stay AwaitingAuthoritativeOffer.
		return record, nil
	}

	return advance, outboundSlice(out)
}

func reduceRequest(prev *session.Session, in Inbound, now time.Time) (session.Mutator, []Outbound) {
	_ = now
	record := recordClientFields(in.Frame, nil)

	if prev == nil || prev.State != session.OfferSent {
		// No matching OFFER was ever sent for this xid: nothing to ACK.
		return record, nil
	}

	advance := session.Mutator(func(s *session.Session) {
		record(s)
		s.State = session.AckSent
	})
	merged := preview(prev, advance)
	out := ackFromSession(&merged, in)

	return advance, outboundSlice(out)
}

func reduceDecline(_ *session.Session, _ Inbound, _ time.Time) (session.Mutator, []Outbound) {
	return func(s *session.Session) { s.State = session.Declined }, nil
}

func outboundSlice(o *Outbound) []Outbound {
	if o == nil {
		return nil
	}

	return []Outbound{*o}
}
