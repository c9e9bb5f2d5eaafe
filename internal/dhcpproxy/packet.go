package dhcpproxy

import (
	"encoding/binary"
	"net"

	"github.com/tinkerbell/preboot-oxide/internal/config"
	"github.com/tinkerbell/preboot-oxide/internal/session"
	wire "github.com/tinkerbell/preboot-oxide/internal/wire/dhcp"
	"inet.af/netaddr"
)

func mustNetaddrIP(ip net.IP) netaddr.IP {
	n, ok := netaddr.FromStdIP(ip)
	if !ok {
		return netaddr.IP{}
	}

	return n
}

// bootServerOrFallback returns the resolved boot_server_ipv4, falling back
// to the interface's own address when the resolver didn't set one
// (spec.md §4.4: siaddr defaults to the receiving interface).
func bootServerOrFallback(conf config.BootConf, ifaceIPv4 net.IP) net.IP {
	if conf.HasBootServer() {
		return conf.BootServerIPv4.IPAddr().IP
	}

	return ifaceIPv4
}

// offerFromSession builds the proxy OFFER for s, resolving boot
// configuration from in.ResolveReq. It returns nil when s has no
// authoritative yiaddr yet, or when the config resolver couldn't produce a
// usable boot_file/boot_server_ipv4
// (spec.md §4.2's NoBootFile/NoTftp failure conditions) — the caller must
// not send anything and must not advance the session's state when that
// happens.
//
// Resolution and the option 60 echo both read s, not in.Frame: the frame
// that triggers this (an authoritative OFFER) never carries the client's
// own option 60/93, only s carries those, recorded off the client's
// original DISCOVER/REQUEST.
func offerFromSession(s *session.Session, in Inbound) *Outbound {
	if s.Authoritative == nil || s.Authoritative.YIAddr == nil {
		return nil
	}

	conf, err := in.ResolveReq(s)
	if err != nil {
		return nil
	}

	siaddr := bootServerOrFallback(conf, in.IfaceIPv4)

	reply := &wire.Frame{
		Op:     wire.OpBootReply,
		HType:  1,
		HLen:   6,
		Hops:   0,
		Xid:    in.Frame.Xid,
		Flags:  in.Frame.Flags,
		CHAddr: in.Frame.CHAddr,
		GIAddr: in.Frame.GIAddr,
		YIAddr: s.Authoritative.YIAddr,
		SIAddr: siaddr,
		File:   padBootFile(conf.BootFile),
	}

	leaseTime := s.Authoritative.LeaseTime
	if leaseTime == 0 {
		leaseTime = defaultLeaseTime
	}
	leaseBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(leaseBytes, leaseTime)

	reply.Options = wire.Options{
		{Code: wire.OptionMessageType, Value: []byte{byte(wire.MessageTypeOffer)}},
		{Code: wire.OptionServerIdentifier, Value: in.IfaceIPv4.To4()},
		{Code: wire.OptionIPAddressLeaseTime, Value: leaseBytes},
		{Code: wire.OptionTFTPServerName, Value: []byte(siaddr.String())},
		{Code: wire.OptionBootfileName, Value: []byte(conf.BootFile)},
	}
	if s.Authoritative.SubnetMask != nil {
		reply.Options = reply.Options.Set(wire.OptionSubnetMask, []byte(net.IP(s.Authoritative.SubnetMask).To4()))
	}
	if s.ClientClassID != "" {
		reply.Options = reply.Options.Set(wire.OptionClassIdentifier, []byte(pxeClientClassID))
	}
	addVendorOpts(reply, s.ClientMAC, in.Ctx)

	return &Outbound{Frame: reply, Dest: egressAddr(in.Frame, in.IfaceIPv4)}
}

// ackFromSession builds the proxy ACK for s. Only the PXE-steering options
// are included, and yiaddr always mirrors the session's recorded
// authoritative value so the ACK never contradicts it (spec.md §4.4). The
// ACK's trigger frame is always the client's own REQUEST, so — unlike
// offerFromSession — in.Frame's fields would be fine here too, but s is
// used for the same reason and to keep both functions consistent.
func ackFromSession(s *session.Session, in Inbound) *Outbound {
	if s.Authoritative == nil || s.Authoritative.YIAddr == nil {
		return nil
	}

	conf, err := in.ResolveReq(s)
	if err != nil {
		return nil
	}

	siaddr := bootServerOrFallback(conf, in.IfaceIPv4)

	reply := &wire.Frame{
		Op:     wire.OpBootReply,
		HType:  1,
		HLen:   6,
		Hops:   0,
		Xid:    in.Frame.Xid,
		Flags:  in.Frame.Flags,
		CHAddr: in.Frame.CHAddr,
		GIAddr: in.Frame.GIAddr,
		YIAddr: s.Authoritative.YIAddr,
		SIAddr: siaddr,
		File:   padBootFile(conf.BootFile),
		Options: wire.Options{
			{Code: wire.OptionMessageType, Value: []byte{byte(wire.MessageTypeAck)}},
			{Code: wire.OptionTFTPServerName, Value: []byte(siaddr.String())},
			{Code: wire.OptionBootfileName, Value: []byte(conf.BootFile)},
		},
	}
	if s.ClientClassID != "" {
		reply.Options = reply.Options.Set(wire.OptionClassIdentifier, []byte(pxeClientClassID))
	}
	addVendorOpts(reply, s.ClientMAC, in.Ctx)

	return &Outbound{Frame: reply, Dest: egressAddr(in.Frame, in.IfaceIPv4)}
}

// padBootFile truncates a boot filename to the 128 byte legacy `file`
// header (spec.md §4.4: "truncated/padded to 128 bytes"); the full
// filename up to 255 bytes still goes out as option 67.
func padBootFile(name string) string {
	const maxLegacyFile = 127 // leave room for the NUL the encoder appends implicitly via fixed-width copy
	if len(name) > maxLegacyFile {
		return name[:maxLegacyFile]
	}

	return name
}

// egressAddr picks the proxy reply's destination per spec.md §4.4's Egress
// rules, in the order given there: the broadcast flag (or no giaddr/ciaddr
// at all) wins outright, then giaddr, then ciaddr, then broadcast again.
func egressAddr(req *wire.Frame, ifaceIPv4 net.IP) *net.UDPAddr {
	_ = ifaceIPv4 // source address/device binding is the listener's job, not the reducer's

	giaddrSet := req.GIAddr != nil && !req.GIAddr.IsUnspecified()
	ciaddrSet := req.CIAddr != nil && !req.CIAddr.IsUnspecified()

	switch {
	case req.Broadcast() || (!giaddrSet && !ciaddrSet):
		return &net.UDPAddr{IP: net.IPv4bcast, Port: 68}
	case giaddrSet:
		return &net.UDPAddr{IP: req.GIAddr, Port: 67}
	case ciaddrSet:
		return &net.UDPAddr{IP: req.CIAddr, Port: 68}
	default:
		return &net.UDPAddr{IP: net.IPv4bcast, Port: 68}
	}
}
