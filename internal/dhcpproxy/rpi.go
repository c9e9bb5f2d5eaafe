package dhcpproxy

import (
	"context"
	"encoding/hex"
	"net"
	"strings"

	"github.com/tinkerbell/preboot-oxide/internal/oteldhcp"
	wire "github.com/tinkerbell/preboot-oxide/internal/wire/dhcp"
)

// isRaspberryPi reports whether chaddr carries a MAC OUI assigned to the
// Raspberry Pi Foundation. This is the only practical signal available
// without reaching out to an external vendor lookup service.
func isRaspberryPi(chaddr net.HardwareAddr) bool {
	if len(chaddr) < 3 {
		return false
	}

	switch strings.ToLower(chaddr[:3].String()) {
	case "28:cd:c1", "b8:27:eb", "dc:a6:32", "e4:5f:01":
		return true
	}

	return false
}

// rpiVendorSuboptions returns suboptions 9 and 10 of option 43, which a
// Raspberry Pi's UEFI firmware requires to accept a proxyDHCP reply
// (https://www.raspberrypi.com/documentation/computers/raspberry-pi.html#PXE_OPTION43).
func rpiVendorSuboptions() map[byte][]byte {
	sub9, _ := hex.DecodeString("00001152617370626572727920506920426f6f74") // "\x00\x00\x11Raspberry Pi Boot"
	sub10, _ := hex.DecodeString("00505845")                                // "\x00PXE"

	return map[byte][]byte{9: sub9, 10: sub10}
}

// addVendorOpts sets option 43 (PXE vendor-specific information, RFC 2132
// section 8.4) on reply. Suboption 6, PXE Boot Server Discovery Control, is
// always set to bypass discovery and boot straight from the filename this
// system already chose; Raspberry Pi suboptions 9/10 are added when mac
// identifies one. Suboption 69 carries the running span's traceparent
// (extracted from ctx) so a netboot script can propagate the trace.
func addVendorOpts(reply *wire.Frame, mac net.HardwareAddr, ctx context.Context) {
	subs := map[byte][]byte{6: {8}}

	if isRaspberryPi(mac) {
		for code, v := range rpiVendorSuboptions() {
			subs[code] = v
		}
	}

	if ctx != nil {
		if tp := oteldhcp.TraceparentFromContext(ctx); len(tp) > 0 {
			subs[69] = tp
		}
	}

	reply.Options = reply.Options.Set(wire.OptionVendorSpecific, wire.EncodeSuboptions(subs))
}
