package dhcp

import (
	"encoding/binary"
	"net"

	"github.com/google/uuid"
	"github.com/insomniacslk/dhcp/iana"
)

// ClassIdentifier returns option 60 as text (e.g. "PXEClient:Arch:00007:UNDI:003000").
func (f *Frame) ClassIdentifier() (string, bool) {
	return f.Options.GetString(OptionClassIdentifier)
}

// ServerIdentifier returns option 54 as an IPv4 address.
func (f *Frame) ServerIdentifier() (net.IP, bool) {
	v, ok := f.Options.Get(OptionServerIdentifier)
	if !ok || len(v) != 4 {
		return nil, false
	}

	return net.IP(v), true
}

// SubnetMask returns option 1.
func (f *Frame) SubnetMask() (net.IPMask, bool) {
	v, ok := f.Options.Get(OptionSubnetMask)
	if !ok || len(v) != 4 {
		return nil, false
	}

	return net.IPMask(v), true
}

// LeaseTime returns option 51 in seconds.
func (f *Frame) LeaseTime() (uint32, bool) {
	v, ok := f.Options.Get(OptionIPAddressLeaseTime)
	if !ok || len(v) != 4 {
		return 0, false
	}

	return binary.BigEndian.Uint32(v), true
}

// ClientArch returns option 93, the client's PXE architecture, using
// insomniacslk/dhcp's iana.Arch table for the human-readable name.
// Only the first architecture in the list is used, matching the teacher's
// handler/proxy arch() helper.
func (f *Frame) ClientArch() (iana.Arch, bool) {
	v, ok := f.Options.Get(OptionClientSystemArchitecture)
	if !ok || len(v) < 2 {
		return 0, false
	}

	return iana.Arch(binary.BigEndian.Uint16(v[:2])), true
}

// ClientUUID returns option 97 (client machine identifier), a 17 byte value
// whose first byte is a type byte (0) followed by a 16 byte GUID. A client
// that omits it is tolerated per the PXE spec's documented laxness.
func (f *Frame) ClientUUID() (uuid.UUID, bool) {
	v, ok := f.Options.Get(OptionClientMachineIdentifier)
	if !ok || len(v) != 17 || v[0] != 0 {
		return uuid.UUID{}, false
	}
	id, err := uuid.FromBytes(v[1:])
	if err != nil {
		return uuid.UUID{}, false
	}

	return id, true
}

// RequestedIPAddress returns option 50 if present.
func (f *Frame) RequestedIPAddress() (net.IP, bool) {
	v, ok := f.Options.Get(50)
	if !ok || len(v) != 4 {
		return nil, false
	}

	return net.IP(v), true
}

// BootFileName returns option 67 if present, else the legacy file header.
func (f *Frame) BootFileName() string {
	if v, ok := f.Options.GetString(OptionBootfileName); ok && v != "" {
		return v
	}

	return f.File
}
