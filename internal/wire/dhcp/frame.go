package dhcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sort"
)

// MagicCookie is the literal that marks the start of the option stream
// (RFC 2131 section 3).
var MagicCookie = [4]byte{0x63, 0x82, 0x53, 0x63}

// minFrameLen is the smallest legal BOOTP frame: fixed header (236 bytes)
// plus the 4 byte magic cookie.
const minFrameLen = 236 + 4

// encodeMinLen is the minimum size Encode pads a frame out to, satisfying
// legacy clients that discard short packets.
const encodeMinLen = 300

// Op values (RFC 2131 section 2).
const (
	OpBootRequest byte = 1
	OpBootReply   byte = 2
)

// ErrTooShort is returned when a frame is shorter than the fixed BOOTP
// header plus magic cookie.
var ErrTooShort = errors.New("dhcp: frame shorter than fixed header")

// ErrBadCookie is returned when the magic cookie doesn't match RFC 2131.
var ErrBadCookie = errors.New("dhcp: bad magic cookie")

// Frame is a decoded BOOTP/DHCP packet. Fields mirror RFC 2131 section 2.
type Frame struct {
	Op      byte
	HType   byte
	HLen    byte
	Hops    byte
	Xid     uint32
	Secs    uint16
	Flags   uint16
	CIAddr  net.IP
	YIAddr  net.IP
	SIAddr  net.IP
	GIAddr  net.IP
	CHAddr  net.HardwareAddr
	SName   string
	File    string
	Options Options
}

// BroadcastFlag is the high bit of the flags field (RFC 2131 section 2).
const BroadcastFlag uint16 = 0x8000

// Broadcast reports whether the client set the broadcast flag.
func (f *Frame) Broadcast() bool {
	return f.Flags&BroadcastFlag != 0
}

// MessageType returns option 53's value, or MessageTypeNone if absent.
func (f *Frame) MessageType() MessageType {
	v, ok := f.Options.Get(OptionMessageType)
	if !ok || len(v) == 0 {
		return MessageTypeNone
	}

	return MessageType(v[0])
}

func readIP(b []byte) net.IP {
	ip := make(net.IP, 4)
	copy(ip, b)

	return ip
}

func writeIP(dst []byte, ip net.IP) {
	if ip == nil {
		return
	}
	v4 := ip.To4()
	if v4 == nil {
		return
	}
	copy(dst, v4)
}

func readCString(b []byte) string {
	if i := indexZero(b); i >= 0 {
		b = b[:i]
	}

	return string(b)
}

func indexZero(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}

	return -1
}

// Decode parses a BOOTP/DHCP frame. Malformed frames (short length, bad
// magic cookie) are rejected outright; unknown option codes are kept
// verbatim in Options so a pass-through Encode reproduces them.
func Decode(b []byte) (*Frame, error) {
	if len(b) < minFrameLen {
		return nil, ErrTooShort
	}

	f := &Frame{
		Op:     b[0],
		HType:  b[1],
		HLen:   b[2],
		Hops:   b[3],
		Xid:    binary.BigEndian.Uint32(b[4:8]),
		Secs:   binary.BigEndian.Uint16(b[8:10]),
		Flags:  binary.BigEndian.Uint16(b[10:12]),
		CIAddr: readIP(b[12:16]),
		YIAddr: readIP(b[16:20]),
		SIAddr: readIP(b[20:24]),
		GIAddr: readIP(b[24:28]),
	}

	hlen := int(f.HLen)
	if hlen > 16 {
		hlen = 16
	}
	f.CHAddr = make(net.HardwareAddr, hlen)
	copy(f.CHAddr, b[28:28+hlen])

	f.SName = readCString(b[44:108])
	f.File = readCString(b[108:236])

	var cookie [4]byte
	copy(cookie[:], b[236:240])
	if cookie != MagicCookie {
		return nil, ErrBadCookie
	}

	opts, err := decodeOptions(b[240:])
	if err != nil {
		return nil, err
	}
	f.Options = opts

	return f, nil
}

func decodeOptions(b []byte) (Options, error) {
	var opts Options
	for i := 0; i < len(b); {
		code := b[i]
		if code == OptionEnd {
			break
		}
		if code == OptionPad {
			i++
			continue
		}
		if i+1 >= len(b) {
			return nil, fmt.Errorf("dhcp: truncated option %d", code)
		}
		l := int(b[i+1])
		start := i + 2
		end := start + l
		if end > len(b) {
			return nil, fmt.Errorf("dhcp: option %d length %d exceeds buffer", code, l)
		}
		val := make([]byte, l)
		copy(val, b[start:end])
		opts = append(opts, Option{Code: code, Value: val})
		i = end
	}

	return opts, nil
}

// Encode serializes f, canonicalizing the option stream by ascending code
// and padding the frame to at least 300 bytes for legacy client
// compatibility.
func Encode(f *Frame) []byte {
	out := make([]byte, 240, encodeMinLen)
	out[0] = f.Op
	out[1] = f.HType
	out[2] = f.HLen
	out[3] = f.Hops
	binary.BigEndian.PutUint32(out[4:8], f.Xid)
	binary.BigEndian.PutUint16(out[8:10], f.Secs)
	binary.BigEndian.PutUint16(out[10:12], f.Flags)
	writeIP(out[12:16], f.CIAddr)
	writeIP(out[16:20], f.YIAddr)
	writeIP(out[20:24], f.SIAddr)
	writeIP(out[24:28], f.GIAddr)
	copy(out[28:28+16], f.CHAddr) // zero-padded: CHAddr is shorter than 16 for non-ethernet, never longer
	copy(out[44:44+64], []byte(f.SName))
	copy(out[108:108+128], []byte(f.File))
	copy(out[236:240], MagicCookie[:])

	sorted := make(Options, len(f.Options))
	copy(sorted, f.Options)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Code < sorted[j].Code })

	for _, opt := range sorted {
		out = append(out, opt.Code, byte(len(opt.Value)))
		out = append(out, opt.Value...)
	}

	// Legacy clients discard frames shorter than 300 bytes. Pad with option
	// 0 before the terminating option 255, per RFC 2131 section 4.1.
	for len(out)+1 < encodeMinLen {
		out = append(out, OptionPad)
	}
	out = append(out, OptionEnd)

	return out
}
