// Package dhcp encodes and decodes BOOTP/DHCP (RFC 2131/2132) frames.
//
// Only the header fields and option codes this system's core needs to read
// or synthesize are given named accessors; every other option survives a
// decode/encode round trip unmodified because Frame keeps the raw option
// stream, not a parsed struct per option.
package dhcp

import "sort"

// Option codes used by the core. Names match the teacher's otel encoder
// comments and RFC 2132 section numbers.
const (
	OptionSubnetMask                  = 1
	OptionMessageType                 = 53
	OptionServerIdentifier            = 54
	OptionParameterRequestList        = 55
	OptionMaxMessageSize              = 57
	OptionRenewalTime                 = 58
	OptionRebindingTime               = 59
	OptionVendorSpecific              = 43
	OptionClassIdentifier             = 60
	OptionClientIdentifier            = 61
	OptionTFTPServerName              = 66
	OptionBootfileName                = 67
	OptionIPAddressLeaseTime          = 51
	OptionClientSystemArchitecture    = 93
	OptionClientNetworkInterfaceID    = 94
	OptionClientMachineIdentifier     = 97
	OptionEnd                         = 255
	OptionPad                         = 0
)

// MessageType is DHCP option 53's value.
type MessageType byte

// Message types recognized by the core (RFC 2132 section 9.6).
const (
	MessageTypeNone     MessageType = 0
	MessageTypeDiscover MessageType = 1
	MessageTypeOffer    MessageType = 2
	MessageTypeRequest  MessageType = 3
	MessageTypeDecline  MessageType = 4
	MessageTypeAck      MessageType = 5
	MessageTypeNak      MessageType = 6
	MessageTypeRelease  MessageType = 7
	MessageTypeInform   MessageType = 8
)

// String implements fmt.Stringer for logging.
func (m MessageType) String() string {
	switch m {
	case MessageTypeDiscover:
		return "DISCOVER"
	case MessageTypeOffer:
		return "OFFER"
	case MessageTypeRequest:
		return "REQUEST"
	case MessageTypeDecline:
		return "DECLINE"
	case MessageTypeAck:
		return "ACK"
	case MessageTypeNak:
		return "NAK"
	case MessageTypeRelease:
		return "RELEASE"
	case MessageTypeInform:
		return "INFORM"
	default:
		return "UNKNOWN"
	}
}

// Option is a single TLV from the option stream.
type Option struct {
	Code  byte
	Value []byte
}

// Options is an ordered option list. Order is preserved on decode but
// canonicalized (ascending code) on Encode so two semantically identical
// frames serialize identically.
type Options []Option

// Get returns the value of the first option with the given code, or
// (nil, false) if absent.
func (o Options) Get(code byte) ([]byte, bool) {
	for _, opt := range o {
		if opt.Code == code {
			return opt.Value, true
		}
	}

	return nil, false
}

// GetString returns an option's value interpreted as ASCII text.
func (o Options) GetString(code byte) (string, bool) {
	v, ok := o.Get(code)
	if !ok {
		return "", false
	}

	return string(v), true
}

// Set replaces (or appends) the option with the given code.
func (o Options) Set(code byte, value []byte) Options {
	for i, opt := range o {
		if opt.Code == code {
			o[i].Value = value
			return o
		}
	}

	return append(o, Option{Code: code, Value: value})
}

// EncodeSuboptions packs a vendor-specific option's (RFC 2132 section 8.4,
// option 43) suboptions into the TLV byte string that is option 43's own
// value, in ascending suboption-code order so the same input always
// produces the same bytes.
func EncodeSuboptions(subs map[byte][]byte) []byte {
	codes := make([]byte, 0, len(subs))
	for code := range subs {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })

	out := make([]byte, 0)
	for _, code := range codes {
		v := subs[code]
		out = append(out, code, byte(len(v)))
		out = append(out, v...)
	}

	return out
}
