package dhcp

import (
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func sampleFrame() *Frame {
	return &Frame{
		Op:     OpBootRequest,
		HType:  1,
		HLen:   6,
		Hops:   0,
		Xid:    0xAABBCCDD,
		Secs:   0,
		Flags:  BroadcastFlag,
		CIAddr: net.IPv4zero.To4(),
		YIAddr: net.IPv4zero.To4(),
		SIAddr: net.IPv4zero.To4(),
		GIAddr: net.IPv4zero.To4(),
		CHAddr: net.HardwareAddr{0x08, 0x00, 0x27, 0xe7, 0xde, 0xfe},
		SName:  "",
		File:   "",
		Options: Options{
			{Code: OptionMessageType, Value: []byte{byte(MessageTypeDiscover)}},
			{Code: OptionClassIdentifier, Value: []byte("PXEClient:Arch:00007:UNDI:003000")},
		},
	}
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	want := sampleFrame()
	raw := Encode(want)

	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	// Encode canonicalizes option order by ascending code; do the same to
	// the expected frame before comparing so option order never matters.
	reencoded := Encode(got)
	if diff := cmp.Diff(raw, reencoded); diff != "" {
		t.Fatalf("decode-then-encode not byte identical (-want +got):\n%s", diff)
	}

	if got.Xid != want.Xid {
		t.Errorf("Xid = %#x, want %#x", got.Xid, want.Xid)
	}
	if got.CHAddr.String() != want.CHAddr.String() {
		t.Errorf("CHAddr = %v, want %v", got.CHAddr, want.CHAddr)
	}
	if !got.Broadcast() {
		t.Error("Broadcast() = false, want true")
	}
	if mt := got.MessageType(); mt != MessageTypeDiscover {
		t.Errorf("MessageType() = %v, want DISCOVER", mt)
	}
}

func TestDecodeOptionOrderIndependent(t *testing.T) {
	a := sampleFrame()
	b := sampleFrame()
	b.Options = Options{a.Options[1], a.Options[0]} // swap order

	if diff := cmp.Diff(Encode(a), Encode(b)); diff != "" {
		t.Fatalf("option order affected encoded bytes (-a +b):\n%s", diff)
	}
}

func TestEncodeMinimumLength(t *testing.T) {
	f := sampleFrame()
	f.Options = nil
	raw := Encode(f)
	if len(raw) < encodeMinLen {
		t.Fatalf("len(raw) = %d, want >= %d", len(raw), encodeMinLen)
	}
}

func TestDecodeTooShort(t *testing.T) {
	if _, err := Decode(make([]byte, 10)); err != ErrTooShort {
		t.Fatalf("err = %v, want ErrTooShort", err)
	}
}

func TestDecodeBadCookie(t *testing.T) {
	raw := Encode(sampleFrame())
	raw[236] = 0x00
	if _, err := Decode(raw); err != ErrBadCookie {
		t.Fatalf("err = %v, want ErrBadCookie", err)
	}
}

func TestDecodePreservesUnknownOptions(t *testing.T) {
	f := sampleFrame()
	f.Options = append(f.Options, Option{Code: 224, Value: []byte{0x01, 0x02}})

	got, err := Decode(Encode(f))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	v, ok := got.Options.Get(224)
	if !ok {
		t.Fatal("unknown option 224 dropped on round trip")
	}
	if diff := cmp.Diff(v, []byte{0x01, 0x02}); diff != "" {
		t.Fatalf("unknown option value mismatch (-want +got):\n%s", diff)
	}
}
