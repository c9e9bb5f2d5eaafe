package tftp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	raw := EncodeRequest(OpRRQ, "bootx64.efi", ModeOctet, []string{"blksize", "windowsize"}, map[string]string{
		"blksize":    "1024",
		"windowsize": "4",
	})

	opcode, err := DecodeOpcode(raw)
	require.NoError(t, err)
	require.Equal(t, OpRRQ, opcode)

	req, err := DecodeRequest(opcode, raw[2:])
	require.NoError(t, err)
	require.Equal(t, "bootx64.efi", req.Filename)
	require.Equal(t, ModeOctet, req.Mode)
	require.Equal(t, "1024", req.Options["blksize"])
	require.Equal(t, "4", req.Options["windowsize"])
}

func TestRequestModeCaseInsensitive(t *testing.T) {
	raw := EncodeRequest(OpRRQ, "x", "OCTET", nil, nil)
	req, err := DecodeRequest(OpRRQ, raw[2:])
	require.NoError(t, err)
	require.Equal(t, ModeOctet, req.Mode)
}

func TestDataRoundTrip(t *testing.T) {
	raw := EncodeData(42, []byte("hello"))
	d, err := DecodeData(raw[2:])
	require.NoError(t, err)
	require.Equal(t, uint16(42), d.Block)
	require.Equal(t, []byte("hello"), d.Data)
}

func TestDataBlockRollover(t *testing.T) {
	raw := EncodeData(65535, nil)
	d, err := DecodeData(raw[2:])
	require.NoError(t, err)
	require.Equal(t, uint16(65535), d.Block)

	raw2 := EncodeData(0, nil)
	d2, err := DecodeData(raw2[2:])
	require.NoError(t, err)
	require.Equal(t, uint16(0), d2.Block)
}

func TestAckRoundTrip(t *testing.T) {
	raw := EncodeAck(7)
	a, err := DecodeAck(raw[2:])
	require.NoError(t, err)
	require.Equal(t, uint16(7), a.Block)
}

func TestErrorRoundTrip(t *testing.T) {
	raw := EncodeError(ErrFileNotFound, "nope")
	e, err := DecodeError(raw[2:])
	require.NoError(t, err)
	require.Equal(t, ErrFileNotFound, e.Code)
	require.Equal(t, "nope", e.Message)
}

func TestDecodeRequestTruncated(t *testing.T) {
	_, err := DecodeRequest(OpRRQ, []byte("no-null-terminators"))
	require.ErrorIs(t, err, ErrTruncated)
}
