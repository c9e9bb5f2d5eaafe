package tftpserver

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
	"github.com/tinkerbell/preboot-oxide/internal/wire/tftp"
)

func startListener(t *testing.T, root string) (*net.UDPConn, func()) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	l := NewListener(conn, root, logr.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	go l.Serve(ctx) //nolint:errcheck

	return conn, cancel
}

// rawClient is a minimal TFTP client driven entirely by hand, so tests can
// control exactly when (or whether) an ACK is sent.
type rawClient struct {
	conn *net.UDPConn
	addr *net.UDPAddr
}

func newRawClient(t *testing.T, serverAddr *net.UDPAddr) *rawClient {
	t.Helper()
	conn, err := net.DialUDP("udp4", nil, serverAddr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() }) //nolint:errcheck

	return &rawClient{conn: conn, addr: serverAddr}
}

func (c *rawClient) sendRRQ(filename string, optOrder []string, opts map[string]string) {
	pkt := tftp.EncodeRequest(tftp.OpRRQ, filename, tftp.ModeOctet, optOrder, opts)
	_, _ = c.conn.Write(pkt)
}

func (c *rawClient) sendAck(block uint16) {
	_, _ = c.conn.Write(tftp.EncodeAck(block))
}

func (c *rawClient) recv(timeout time.Duration) ([]byte, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 65507)
	n, err := c.conn.Read(buf)
	if err != nil {
		return nil, err
	}

	return buf[:n], nil
}

func TestServesFileWithDefaultOptions(t *testing.T) {
	root := t.TempDir()
	content := []byte("hello pxe world")
	require.NoError(t, os.WriteFile(filepath.Join(root, "snp.efi"), content, 0o644))

	conn, cancel := startListener(t, root)
	defer cancel()

	client := newRawClient(t, conn.LocalAddr().(*net.UDPAddr))
	client.sendRRQ("snp.efi", nil, nil)

	pkt, err := client.recv(2 * time.Second)
	require.NoError(t, err)
	opcode, err := tftp.DecodeOpcode(pkt)
	require.NoError(t, err)
	require.Equal(t, tftp.OpDATA, opcode)

	data, err := tftp.DecodeData(pkt[2:])
	require.NoError(t, err)
	require.Equal(t, uint16(1), data.Block)
	require.Equal(t, content, data.Data)

	client.sendAck(1)
}

func TestWindowedTransferSendsMultipleBlocksUnacked(t *testing.T) {
	root := t.TempDir()
	content := make([]byte, 32) // 4 blocks of 8 bytes with blksize=8
	for i := range content {
		content[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "img.bin"), content, 0o644))

	conn, cancel := startListener(t, root)
	defer cancel()

	client := newRawClient(t, conn.LocalAddr().(*net.UDPAddr))
	client.sendRRQ("img.bin", []string{"blksize", "windowsize"}, map[string]string{"blksize": "8", "windowsize": "4"})

	oackPkt, err := client.recv(2 * time.Second)
	require.NoError(t, err)
	opcode, err := tftp.DecodeOpcode(oackPkt)
	require.NoError(t, err)
	require.Equal(t, tftp.OpOACK, opcode)
	client.sendAck(0)

	// With windowsize 4, all 4 blocks should arrive before any further ACK
	// is needed.
	var blocks []uint16
	for i := 0; i < 4; i++ {
		pkt, err := client.recv(2 * time.Second)
		require.NoError(t, err)
		d, err := tftp.DecodeData(pkt[2:])
		require.NoError(t, err)
		blocks = append(blocks, d.Block)
	}
	require.Equal(t, []uint16{1, 2, 3, 4}, blocks)
	client.sendAck(4)
}

func TestRetransmitsOnTimeout(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "tiny.efi"), []byte("abc"), 0o644))

	conn, cancel := startListener(t, root)
	defer cancel()

	client := newRawClient(t, conn.LocalAddr().(*net.UDPAddr))
	client.sendRRQ("tiny.efi", []string{"timeout"}, map[string]string{"timeout": "1"})

	// OACK for the negotiated timeout, then ack block 0.
	oackPkt, err := client.recv(2 * time.Second)
	require.NoError(t, err)
	opcode, err := tftp.DecodeOpcode(oackPkt)
	require.NoError(t, err)
	require.Equal(t, tftp.OpOACK, opcode)
	client.sendAck(0)

	first, err := client.recv(2 * time.Second)
	require.NoError(t, err)
	d1, err := tftp.DecodeData(first[2:])
	require.NoError(t, err)
	require.Equal(t, uint16(1), d1.Block)

	// Deliberately don't ACK: the server must retransmit block 1.
	second, err := client.recv(3 * time.Second)
	require.NoError(t, err)
	d2, err := tftp.DecodeData(second[2:])
	require.NoError(t, err)
	require.Equal(t, uint16(1), d2.Block)
	require.Equal(t, d1.Data, d2.Data)

	client.sendAck(1)
}

func TestPathTraversalRejected(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(root), "secret"), []byte("nope"), 0o644))

	conn, cancel := startListener(t, root)
	defer cancel()

	client := newRawClient(t, conn.LocalAddr().(*net.UDPAddr))
	client.sendRRQ("../secret", nil, nil)

	pkt, err := client.recv(2 * time.Second)
	require.NoError(t, err)
	opcode, err := tftp.DecodeOpcode(pkt)
	require.NoError(t, err)
	require.Equal(t, tftp.OpERROR, opcode)

	e, err := tftp.DecodeError(pkt[2:])
	require.NoError(t, err)
	require.Equal(t, tftp.ErrAccessViolation, e.Code)
}

func TestMissingFileReturnsFileNotFound(t *testing.T) {
	root := t.TempDir()
	conn, cancel := startListener(t, root)
	defer cancel()

	client := newRawClient(t, conn.LocalAddr().(*net.UDPAddr))
	client.sendRRQ("nope.efi", nil, nil)

	pkt, err := client.recv(2 * time.Second)
	require.NoError(t, err)
	opcode, err := tftp.DecodeOpcode(pkt)
	require.NoError(t, err)
	require.Equal(t, tftp.OpERROR, opcode)

	e, err := tftp.DecodeError(pkt[2:])
	require.NoError(t, err)
	require.Equal(t, tftp.ErrFileNotFound, e.Code)
}

func TestWriteRequestRejected(t *testing.T) {
	root := t.TempDir()
	conn, cancel := startListener(t, root)
	defer cancel()

	client := newRawClient(t, conn.LocalAddr().(*net.UDPAddr))
	pkt := tftp.EncodeRequest(tftp.OpWRQ, "upload.efi", tftp.ModeOctet, nil, nil)
	_, err := client.conn.Write(pkt)
	require.NoError(t, err)

	reply, err := client.recv(2 * time.Second)
	require.NoError(t, err)
	opcode, err := tftp.DecodeOpcode(reply)
	require.NoError(t, err)
	require.Equal(t, tftp.OpERROR, opcode)

	e, err := tftp.DecodeError(reply[2:])
	require.NoError(t, err)
	require.Equal(t, tftp.ErrAccessViolation, e.Code)
}
