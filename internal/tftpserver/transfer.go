package tftpserver

import (
	"context"
	"io"
	"net"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/tinkerbell/preboot-oxide/internal/wire/tftp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// maxRetries is the number of retransmits attempted per unacknowledged
// window before the transfer aborts (spec.md §4.5 step 6).
const maxRetries = 5

// tracerName names this package's tracer, following the teacher's
// import-path-shaped convention.
const tracerName = "github.com/tinkerbell/preboot-oxide/tftpserver"

// transfer runs one RRQ to completion on its own ephemeral socket.
type transfer struct {
	conn *net.UDPConn
	peer *net.UDPAddr
	file *os.File
	size int64
	opts negotiated
	log  logr.Logger
	name string
}

// newTransfer binds a fresh ephemeral UDP socket for the reply, per RFC
// 1350's TID convention (spec.md §4.5 step 2).
func newTransfer(localIP net.IP, peer *net.UDPAddr, file *os.File, size int64, opts negotiated, log logr.Logger, name string) (*transfer, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: localIP, Port: 0})
	if err != nil {
		return nil, err
	}

	return &transfer{conn: conn, peer: peer, file: file, size: size, opts: opts, log: log, name: name}, nil
}

func (t *transfer) close() {
	t.conn.Close() //nolint:errcheck
	t.file.Close() //nolint:errcheck
}

// run drives the transfer to completion: optional option negotiation, then
// windowed DATA/ACK streaming (spec.md §4.5 steps 3-6). The whole lifecycle
// runs inside one span per transfer.
func (t *transfer) run(ctx context.Context) {
	defer t.close()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "tftpserver.transfer", trace.WithAttributes(
		attribute.String("file", t.name),
		attribute.Int64("size", t.size),
		attribute.String("peer", t.peer.String()),
	))
	defer span.End()

	if t.opts.any() {
		order, values := t.opts.accepted()
		if !t.negotiateOptions(ctx, order, values) {
			span.SetStatus(codes.Error, "option negotiation failed")
			return
		}
	}

	if t.stream(ctx) {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, "transfer aborted")
	}
}

// negotiateOptions sends the OACK and waits for the client's ACK of block
// 0. It returns false if the transfer should stop (abort, timeout, or
// cancellation).
func (t *transfer) negotiateOptions(ctx context.Context, order []string, values map[string]string) bool {
	pkt := tftp.EncodeOptionAck(order, values)

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if ctx.Err() != nil {
			t.sendError(tftp.ErrNotDefined, "shutting down")
			return false
		}
		if _, err := t.conn.WriteToUDP(pkt, t.peer); err != nil {
			t.log.Error(err, "tftp: writing OACK")
			return false
		}

		ack, err := t.readAck()
		if err == errTimedOut {
			continue
		}
		if err != nil {
			t.log.V(1).Info("tftp: client aborted during option negotiation", "err", err)
			return false
		}
		if ack.Block != 0 {
			// Stale or out-of-order ack; keep waiting for block 0.
			continue
		}

		return true
	}

	t.sendError(tftp.ErrNotDefined, "timed out waiting for OACK ack")
	return false
}

// stream sends DATA blocks numbered from 1 with a sliding window of
// t.opts.windowSize outstanding blocks, handling the 16 bit wire block
// number's rollover by tracking absolute block indices internally
// (spec.md §4.5 step 5).
func (t *transfer) stream(ctx context.Context) bool {
	blksize := int64(t.opts.blksize)
	// A file whose size is an exact multiple of blksize still needs one
	// trailing zero-byte block, since a client only recognizes
	// end-of-transfer from a block shorter than blksize (spec.md §4.5
	// step 4).
	totalBlocks := uint32(t.size/blksize) + 1

	base := uint32(1)  // absolute index of the first unacknowledged block
	next := uint32(1)  // absolute index of the next block to send
	retries := 0

	for base <= totalBlocks {
		if ctx.Err() != nil {
			t.sendError(tftp.ErrNotDefined, "shutting down")
			return false
		}

		for next < base+uint32(t.opts.windowSize) && next <= totalBlocks {
			if err := t.sendBlock(next, blksize); err != nil {
				t.log.Error(err, "tftp: sending DATA block", "block", next)
				return false
			}
			next++
		}

		ack, err := t.readAck()
		if err == errTimedOut {
			retries++
			if retries > maxRetries {
				t.sendError(tftp.ErrNotDefined, "timed out waiting for ACK")
				return false
			}
			next = base // retransmit the whole unacknowledged window
			continue
		}
		if err != nil {
			t.log.V(1).Info("tftp: client aborted transfer", "err", err)
			return false
		}

		retries = 0
		acked := absoluteBlock(ack.Block, base, next-1)
		if acked < base {
			continue // stale duplicate ack
		}
		base = acked + 1
	}

	return true
}

// absoluteBlock reconstructs the absolute block index a 16 bit wire ACK
// refers to by finding the in-window absolute index whose low 16 bits match
// it (spec.md §4.5 step 5: "count transferred blocks in a wider counter").
func absoluteBlock(wireBlock uint16, windowLo, windowHi uint32) uint32 {
	for abs := windowHi; abs >= windowLo; abs-- {
		if uint16(abs%65536) == wireBlock {
			return abs
		}
		if abs == 0 {
			break
		}
	}

	return windowLo - 1 // signals "stale", since this is always < windowLo
}

func (t *transfer) sendBlock(abs uint32, blksize int64) error {
	buf := make([]byte, blksize)
	n, err := t.file.ReadAt(buf, int64(abs-1)*blksize)
	if err != nil && err != io.EOF {
		return err
	}
	pkt := tftp.EncodeData(uint16(abs%65536), buf[:n])
	_, err = t.conn.WriteToUDP(pkt, t.peer)

	return err
}

var errTimedOut = context.DeadlineExceeded

// readAck reads the next ACK from the peer, honoring the negotiated
// per-block timeout. An ERROR from the client aborts the transfer.
func (t *transfer) readAck() (*tftp.Ack, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(time.Duration(t.opts.timeoutSec) * time.Second)); err != nil {
		return nil, err
	}

	buf := make([]byte, 65507)
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil, errTimedOut
			}

			return nil, err
		}
		if from.IP.String() != t.peer.IP.String() || from.Port != t.peer.Port {
			continue // packet from an unrelated TID, ignore
		}

		opcode, err := tftp.DecodeOpcode(buf[:n])
		if err != nil {
			continue
		}
		switch opcode {
		case tftp.OpACK:
			return tftp.DecodeAck(buf[2:n])
		case tftp.OpERROR:
			e, _ := tftp.DecodeError(buf[2:n])
			if e != nil {
				return nil, errAbortedBy(e.Message)
			}

			return nil, errAbortedBy("client sent ERROR")
		default:
			continue
		}
	}
}

type abortError string

func (e abortError) Error() string { return "tftp: aborted by peer: " + string(e) }

func errAbortedBy(msg string) error { return abortError(msg) }

func (t *transfer) sendError(code uint16, msg string) {
	pkt := tftp.EncodeError(code, msg)
	_, _ = t.conn.WriteToUDP(pkt, t.peer)
}
