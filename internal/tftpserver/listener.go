// Package tftpserver implements a read-only TFTP (RFC 1350, plus RFC
// 2347/2348/2349 options) server: it accepts RRQ only, rejects WRQ, and
// streams files out of a configured root directory (spec.md §4.5).
package tftpserver

import (
	"context"
	"errors"
	"net"
	"os"

	"github.com/go-logr/logr"
	"github.com/tinkerbell/preboot-oxide/internal/wire/tftp"
)

// Listener accepts RRQs on one bound UDP socket (conventionally port 69)
// and spawns an independent transfer goroutine per request, each on its
// own ephemeral socket (spec.md §4.5 "Concurrency").
type Listener struct {
	conn    *net.UDPConn
	rootDir string
	log     logr.Logger
}

// NewListener wraps an already-bound UDP connection (typically produced by
// the interface binder so it is device-bound on a multi-homed host).
func NewListener(conn *net.UDPConn, rootDir string, log logr.Logger) *Listener {
	return &Listener{conn: conn, rootDir: rootDir, log: log}
}

// Serve reads RRQ/WRQ datagrams until ctx is canceled or the socket errors.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.conn.Close() //nolint:errcheck
	}()

	buf := make([]byte, 65507)
	for {
		n, peer, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return err
		}

		opcode, err := tftp.DecodeOpcode(buf[:n])
		if err != nil {
			continue
		}
		if opcode != tftp.OpRRQ && opcode != tftp.OpWRQ {
			continue
		}

		req, err := tftp.DecodeRequest(opcode, buf[2:n])
		if err != nil {
			l.log.V(1).Info("tftp: malformed request", "peer", peer, "err", err)
			continue
		}

		if opcode == tftp.OpWRQ {
			l.rejectWrite(peer)
			continue
		}

		go l.handleRRQ(ctx, req, peer)
	}
}

func (l *Listener) rejectWrite(peer *net.UDPAddr) {
	pkt := tftp.EncodeError(tftp.ErrAccessViolation, "read-only server")
	if _, err := l.conn.WriteToUDP(pkt, peer); err != nil {
		l.log.Error(err, "tftp: writing WRQ rejection", "peer", peer)
	}
}

// handleRRQ resolves and opens the requested file, negotiates options, and
// drives the transfer to completion (spec.md §4.5 steps 1-7).
func (l *Listener) handleRRQ(ctx context.Context, req *tftp.Request, peer *net.UDPAddr) {
	log := l.log.WithValues("peer", peer, "file", req.Filename)

	if req.Mode != tftp.ModeOctet && req.Mode != "" {
		l.replyError(peer, tftp.ErrIllegalOperation, "only octet mode is supported")
		return
	}

	full, fi, err := statRegular(l.rootDir, req.Filename)
	switch {
	case errors.Is(err, ErrPathEscapesRoot):
		log.V(1).Info("tftp: rejected path traversal attempt")
		l.replyError(peer, tftp.ErrAccessViolation, "access violation")
		return
	case errors.Is(err, os.ErrNotExist), errors.Is(err, ErrNotRegularFile):
		l.replyError(peer, tftp.ErrFileNotFound, "file not found")
		return
	case err != nil:
		log.Error(err, "tftp: stat failed")
		l.replyError(peer, tftp.ErrNotDefined, "internal error")
		return
	}

	f, err := os.Open(full)
	if err != nil {
		log.Error(err, "tftp: open failed")
		l.replyError(peer, tftp.ErrNotDefined, "internal error")
		return
	}

	opts := negotiate(req.Options, fi.Size())
	t, err := newTransfer(l.conn.LocalAddr().(*net.UDPAddr).IP, peer, f, fi.Size(), opts, log, req.Filename)
	if err != nil {
		f.Close() //nolint:errcheck
		log.Error(err, "tftp: binding ephemeral socket failed")
		l.replyError(peer, tftp.ErrNotDefined, "internal error")
		return
	}

	log.V(1).Info("tftp: starting transfer", "size", fi.Size(), "blksize", opts.blksize, "windowsize", opts.windowSize)
	t.run(ctx)
}

// replyError sends a standalone ERROR from the main listening socket, for
// failures that occur before a per-transfer socket exists.
func (l *Listener) replyError(peer *net.UDPAddr, code uint16, msg string) {
	pkt := tftp.EncodeError(code, msg)
	if _, err := l.conn.WriteToUDP(pkt, peer); err != nil {
		l.log.Error(err, "tftp: writing error reply", "peer", peer)
	}
}
