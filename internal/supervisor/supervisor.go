// Package supervisor starts and supervises the per-interface DHCP and TFTP
// listeners plus the session reaper, fanning them out with
// golang.org/x/sync/errgroup the way the corpus uses it to run several
// independent Serve loops and propagate the first failure (spec.md §4.6).
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/tinkerbell/preboot-oxide/internal/config"
	"github.com/tinkerbell/preboot-oxide/internal/dhcpproxy"
	"github.com/tinkerbell/preboot-oxide/internal/iface"
	"github.com/tinkerbell/preboot-oxide/internal/session"
	"github.com/tinkerbell/preboot-oxide/internal/tftpserver"
	"golang.org/x/sync/errgroup"
)

// Options configures the set of listeners to start.
type Options struct {
	Ifaces        []string // restrict to these interface names; empty means every non-loopback IPv4 interface
	TFTPServerDir string   // empty disables the local TFTP server
	MaxSessions   int
	Watcher       *config.Watcher
	Log           logr.Logger
}

// Run binds every configured interface's DHCP (67/68) and, if
// TFTPServerDir is set, TFTP (69) sockets, starts their listeners plus the
// session reaper, and blocks until ctx is canceled or one of them fails. A
// bind failure on any of those ports is fatal to the whole process
// (spec.md §4.6: "these ports are exclusive").
func Run(ctx context.Context, opts Options) error {
	bound, err := iface.Enumerate(opts.Ifaces)
	if err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	if len(bound) == 0 {
		return fmt.Errorf("supervisor: no usable IPv4 interfaces found")
	}

	table := session.NewTable(opts.MaxSessions)

	eg, ctx := errgroup.WithContext(ctx)

	for _, b := range bound {
		b := b
		clientConn, err := iface.BindUDP(b.Name, 68)
		if err != nil {
			return fmt.Errorf("supervisor: %w", err)
		}
		serverConn, err := iface.BindUDP(b.Name, 67)
		if err != nil {
			return fmt.Errorf("supervisor: %w", err)
		}

		l := &dhcpproxy.Listener{
			Iface:             b.Name,
			IfaceIPv4:         b.IPv4,
			ClientConn:        clientConn,
			AuthoritativeConn: serverConn,
			Table:             table,
			Resolver:          opts.Watcher.Resolver,
			Log:               opts.Log.WithValues("iface", b.Name),
		}
		eg.Go(func() error { return l.Serve(ctx) })

		if opts.TFTPServerDir != "" {
			tftpConn, err := iface.BindUDP(b.Name, 69)
			if err != nil {
				return fmt.Errorf("supervisor: %w", err)
			}
			tl := tftpserver.NewListener(tftpConn, opts.TFTPServerDir, opts.Log.WithValues("iface", b.Name))
			eg.Go(func() error { return tl.Serve(ctx) })
		}
	}

	eg.Go(func() error { return reap(ctx, table, opts.Log) })

	return eg.Wait()
}

// reap calls Table.Reap on session.ReapInterval's cadence until ctx is
// canceled (spec.md §4.3, §5: "the reaper observes shutdown between
// ticks").
func reap(ctx context.Context, table *session.Table, log logr.Logger) error {
	ticker := time.NewTicker(session.ReapInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			for _, r := range table.Reap(now) {
				log.V(1).Info("session reaped", "xid", r.Xid, "reason", r.Reason.String(), "age", r.Age)
			}
		}
	}
}
