package dhcpproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/tinkerbell/preboot-oxide/internal/config"
	"github.com/tinkerbell/preboot-oxide/internal/oteldhcp"
	"github.com/tinkerbell/preboot-oxide/internal/session"
	wire "github.com/tinkerbell/preboot-oxide/internal/wire/dhcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName names this package's tracer, following the teacher's
// import-path-shaped convention.
const tracerName = "github.com/tinkerbell/preboot-oxide/dhcpproxy"

// Listener binds the client-facing socket (port 68) and the
// authoritative-server-facing socket (port 67) on one interface and runs
// every inbound frame through Reduce, sending whatever it produces. All
// sockets and the session table live here; Reduce itself stays pure
// (spec.md §9).
type Listener struct {
	Iface     string
	IfaceIPv4 net.IP

	ClientConn        *net.UDPConn // bound to :68, sees replies broadcast to clients (the authoritative OFFER/ACK); used to send to clients
	AuthoritativeConn *net.UDPConn // bound to :67, sees client DISCOVER/REQUEST broadcasts

	Table    *session.Table
	Resolver func() *config.Resolver
	Log      logr.Logger
}

// Serve reads from both sockets until ctx is canceled.
func (l *Listener) Serve(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- l.readLoop(ctx, l.ClientConn) }()
	go func() { errCh <- l.readLoop(ctx, l.AuthoritativeConn) }()

	select {
	case <-ctx.Done():
		l.ClientConn.Close()        //nolint:errcheck
		l.AuthoritativeConn.Close() //nolint:errcheck
		<-errCh
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (l *Listener) readLoop(ctx context.Context, conn *net.UDPConn) error {
	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return err
		}

		frame, err := wire.Decode(buf[:n])
		if err != nil {
			l.Log.V(1).Info("dhcpproxy: dropping malformed frame", "iface", l.Iface, "err", err)
			continue
		}

		l.handle(frame)
	}
}

func (l *Listener) handle(f *wire.Frame) {
	ctx, span := otel.Tracer(tracerName).Start(context.Background(),
		fmt.Sprintf("dhcpproxy: %s", f.MessageType().String()),
		trace.WithAttributes(oteldhcp.Encode(l.Log, f, "request", oteldhcp.AllEncoders()...)...),
	)
	defer span.End()

	in := Inbound{
		Frame:      f,
		IfaceIPv4:  l.IfaceIPv4,
		ResolveReq: l.resolveReq,
		Ctx:        ctx,
	}

	now := time.Now()
	var out []Outbound

	s, err := l.Table.WithPrev(f.Xid, now, func(prev *session.Session) session.Mutator {
		var mutate session.Mutator
		mutate, out = Reduce(prev, in, now)
		if mutate == nil {
			mutate = func(*session.Session) {}
		}

		return mutate
	})
	if err != nil {
		if errors.Is(err, session.ErrAtCapacity) {
			l.Log.V(1).Info("dhcpproxy: dropping frame, session table at capacity", "xid", f.Xid)
			span.SetStatus(codes.Error, err.Error())

			return
		}
		l.Log.Error(err, "dhcpproxy: upsert failed", "xid", f.Xid)
		span.SetStatus(codes.Error, err.Error())

		return
	}

	for _, o := range out {
		l.send(o)
		span.SetAttributes(oteldhcp.Encode(l.Log, o.Frame, "reply", oteldhcp.AllEncoders()...)...)
	}

	span.SetStatus(codes.Ok, "")

	if s.State == session.AckSent || s.State == session.Declined {
		l.Table.Remove(f.Xid)
	}
}

func (l *Listener) resolveReq(s *session.Session) (config.BootConf, error) {
	req := config.Request{}
	if s.ClientMAC != nil {
		req.ClientMacAddress = s.ClientMAC.String()
	}
	req.ClassIdentifier = s.ClientClassID
	req.HardwareType = strconv.Itoa(int(s.ClientHType))
	if s.HasClientArch {
		req.ClientSystemArchitecture = strconv.Itoa(int(s.ClientArch))
	}
	if s.ClientRequestedIP != nil {
		req.RequestedIpAddress = s.ClientRequestedIP.String()
	}
	if s.Authoritative != nil && s.Authoritative.ServerID != nil {
		req.ServerIdentifier = s.Authoritative.ServerID.String()
	}

	return l.Resolver().Resolve(req)
}

func (l *Listener) send(o Outbound) {
	conn := l.AuthoritativeConn
	if o.Dest.Port == 68 {
		conn = l.ClientConn
	}
	if _, err := conn.WriteToUDP(wire.Encode(o.Frame), o.Dest); err != nil {
		l.Log.Error(err, "dhcpproxy: send failed", "dest", o.Dest)
	}
}
