// Package iface enumerates IPv4-bearing network interfaces and binds
// device-scoped UDP sockets, so that broadcasts egress the correct
// interface and siaddr/server-id reflect it on multi-homed hosts
// (spec.md §4.6). The raw-socket-then-FilePacketConn construction is
// adapted from the corpus's own SO_BINDTODEVICE dance, built here on
// golang.org/x/sys/unix instead of the standard syscall package.
package iface

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Bound is one usable listening interface.
type Bound struct {
	Name string
	IPv4 net.IP
}

// Enumerate lists IPv4-bearing interfaces. If only is non-empty it
// restricts the result to those names; otherwise every non-loopback
// interface with a configured IPv4 is returned (spec.md §4.6).
func Enumerate(only []string) ([]Bound, error) {
	wanted := map[string]bool{}
	for _, n := range only {
		wanted[n] = true
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("iface: listing interfaces: %w", err)
	}

	var out []Bound
	for _, ifi := range ifaces {
		if len(wanted) > 0 && !wanted[ifi.Name] {
			continue
		}
		if len(wanted) == 0 && ifi.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		ip := firstIPv4(addrs)
		if ip == nil {
			continue
		}

		out = append(out, Bound{Name: ifi.Name, IPv4: ip})
	}

	if len(wanted) > 0 && len(out) != len(wanted) {
		return out, fmt.Errorf("iface: not every configured interface had a usable IPv4 address")
	}

	return out, nil
}

func firstIPv4(addrs []net.Addr) net.IP {
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if v4 := ipn.IP.To4(); v4 != nil {
			return v4
		}
	}

	return nil
}

// ErrAddressInUse is returned when a UDP port this system needs exclusively
// (67, 68, 69) is already bound by something else (spec.md §4.6).
type ErrAddressInUse struct {
	Iface string
	Port  int
	Err   error
}

func (e *ErrAddressInUse) Error() string {
	return fmt.Sprintf("iface: %s:%d already in use: %v", e.Iface, e.Port, e.Err)
}

func (e *ErrAddressInUse) Unwrap() error { return e.Err }

// BindUDP opens a UDP socket bound to port on every interface, but pinned
// to ifaceName via SO_BINDTODEVICE so replies egress that device and
// broadcasts received on it are distinguishable from those arriving on a
// sibling interface.
func BindUDP(ifaceName string, port int) (*net.UDPConn, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return nil, fmt.Errorf("iface: socket: %w", err)
	}
	// closeFD tracks whether fd ownership has passed to os.NewFile/FilePacketConn.
	closeFD := true
	defer func() {
		if closeFD {
			unix.Close(fd) //nolint:errcheck
		}
	}()

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return nil, fmt.Errorf("iface: SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
		return nil, fmt.Errorf("iface: SO_BROADCAST: %w", err)
	}
	if err := unix.BindToDevice(fd, ifaceName); err != nil {
		return nil, fmt.Errorf("iface: SO_BINDTODEVICE %s: %w", ifaceName, err)
	}

	addr := unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, &addr); err != nil {
		return nil, &ErrAddressInUse{Iface: ifaceName, Port: port, Err: err}
	}

	file := os.NewFile(uintptr(fd), fmt.Sprintf("%s:%d", ifaceName, port))
	conn, err := net.FilePacketConn(file)
	file.Close() //nolint:errcheck // FilePacketConn dup()s the fd; closing file doesn't close fd's dup
	if err != nil {
		return nil, fmt.Errorf("iface: FilePacketConn: %w", err)
	}
	closeFD = false

	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("iface: expected *net.UDPConn, got %T", conn)
	}

	return udpConn, nil
}
