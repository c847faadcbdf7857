//go:build linux
// +build linux

package knxnet

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenPacketReusable opens a UDP socket with SO_REUSEPORT set, so more
// than one process on the same host (e.g. a router alongside a separate
// discovery tool) can bind the KNXnet/IP routing multicast port at once,
// the same way a multi-process KNXnet/IP router on Linux typically shares
// it.
func listenPacketReusable(network, address string) (net.PacketConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.ListenPacket(context.Background(), network, address)
}
