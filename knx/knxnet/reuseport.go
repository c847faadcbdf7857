//go:build !linux
// +build !linux

package knxnet

import "net"

// listenPacketReusable opens a UDP socket the plain way on platforms where
// SO_REUSEPORT either doesn't exist or isn't needed to let more than one
// process share the routing multicast port.
func listenPacketReusable(network, address string) (net.PacketConn, error) {
	return net.ListenPacket(network, address)
}
