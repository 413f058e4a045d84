//go:build !linux

package tcp

import "net"

// listenTCP binds addr with no platform-specific socket options; SO_REUSEPORT
// is Linux-specific and has no portable equivalent.
func listenTCP(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
