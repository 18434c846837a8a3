//go:build !linux && !windows

package network

import "net"

// ReuseAddrListenConfig returns a plain net.ListenConfig on platforms where
// the control API does not need SO_REUSEADDR.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
