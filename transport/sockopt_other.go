//go:build !unix

package transport

import "syscall"

func listenControl(opt *Options) func(network, address string, c syscall.RawConn) error {
	if opt.ReuseAddr {
		opt.Log.Debugf("udp: reuse_addr is not supported on this platform, ignored")
	}
	return nil
}
