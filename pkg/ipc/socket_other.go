//go:build !unix

package ipc

import "syscall"

func controlReuseAddr(network, address string, c syscall.RawConn) error {
	return nil
}
