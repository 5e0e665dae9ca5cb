//go:build linux

package control

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/jingkaihe/fsguard/internal/errx"
)

// peerUID reads the connecting process's uid with SO_PEERCRED.
func peerUID(conn net.Conn) (uint32, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, errx.With(ErrPeerCred, ": %T is not a unix socket", conn)
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, errx.Wrap(ErrPeerCred, err)
	}

	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return 0, errx.Wrap(ErrPeerCred, err)
	}
	if credErr != nil {
		return 0, errx.Wrap(ErrPeerCred, credErr)
	}
	return cred.Uid, nil
}
