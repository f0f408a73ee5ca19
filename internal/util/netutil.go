// Package util provides the listener handoff helpers shared by the
// worker supervisor and the worker startup path.
package util

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	// EnvListenFD names the descriptor number a worker should adopt as
	// its listener.
	EnvListenFD = "STATICSERVE_LISTEN_FD"
	// EnvWorkerID marks a process as a worker and carries its slot
	// number.
	EnvWorkerID = "STATICSERVE_WORKER"
)

// SetCloexec sets or clears FD_CLOEXEC on fd.
func SetCloexec(fd uintptr, on bool) error {
	flags, err := unix.FcntlInt(fd, unix.F_GETFD, 0)
	if err != nil {
		return fmt.Errorf("fcntl F_GETFD fd %d: %w", fd, err)
	}
	if on {
		flags |= unix.FD_CLOEXEC
	} else {
		flags &^= unix.FD_CLOEXEC
	}
	if _, err := unix.FcntlInt(fd, unix.F_SETFD, flags); err != nil {
		return fmt.Errorf("fcntl F_SETFD fd %d: %w", fd, err)
	}
	return nil
}

// CloexecSet reports whether FD_CLOEXEC is set on fd.
func CloexecSet(fd uintptr) (bool, error) {
	flags, err := unix.FcntlInt(fd, unix.F_GETFD, 0)
	if err != nil {
		return false, fmt.Errorf("fcntl F_GETFD fd %d: %w", fd, err)
	}
	return flags&unix.FD_CLOEXEC != 0, nil
}

// ListenerFile duplicates ln's descriptor for handoff to workers. The
// duplicate has FD_CLOEXEC cleared and outlives ln; the caller owns it
// and closes it when no more workers will be spawned.
func ListenerFile(ln net.Listener) (*os.File, error) {
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		return nil, fmt.Errorf("cannot hand off a %T, need *net.TCPListener", ln)
	}
	f, err := tcpLn.File()
	if err != nil {
		return nil, fmt.Errorf("duplicating listener fd: %w", err)
	}
	if err := SetCloexec(f.Fd(), false); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// InheritedListener adopts the listener descriptor named by EnvListenFD.
// Workers call this instead of binding.
func InheritedListener() (net.Listener, error) {
	v := os.Getenv(EnvListenFD)
	if v == "" {
		return nil, fmt.Errorf("%s is not set", EnvListenFD)
	}
	fd, err := strconv.Atoi(v)
	if err != nil || fd < 0 {
		return nil, fmt.Errorf("bad %s value %q", EnvListenFD, v)
	}
	f := os.NewFile(uintptr(fd), "inherited-listener")
	defer f.Close()
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("adopting listener fd %d: %w", fd, err)
	}
	return ln, nil
}

// IsWorker reports whether this process was spawned as a worker.
func IsWorker() bool {
	return os.Getenv(EnvWorkerID) != ""
}

// WorkerID returns the worker slot number, or 0 when unset or mangled.
func WorkerID() int {
	id, err := strconv.Atoi(os.Getenv(EnvWorkerID))
	if err != nil || id < 0 {
		return 0
	}
	return id
}

// WorkerEnv returns a copy of base with the handoff variables set. fd is
// the descriptor number the listener occupies in the child process.
func WorkerEnv(base []string, fd uintptr, id int) []string {
	env := make([]string, 0, len(base)+2)
	for _, kv := range base {
		if strings.HasPrefix(kv, EnvListenFD+"=") || strings.HasPrefix(kv, EnvWorkerID+"=") {
			continue
		}
		env = append(env, kv)
	}
	return append(env,
		fmt.Sprintf("%s=%d", EnvListenFD, fd),
		fmt.Sprintf("%s=%d", EnvWorkerID, id))
}

// IsAddrInUse reports whether err is an EADDRINUSE bind failure.
func IsAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
