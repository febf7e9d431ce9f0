//go:build linux

package gvm

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/tinyrange/gvm/internal/debug"
	"golang.org/x/sys/unix"
)

// Kernel is the system call surface the accelerator needs from the host.
type Kernel interface {
	Open(path string) (int, error)
	Close(fd int) error
	// Ioctl issues cmd with a pointer argument. The referenced memory must
	// stay valid for the duration of the call.
	Ioctl(fd int, cmd uint64, arg unsafe.Pointer) (uintptr, error)
	// IoctlInt issues cmd with an integer argument.
	IoctlInt(fd int, cmd uint64, arg uintptr) (uintptr, error)
	Mmap(fd int, length int) ([]byte, error)
	Munmap(b []byte) error
}

type hostKernel struct{}

// HostKernel returns the Kernel backed by real system calls.
func HostKernel() Kernel { return hostKernel{} }

func (hostKernel) Open(path string) (int, error) {
	return unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
}

func (hostKernel) Close(fd int) error { return unix.Close(fd) }

func (hostKernel) Ioctl(fd int, cmd uint64, arg unsafe.Pointer) (uintptr, error) {
	v1, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(cmd), uintptr(arg))
	if errno != 0 {
		return 0, errno
	}
	return v1, nil
}

func (hostKernel) IoctlInt(fd int, cmd uint64, arg uintptr) (uintptr, error) {
	v1, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(cmd), arg)
	if errno != 0 {
		return 0, errno
	}
	return v1, nil
}

func (hostKernel) Mmap(fd int, length int) ([]byte, error) {
	return unix.Mmap(fd, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func (hostKernel) Munmap(b []byte) error { return unix.Munmap(b) }

// ErrorKind classifies a failed ioctl.
type ErrorKind int

const (
	ErrorKindOther ErrorKind = iota
	// ErrorKindTooBig means the buffer was too small for a variable length
	// reply. The caller grows the buffer and retries.
	ErrorKindTooBig
	// ErrorKindRetry means the call was interrupted and may be reissued.
	ErrorKindRetry
	ErrorKindFault
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindOther:
		return "other"
	case ErrorKindTooBig:
		return "too-big"
	case ErrorKindRetry:
		return "retry"
	case ErrorKindFault:
		return "fault"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// IoctlError is returned by every failed hypervisor call.
type IoctlError struct {
	Cmd   uint64
	Kind  ErrorKind
	Errno unix.Errno
}

func (e *IoctlError) Error() string {
	return fmt.Sprintf("gvm: ioctl %s: %s (%s)", commandName(e.Cmd), e.Errno.Error(), e.Kind)
}

func (e *IoctlError) Unwrap() error { return e.Errno }

func newIoctlError(cmd uint64, err error) error {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return fmt.Errorf("gvm: ioctl %s: %w", commandName(cmd), err)
	}

	kind := ErrorKindOther
	switch errno {
	case unix.E2BIG:
		kind = ErrorKindTooBig
	case unix.EINTR, unix.EAGAIN:
		kind = ErrorKindRetry
	case unix.EFAULT:
		kind = ErrorKindFault
	}
	return &IoctlError{Cmd: cmd, Kind: kind, Errno: errno}
}

func errorKind(err error) (ErrorKind, bool) {
	var ie *IoctlError
	if errors.As(err, &ie) {
		return ie.Kind, true
	}
	return ErrorKindOther, false
}

// IsTooBig reports whether err asks for a larger reply buffer.
func IsTooBig(err error) bool {
	kind, ok := errorKind(err)
	return ok && kind == ErrorKindTooBig
}

// IsRetry reports whether err is a retryable interruption.
func IsRetry(err error) bool {
	kind, ok := errorKind(err)
	return ok && kind == ErrorKindRetry
}

// traceIoctl records every call in the debug trace and classifies failures.
func traceIoctl(fd int, cmd uint64, err error) error {
	if err != nil {
		err = newIoctlError(cmd, err)
	}
	if debug.Enabled() {
		var errno uint32
		var ie *IoctlError
		if errors.As(err, &ie) {
			errno = uint32(ie.Errno)
		} else if err != nil {
			errno = ^uint32(0)
		}
		debug.Ioctl("gvm ioctl", fd, cmd, commandName(cmd), errno)
	}
	return err
}

// ioctl issues cmd on fd with arg as the fixed-layout request and reply.
func ioctl[T any](k Kernel, fd int, cmd uint64, arg *T) (uintptr, error) {
	v, err := k.Ioctl(fd, cmd, unsafe.Pointer(arg))
	if err := traceIoctl(fd, cmd, err); err != nil {
		return 0, err
	}
	return v, nil
}

// ioctlBytes issues cmd with a variable length request buffer.
func ioctlBytes(k Kernel, fd int, cmd uint64, buf []byte) (uintptr, error) {
	v, err := k.Ioctl(fd, cmd, unsafe.Pointer(&buf[0]))
	if err := traceIoctl(fd, cmd, err); err != nil {
		return 0, err
	}
	return v, nil
}

func ioctlInt(k Kernel, fd int, cmd uint64, arg uintptr) (uintptr, error) {
	v, err := k.IoctlInt(fd, cmd, arg)
	if err := traceIoctl(fd, cmd, err); err != nil {
		return 0, err
	}
	return v, nil
}

// ioctlIntRetry reissues cmd while it is interrupted.
func ioctlIntRetry(k Kernel, fd int, cmd uint64, arg uintptr) (uintptr, error) {
	for {
		v, err := ioctlInt(k, fd, cmd, arg)
		if IsRetry(err) {
			continue
		}
		return v, err
	}
}
