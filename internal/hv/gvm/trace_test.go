//go:build linux

package gvm

import (
	"bytes"
	"testing"

	"github.com/tinyrange/gvm/internal/debug"
	"golang.org/x/sys/unix"
)

func TestIoctlTrace(t *testing.T) {
	mem, err := debug.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}

	k := newFakeKernel()
	s := newTestSession(t, k, Options{})
	k.fail[gvmCreateVcpu] = unix.EAGAIN
	if _, err := s.InitVCPU(0, VCPUConfig{}); err == nil {
		t.Fatal("InitVCPU succeeded with CREATE_VCPU failing")
	}
	if err := debug.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := debug.NewReader(bytes.NewReader(mem.Bytes()))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	results := make(map[string]uint32)
	err = r.Each(debug.Filter{Kinds: []debug.Kind{debug.KindIoctl}}, func(e debug.Entry) error {
		rec, err := debug.DecodeIoctl(e.Data)
		if err != nil {
			return err
		}
		results[rec.Name] = rec.Errno
		return nil
	})
	if err != nil {
		t.Fatalf("Each: %v", err)
	}

	if errno, ok := results["CREATE_VM"]; !ok || errno != 0 {
		t.Errorf("CREATE_VM traced=%v errno=%d", ok, errno)
	}
	if errno := results["CREATE_VCPU"]; errno != uint32(unix.EAGAIN) {
		t.Errorf("CREATE_VCPU errno = %d, want EAGAIN", errno)
	}
}
