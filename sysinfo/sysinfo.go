// Package sysinfo supplies the platform-backed hooks the CMP service
// handler needs for memfree, buffer-free, uptime, ps, clock, and reboot
// (§4.11), reading /proc the way namespaces.WatchForNetworkNamespaces reads
// it, and grounded on original_source/src/csp_service_handler.c's calls out
// to platform-supplied csp_sys_* functions.
package sysinfo

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	"unsafe"
)

// ErrCantReadProc is returned when /proc is unreadable, mirroring
// namespaces.ErrCantReadProc.
var ErrCantReadProc = errors.New("can't read /proc")

// MemFree reads available memory in bytes from /proc/meminfo's MemAvailable
// line, falling back to MemFree if MemAvailable is absent.
func MemFree(procfs string) (uint32, error) {
	f, err := os.Open(procfs + "/meminfo")
	if err != nil {
		return 0, ErrCantReadProc
	}
	defer f.Close()

	var memFreeKB, memAvailKB uint64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		switch strings.TrimSuffix(fields[0], ":") {
		case "MemFree":
			memFreeKB, _ = strconv.ParseUint(fields[1], 10, 64)
		case "MemAvailable":
			memAvailKB, _ = strconv.ParseUint(fields[1], 10, 64)
		}
	}
	if memAvailKB > 0 {
		return uint32(memAvailKB * 1024), nil
	}
	return uint32(memFreeKB * 1024), nil
}

// Uptime reads system uptime in whole seconds from /proc/uptime.
func Uptime(procfs string) (uint32, error) {
	f, err := os.Open(procfs + "/uptime")
	if err != nil {
		return 0, ErrCantReadProc
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return 0, ErrCantReadProc
	}
	fields := strings.Fields(sc.Text())
	if len(fields) < 1 {
		return 0, ErrCantReadProc
	}
	secs, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, ErrCantReadProc
	}
	return uint32(secs), nil
}

// TaskList returns a newline-separated, null-terminated summary of running
// processes, in the spirit of the reference implementation's RTOS task-list
// dump (§4.11 ps).
func TaskList(procfs string) (string, error) {
	d, err := os.Open(procfs)
	if err != nil {
		return "", ErrCantReadProc
	}
	defer d.Close()
	names, err := d.Readdirnames(0)
	if err != nil {
		return "", ErrCantReadProc
	}

	var b strings.Builder
	for _, name := range names {
		pid, err := strconv.Atoi(name)
		if err != nil {
			continue
		}
		comm, err := os.ReadFile(fmt.Sprintf("%s/%d/comm", procfs, pid))
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "%5d %s", pid, comm)
	}
	b.WriteByte(0)
	return b.String(), nil
}

// Clock holds a (seconds, nanoseconds) timestamp, matching the wire pair
// the CMP clock service gets and sets (§4.11).
type Clock struct {
	Sec  uint32
	Nsec uint32
}

// Now returns the current wall-clock time as a Clock.
func Now() Clock {
	t := time.Now()
	return Clock{Sec: uint32(t.Unix()), Nsec: uint32(t.Nanosecond())}
}

// RebootHook is the signature of the hooks invoked when the CMP reboot or
// shutdown magic word is received (supplemented feature, §9). Such a hook is
// never called for any other payload (§4.11).
type RebootHook func()

// RawPeek and RawPoke implement the §4.11 peek/poke services against this
// process's own address space via unsafe.Pointer. §4.11 is explicit that
// this operation is "privileged; not shielded" — there is no bounds
// checking beyond what the caller already enforced (the 200-byte length
// cap); a bad address will fault the process exactly as it would on the
// embedded target this protocol was designed for. Not wired by default;
// cmd/snpd only installs these when explicitly enabled.
func RawPeek(addr uint32, length int) ([]byte, bool) {
	out := make([]byte, length)
	src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), length)
	copy(out, src)
	return out, true
}

func RawPoke(addr uint32, data []byte) bool {
	dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), len(data))
	copy(dst, data)
	return true
}
