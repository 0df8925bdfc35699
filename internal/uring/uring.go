//go:build linux

// Package uring wraps the raw io_uring kernel ABI: the io_uring_setup,
// io_uring_enter and io_uring_register syscalls, plus the mmap'd
// submission/completion ring layouts and SQE/CQE structs. There is no
// existing io_uring binding anywhere in this module's dependency corpus,
// so this package talks to the kernel directly through
// golang.org/x/sys/unix's raw syscall surface, the same surface the rest
// of this tree already uses for epoll and eventfd.
package uring

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Syscall numbers for the io_uring family. These are stable across all
// supported architectures via the x86-64 and arm64 raw numbers exposed by
// golang.org/x/sys/unix's auto-generated zsysnum tables; io_uring has had
// no ABI-breaking syscall-number changes since its introduction.
const (
	sysIOUringSetup    = unix.SYS_IO_URING_SETUP
	sysIOUringEnter    = unix.SYS_IO_URING_ENTER
	sysIOUringRegister = unix.SYS_IO_URING_REGISTER
)

// Setup flags (IORING_SETUP_*).
const (
	SetupCQSize     = 1 << 3 // IORING_SETUP_CQSIZE
	SetupClamp      = 1 << 4 // IORING_SETUP_CLAMP
	SetupSubmitAll  = 1 << 7 // IORING_SETUP_SUBMIT_ALL
	SetupCoopTaskrun = 1 << 8 // IORING_SETUP_COOP_TASKRUN
)

// Enter flags (IORING_ENTER_*).
const (
	EnterGetEvents = 1 << 0
	EnterSQWakeup  = 1 << 1
)

// Register opcodes (IORING_REGISTER_*), only the ones this runtime uses.
const (
	RegisterProbe        = 8
	RegisterEventFD       = 4
	RegisterEventFDAsync = 7
)

// Opcodes (IORING_OP_*) this runtime exercises.
const (
	OpNop         = 0
	OpReadv       = 1
	OpWritev      = 2
	OpRead        = 22
	OpWrite       = 23
	OpAccept      = 13
	OpClose       = 19
	OpTimeout     = 11
	OpTimeoutRemove = 12
	OpAsyncCancel = 14
)

// SQEntry mirrors struct io_uring_sqe. Field order and sizes match the
// kernel ABI exactly; this struct is written directly into the mmap'd SQE
// array, so it must never be reordered.
type SQEntry struct {
	Opcode      uint8
	Flags       uint8
	IoPrio      uint16
	Fd          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	OpFlags     uint32
	UserData    uint64
	BufIndex    uint16
	Personality uint16
	SpliceFDIn  int32
	_pad        [2]uint64
}

// CQEntry mirrors struct io_uring_cqe.
type CQEntry struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// Timespec mirrors struct __kernel_timespec, the wire format an
// IORING_OP_TIMEOUT SQE's Addr field points at. The kernel reads it
// asynchronously for the lifetime of the op, so the caller must pin the
// backing memory (keep a live Go reference to it) until the op's CQE is
// observed - the same buffer-lifetime contract spec.md §6 states for
// read/write payloads, applied here to the reactor's own synthesized
// park-bounding timeout.
type Timespec struct {
	Sec  int64
	Nsec int64
}

// SetupParams mirrors struct io_uring_params.
type SetupParams struct {
	SQEntries    uint32
	CQEntries    uint32
	Flags        uint32
	SQThreadCPU  uint32
	SQThreadIdle uint32
	Features     uint32
	WQFd         uint32
	Resv         [3]uint32
	SQOff        SQRingOffsets
	CQOff        CQRingOffsets
}

// SQRingOffsets mirrors struct io_sqring_offsets.
type SQRingOffsets struct {
	Head, Tail, RingMask, RingEntries, Flags, Dropped, Array, Resv1 uint32
	Resv2                                                           uint64
}

// CQRingOffsets mirrors struct io_cqring_offsets.
type CQRingOffsets struct {
	Head, Tail, RingMask, RingEntries, Overflow, CQEs uint32
	Flags                                             uint32
	Resv1                                             uint32
	Resv2                                             uint64
}

// Feature bits (IORING_FEAT_*) relevant to the reactor's startup probe.
const FeatNoDrop = 1 << 1

// OpName returns a human-readable name for an IORING_OP_* opcode, for the
// reactor's fail-fast probe error message.
func OpName(op uint8) string {
	switch op {
	case OpNop:
		return "IORING_OP_NOP"
	case OpReadv:
		return "IORING_OP_READV"
	case OpWritev:
		return "IORING_OP_WRITEV"
	case OpRead:
		return "IORING_OP_READ"
	case OpWrite:
		return "IORING_OP_WRITE"
	case OpAccept:
		return "IORING_OP_ACCEPT"
	case OpClose:
		return "IORING_OP_CLOSE"
	case OpTimeout:
		return "IORING_OP_TIMEOUT"
	case OpTimeoutRemove:
		return "IORING_OP_TIMEOUT_REMOVE"
	case OpAsyncCancel:
		return "IORING_OP_ASYNC_CANCEL"
	default:
		return "IORING_OP_UNKNOWN"
	}
}

// RequiredOps lists the opcodes the reactor must be able to submit; used by
// the startup feature probe (spec.md §6: "fail fast if required opcodes are
// missing").
var RequiredOps = []uint8{OpRead, OpWrite, OpAccept, OpClose, OpTimeout, OpAsyncCancel}

// Setup issues io_uring_setup, returning the ring fd and populated params.
func Setup(entries uint32, params *SetupParams) (fd int, err error) {
	r1, _, errno := unix.Syscall(uintptr(sysIOUringSetup), uintptr(entries), uintptr(unsafe.Pointer(params)), 0)
	if errno != 0 {
		return -1, errno
	}
	return int(r1), nil
}

// Enter issues io_uring_enter to submit toSubmit SQEs and/or wait for
// minComplete CQEs.
func Enter(fd int, toSubmit, minComplete uint32, flags uint32) (n int, err error) {
	r1, _, errno := unix.Syscall6(uintptr(sysIOUringEnter), uintptr(fd), uintptr(toSubmit), uintptr(minComplete), uintptr(flags), 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(r1), nil
}

// Register issues io_uring_register for the given opcode.
func Register(fd int, opcode uint32, arg unsafe.Pointer, nrArgs uint32) error {
	_, _, errno := unix.Syscall6(uintptr(sysIOUringRegister), uintptr(fd), uintptr(opcode), uintptr(arg), uintptr(nrArgs), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// probeOpSupported is the flag bit set in ProbeOp.Flags (IO_URING_OP_SUPPORTED)
// when the running kernel implements that opcode.
const probeOpSupported = 1 << 0

// maxProbeOps bounds the probe response this runtime requests; IORING_OP_LAST
// has stayed well under this for every kernel this runtime targets.
const maxProbeOps = 64

// probeHeader mirrors struct io_uring_probe's fixed fields (the variable-length
// ops array is handled separately via a fixed-capacity buffer, since cgo-style
// flexible array members don't translate to Go structs).
type probeHeader struct {
	LastOp uint8
	OpsLen uint8
	Resv   uint16
	Resv2  [3]uint32
}

// probeOp mirrors struct io_uring_probe_op.
type probeOp struct {
	Op    uint8
	Resv  uint8
	Flags uint16
	Resv2 uint32
}

// probeBuf lays out probeHeader immediately followed by maxProbeOps probeOp
// entries, matching the kernel's flexible-array-member layout byte-for-byte.
type probeBuf struct {
	probeHeader
	ops [maxProbeOps]probeOp
}

// Probe issues IORING_REGISTER_PROBE and reports, for each opcode in want,
// whether the kernel backing fd implements it. Opcodes beyond what the
// kernel reports (LastOp) are treated as unsupported.
func Probe(fd int, want []uint8) (supported map[uint8]bool, err error) {
	var buf probeBuf
	if err := Register(fd, RegisterProbe, unsafe.Pointer(&buf), maxProbeOps); err != nil {
		return nil, err
	}
	supported = make(map[uint8]bool, len(want))
	for _, op := range want {
		if op > buf.LastOp {
			supported[op] = false
			continue
		}
		for i := 0; i < int(buf.OpsLen) && i < maxProbeOps; i++ {
			if buf.ops[i].Op == op {
				supported[op] = buf.ops[i].Flags&probeOpSupported != 0
				break
			}
		}
	}
	return supported, nil
}

// mmap offsets (IORING_OFF_*) used to map the SQ, CQ and SQE array.
const (
	OffSQRing uint64 = 0
	OffCQRing uint64 = 0x8000000
	OffSQEs   uint64 = 0x10000000
)

// MmapRing maps length bytes at the given io_uring mmap offset.
func MmapRing(fd int, offset uint64, length int) ([]byte, error) {
	return unix.Mmap(fd, int64(offset), length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
}
