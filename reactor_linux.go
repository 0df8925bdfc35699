//go:build linux

package ringrt

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/ringrt/ringrt/internal/cachepad"
	"github.com/ringrt/ringrt/internal/uring"
	"golang.org/x/sys/unix"
)

// unixErrOpcodeUnsupported builds the error wrapped by probeRequiredOps'
// KernelError when the running kernel lacks a required io_uring opcode.
func unixErrOpcodeUnsupported(opName string) error {
	return fmt.Errorf("required opcode %s not supported by this kernel", opName)
}

// inflightOp is the bookkeeping the reactor keeps per in-flight SQE,
// keyed by the 64-bit user_data token handed back from submit*.
type inflightOp struct {
	waker Waker

	// keepAlive pins memory the kernel reads asynchronously for the
	// duration of this op, for the cases where the reactor itself is the
	// "caller" responsible for the buffer-lifetime contract (e.g.
	// SubmitTimeout's Timespec) rather than an external caller who is
	// expected to keep its own buffer alive. nil for ops whose buffer
	// lifetime is the caller's responsibility.
	keepAlive any
}

// sqRing and cqRing hold the mmap'd head/tail pointers and entry arrays
// for the submission and completion queues, following the io_uring ABI:
// head/tail are kernel-shared atomic cursors into a power-of-two-sized
// ring, masked by ringMask.
type sqRing struct {
	mem       []byte
	head      *uint32
	tail      *uint32
	ringMask  uint32
	entries   []uint32 // the SQ "array" indirection layer, indices into sqes
	sqes      []uring.SQEntry
	localTail uint32 // uncommitted tail, published to *tail on submit
}

type cqRing struct {
	mem      []byte
	head     *uint32
	tail     *uint32
	ringMask uint32
	cqes     []uring.CQEntry
}

// Reactor owns one executor's io_uring instance, its cross-thread
// foreign-waker ring, its eventfd, and the TimingWheel. It is not safe for
// concurrent use except for the specific cross-thread entry points
// documented on each method (RegisterForeignWaker, and the eventfd write
// path they trigger).
type Reactor struct { // betteralign:ignore
	_ cachepad.Pad128

	ringFD  int
	sq      sqRing
	cq      cqRing
	usingUring bool

	// epoll fallback, used only when the kernel lacks a required io_uring
	// feature (see feature probe in newReactor); kept as a degraded but
	// functional path rather than failing outright for read/write-style
	// polling. Operations on this path bypass the SQ and are not batched.
	poller *FastPoller

	// wakeFD is the eventfd that foreign wakers write to. It is not
	// registered with the ring or the epoll poller, so a write does not
	// interrupt a Park already in progress; pending foreign wakes are
	// drained on the next loop iteration.
	wakeFD int

	nextToken uint64
	inflight  map[uint64]inflightOp

	// pendingTimeoutToken is the user_data of the IORING_OP_TIMEOUT SQE
	// submitted to bound the most recent parkURing wait, or 0 if none is
	// outstanding. armParkTimeout best-effort cancels it before arming the
	// next one, so a sequence of parks that each return via some other
	// completion doesn't accumulate zombie timeout ops.
	pendingTimeoutToken uint64

	wheel *TimingWheel

	foreign *foreignWakeRing

	policy submissionPolicy
	lat    *latencyWindow

	pendingSince time.Time
	pendingDepth int

	logger   Logger
	execID   uint64
}

// newReactor probes for io_uring support, falling back to a plain epoll
// instance if ring setup or the opcode probe fails. The fallback is
// recorded in Reactor.usingUring and surfaced via Executor logs, never
// hidden; it is not returned as an error.
func newReactor(wheel *TimingWheel, mode SubmitMode, logger Logger, execID uint64) (*Reactor, error) {
	r := &Reactor{
		wheel:    wheel,
		inflight: make(map[uint64]inflightOp),
		foreign:  newForeignWakeRing(),
		lat:      newLatencyWindow(),
		logger:   logger,
		execID:   execID,
	}
	r.policy = newSubmissionPolicy(mode, r.lat)

	if err := r.setupURing(256); err != nil {
		logWarn(logger, execID, "reactor", "io_uring setup failed, falling back to epoll", err, nil)
		p := &FastPoller{}
		if perr := p.Init(); perr != nil {
			return nil, &KernelError{Op: "epoll_create1", Errno: perr}
		}
		r.poller = p
	} else {
		r.usingUring = true
	}

	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, &KernelError{Op: "eventfd", Errno: err}
	}
	r.wakeFD = fd
	return r, nil
}

func (r *Reactor) setupURing(entries uint32) error {
	var params uring.SetupParams
	fd, err := uring.Setup(entries, &params)
	if err != nil {
		return &KernelError{Op: "io_uring_setup", Errno: err}
	}
	r.ringFD = fd

	sqRingSize := int(params.SQOff.Array) + int(params.SQEntries)*4
	sqMem, err := uring.MmapRing(fd, uring.OffSQRing, sqRingSize)
	if err != nil {
		return &KernelError{Op: "mmap(sqring)", Errno: err}
	}
	sqeMem, err := uring.MmapRing(fd, uring.OffSQEs, int(params.SQEntries)*int(unsafe.Sizeof(uring.SQEntry{})))
	if err != nil {
		return &KernelError{Op: "mmap(sqes)", Errno: err}
	}
	cqRingSize := int(params.CQOff.CQEs) + int(params.CQEntries)*int(unsafe.Sizeof(uring.CQEntry{}))
	cqMem, err := uring.MmapRing(fd, uring.OffCQRing, cqRingSize)
	if err != nil {
		return &KernelError{Op: "mmap(cqring)", Errno: err}
	}

	if err := r.probeRequiredOps(fd); err != nil {
		return err
	}

	r.sq.mem = sqMem
	r.sq.head = (*uint32)(unsafe.Pointer(&sqMem[params.SQOff.Head]))
	r.sq.tail = (*uint32)(unsafe.Pointer(&sqMem[params.SQOff.Tail]))
	r.sq.ringMask = *(*uint32)(unsafe.Pointer(&sqMem[params.SQOff.RingMask]))
	arrPtr := unsafe.Pointer(&sqMem[params.SQOff.Array])
	r.sq.entries = unsafe.Slice((*uint32)(arrPtr), params.SQEntries)
	r.sq.sqes = unsafe.Slice((*uring.SQEntry)(unsafe.Pointer(&sqeMem[0])), params.SQEntries)

	r.cq.mem = cqMem
	r.cq.head = (*uint32)(unsafe.Pointer(&cqMem[params.CQOff.Head]))
	r.cq.tail = (*uint32)(unsafe.Pointer(&cqMem[params.CQOff.Tail]))
	r.cq.ringMask = *(*uint32)(unsafe.Pointer(&cqMem[params.CQOff.RingMask]))
	cqesPtr := unsafe.Pointer(&cqMem[params.CQOff.CQEs])
	r.cq.cqes = unsafe.Slice((*uring.CQEntry)(cqesPtr), params.CQEntries)

	return nil
}

// probeRequiredOps issues IORING_REGISTER_PROBE and returns an error naming
// the first missing opcode. newReactor does not fail on that error: it logs
// it and falls back to epoll.
func (r *Reactor) probeRequiredOps(fd int) error {
	supported, err := uring.Probe(fd, uring.RequiredOps)
	if err != nil {
		return &KernelError{Op: "io_uring_register(IORING_REGISTER_PROBE)", Errno: err}
	}
	for _, op := range uring.RequiredOps {
		if !supported[op] {
			return &KernelError{
				Op:    "io_uring feature probe",
				Errno: unixErrOpcodeUnsupported(uring.OpName(op)),
			}
		}
	}
	return nil
}

// reserveSQE returns the next free SQE slot and its user_data token, or
// ok=false if the SQ is full (caller submits eagerly and retries, per
// spec.md's Busy contract).
func (r *Reactor) reserveSQE() (*uring.SQEntry, uint64, bool) {
	head := atomic.LoadUint32(r.sq.head)
	if r.sq.localTail-head >= uint32(len(r.sq.sqes)) {
		return nil, 0, false
	}
	idx := r.sq.localTail & r.sq.ringMask
	r.sq.entries[idx] = idx
	r.nextToken++
	token := r.nextToken
	sqe := &r.sq.sqes[idx]
	*sqe = uring.SQEntry{UserData: token}
	r.sq.localTail++
	if r.pendingDepth == 0 {
		r.pendingSince = time.Now()
	}
	r.pendingDepth++
	return sqe, token, true
}

func (r *Reactor) submitOp(opcode uint8, fd int32, addr uint64, length uint32, off uint64, opFlags uint32, w Waker, keepAlive any) (uint64, error) {
	if !r.usingUring {
		return r.submitOpFallback(opcode, fd, w)
	}
	sqe, token, ok := r.reserveSQE()
	if !ok {
		r.flushSubmissions()
		sqe, token, ok = r.reserveSQE()
		if !ok {
			return 0, &KernelError{Op: "submit", Errno: unix.EBUSY}
		}
	}
	sqe.Opcode = opcode
	sqe.Fd = fd
	sqe.Addr = addr
	sqe.Len = length
	sqe.Off = off
	sqe.OpFlags = opFlags
	r.inflight[token] = inflightOp{waker: w, keepAlive: keepAlive}
	if r.policy.shouldSubmit(r.pendingDepth, time.Since(r.pendingSince)) {
		r.flushSubmissions()
	}
	return token, nil
}

// submitOpFallback services Submit{Read,Write,Accept,Close} through the
// epoll poller when the startup io_uring probe failed: there is no kernel
// completion queue to deliver a result this way, so the fallback delivers
// only readiness - w.Wake() tells the caller to retry its syscall, the
// same pattern this runtime's epoll-based reactor lineage uses throughout
// (see FastPoller in poller_linux.go). Close has no readiness concept, so
// it unregisters and closes the fd immediately, then wakes w synchronously.
func (r *Reactor) submitOpFallback(opcode uint8, fd int32, w Waker) (uint64, error) {
	r.nextToken++
	token := r.nextToken
	switch opcode {
	case uring.OpClose:
		_ = r.poller.UnregisterFD(int(fd))
		_ = unix.Close(int(fd))
		if w != nil {
			w.Wake()
		}
	case uring.OpWrite:
		if err := r.poller.RegisterFD(int(fd), EventWrite, w); err != nil {
			return 0, &KernelError{Op: "epoll_ctl", Errno: err}
		}
	default: // OpRead, OpAccept: both wait for readability
		if err := r.poller.RegisterFD(int(fd), EventRead, w); err != nil {
			return 0, &KernelError{Op: "epoll_ctl", Errno: err}
		}
	}
	return token, nil
}

func (r *Reactor) SubmitRead(fd int, buf []byte, off uint64, w Waker) (uint64, error) {
	return r.submitOp(uring.OpRead, int32(fd), uint64(uintptr(unsafe.Pointer(&buf[0]))), uint32(len(buf)), off, 0, w, nil)
}

func (r *Reactor) SubmitWrite(fd int, buf []byte, off uint64, w Waker) (uint64, error) {
	return r.submitOp(uring.OpWrite, int32(fd), uint64(uintptr(unsafe.Pointer(&buf[0]))), uint32(len(buf)), off, 0, w, nil)
}

func (r *Reactor) SubmitAccept(fd int, w Waker) (uint64, error) {
	return r.submitOp(uring.OpAccept, int32(fd), 0, 0, 0, 0, w, nil)
}

func (r *Reactor) SubmitClose(fd int, w Waker) (uint64, error) {
	return r.submitOp(uring.OpClose, int32(fd), 0, 0, 0, 0, w, nil)
}

// SubmitTimeout issues an IORING_OP_TIMEOUT SQE that completes (with
// ETIME) after d elapses, without waiting on any other completion - the
// io_uring-native required operation SPEC_FULL.md §6 lists alongside
// submitRead/submitWrite/submitAccept/submitClose. It is also what bounds
// parkURing's own wait (see armParkTimeout): w may be nil when the caller
// only needs the CQE to unblock a kernel wait rather than to be woken.
func (r *Reactor) SubmitTimeout(d time.Duration, w Waker) (uint64, error) {
	if d < 0 {
		d = 0
	}
	ts := &uring.Timespec{Sec: int64(d / time.Second), Nsec: int64(d % time.Second)}
	return r.submitOp(uring.OpTimeout, -1, uint64(uintptr(unsafe.Pointer(ts))), 1, 0, 0, w, ts)
}

// flushSubmissions publishes the local tail to the kernel-visible tail and
// calls io_uring_enter to submit everything queued since the last flush.
// It does nothing in epoll fallback mode, where there is no SQ.
func (r *Reactor) flushSubmissions() {
	if !r.usingUring {
		return
	}
	n := r.sq.localTail - atomic.LoadUint32(r.sq.tail)
	if n == 0 {
		return
	}
	atomic.StoreUint32(r.sq.tail, r.sq.localTail)
	for {
		_, err := uring.Enter(r.ringFD, n, 0, 0)
		if err == unix.EINTR {
			continue // retry without counting as an error, per spec.md
		}
		break
	}
	r.pendingDepth = 0
}

// registerForeignWaker enqueues w onto the cross-thread ring, writing the
// eventfd iff the pending counter was previously zero (notification
// coalescing: many pushes before a drain cost exactly one kernel write).
func (r *Reactor) RegisterForeignWaker(w Waker) {
	firstSinceDrain, overflowed := r.foreign.push(w)
	if overflowed {
		logWarn(r.logger, r.execID, "reactor", "foreign wake ring overflowed, dropping waker", nil, nil)
		r.forceWakeEventFD()
		return
	}
	if firstSinceDrain {
		r.forceWakeEventFD()
	}
}

// ForeignWakeStats reports cross-thread wake-coalescing counters: pushed is
// every RegisterForeignWaker call, coalesced is the subset that found the
// ring already non-empty and so produced no eventfd write, and overflowed
// is pushes dropped because the ring was full (see spec.md §9's "drop and
// guarantee notification" decision).
func (r *Reactor) ForeignWakeStats() (pushed, coalesced, overflowed uint64) {
	return r.foreign.pushed.Load(), r.foreign.coalesced.Load(), r.foreign.overflowed.Load()
}

func (r *Reactor) forceWakeEventFD() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(r.wakeFD, buf[:])
}

func (r *Reactor) drainWakeEventFD() {
	var buf [8]byte
	for {
		_, err := unix.Read(r.wakeFD, buf[:])
		if err != nil {
			return
		}
	}
}

// RegisterTimer forwards to the owned TimingWheel.
func (r *Reactor) RegisterTimer(deadline time.Time, w Waker) TimerID {
	return r.wheel.Insert(deadline, w)
}

func (r *Reactor) CancelTimer(id TimerID) bool { return r.wheel.Remove(id) }

// NextWakeup returns the bound the reactor should use for its next park
// call: the soonest of the wheel's next expiration and a pending foreign
// wake.
func (r *Reactor) NextWakeup(now time.Time, upperBound time.Duration) time.Duration {
	wait := upperBound
	if d, ok := r.wheel.NextExpiration(now); ok && d < wait {
		wait = d
	}
	if r.foreign.pendingCount() > 0 {
		wait = 0
	}
	return wait
}

// Park submits any pending SQEs, blocks in the kernel for up to `until`,
// then drains completions, expired timers and foreign wakers, invoking
// each captured Waker. It never re-enters the scheduler's poll loop
// itself (invariant from spec.md §4.D) - callers are responsible for
// routing woken tasks back onto their queues.
func (r *Reactor) Park(until time.Duration) {
	r.flushSubmissions()

	if r.usingUring {
		r.parkURing(until)
	} else {
		r.parkEpoll(until)
	}

	now := time.Now()
	for _, w := range r.wheel.Tick(now) {
		if w != nil {
			w.Wake()
		}
	}
	r.drainForeign()
}

// parkURing bounds its io_uring_enter wait by until, per spec.md §5 ("park
// always bounds the kernel wait by the soonest of wheel.next_expiration(),
// caller-supplied deadline"): with minComplete=1 and no other SQE in
// flight, a timer-only workload would otherwise block forever, since
// nothing else would ever post a CQE. armParkTimeout submits a
// self-cancelling IORING_OP_TIMEOUT sized to until before the wait.
func (r *Reactor) parkURing(until time.Duration) {
	waitStart := time.Now()
	r.armParkTimeout(until)
	_, err := uring.Enter(r.ringFD, 0, 1, uring.EnterGetEvents)
	if err != nil && err != unix.EINTR && err != unix.ETIME {
		logWarn(r.logger, r.execID, "reactor", "io_uring_enter wait failed", err, nil)
	}
	r.drainCQEs()
	r.lat.record(time.Since(waitStart))
}

// armParkTimeout best-effort cancels any timeout left over from the
// previous park (submitTimeoutRemove) before submitting a fresh one sized
// to until, then flushes both SQEs so they are visible to the upcoming
// io_uring_enter wait. The new timeout's CQE is woken with a nil Waker:
// drainCQEs already treats a nil waker as "nothing to notify", so the
// timeout's only effect is to unblock the wait, exactly as a caller
// deadline should.
func (r *Reactor) armParkTimeout(until time.Duration) {
	if r.pendingTimeoutToken != 0 {
		r.submitTimeoutRemove(r.pendingTimeoutToken)
		r.pendingTimeoutToken = 0
	}
	token, err := r.SubmitTimeout(until, nil)
	if err != nil {
		logWarn(r.logger, r.execID, "reactor", "failed to arm park timeout", err, nil)
		return
	}
	r.pendingTimeoutToken = token
	r.flushSubmissions()
}

// submitTimeoutRemove issues IORING_OP_TIMEOUT_REMOVE targeting the SQE
// whose user_data is target. Best-effort: the targeted timeout may already
// have fired and been reaped by the time this lands, which the kernel
// reports as ENOENT and this reactor silently ignores, same as it ignores
// any other already-completed race on a cancel.
func (r *Reactor) submitTimeoutRemove(target uint64) {
	_, err := r.submitOp(uring.OpTimeoutRemove, -1, target, 0, 0, 0, nil, nil)
	if err != nil {
		logWarn(r.logger, r.execID, "reactor", "failed to submit timeout-remove", err, nil)
	}
}

func (r *Reactor) drainCQEs() {
	head := atomic.LoadUint32(r.cq.head)
	tail := atomic.LoadUint32(r.cq.tail)
	for head != tail {
		idx := head & r.cq.ringMask
		cqe := r.cq.cqes[idx]
		if op, ok := r.inflight[cqe.UserData]; ok {
			delete(r.inflight, cqe.UserData)
			if op.waker != nil {
				op.waker.Wake()
			}
		}
		head++
	}
	atomic.StoreUint32(r.cq.head, head)
}

func (r *Reactor) parkEpoll(until time.Duration) {
	ms := int(until / time.Millisecond)
	if until > 0 && ms == 0 {
		ms = 1
	}
	if until <= 0 {
		ms = 0
	}
	_, _ = r.poller.PollIO(ms)
}

func (r *Reactor) drainForeign() {
	r.drainWakeEventFD()
	for _, w := range r.foreign.drain() {
		if w != nil {
			w.Wake()
		}
	}
}

func (r *Reactor) Close() error {
	if r.poller != nil {
		_ = r.poller.Close()
	}
	if r.ringFD > 0 {
		_ = unix.Close(r.ringFD)
	}
	if r.wakeFD > 0 {
		_ = unix.Close(r.wakeFD)
	}
	return nil
}

// foreignWakeRing is a bounded MPSC ring of Wakers fed by foreign threads
// (cross-executor spawns) and drained only by the owning executor's run
// loop. It tracks whether the ring was empty immediately before a push,
// which is exactly the signal the reactor needs for eventfd-write
// coalescing.
const foreignRingCapacity = 4096

type foreignWakeRing struct {
	mu      sync.Mutex
	buf     []Waker
	pending atomic.Int64

	pushed     atomic.Uint64
	coalesced  atomic.Uint64 // pushes that did NOT need an eventfd write
	overflowed atomic.Uint64
}

func newForeignWakeRing() *foreignWakeRing {
	return &foreignWakeRing{buf: make([]Waker, 0, foreignRingCapacity)}
}

func (r *foreignWakeRing) push(w Waker) (firstSinceDrain, overflowed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wasEmpty := len(r.buf) == 0
	r.pushed.Add(1)
	if len(r.buf) < foreignRingCapacity {
		r.buf = append(r.buf, w)
	} else {
		// Ring overflow: per spec.md, drop and guarantee notification.
		// The dropped waker is intentionally discarded rather than
		// queued into an unbounded overflow slice, since an unbounded
		// fallback would defeat the point of a bounded ring under
		// sustained overload.
		r.overflowed.Add(1)
		r.pending.Add(1)
		return wasEmpty, true
	}
	if !wasEmpty {
		r.coalesced.Add(1)
	}
	r.pending.Add(1)
	return wasEmpty, false
}

func (r *foreignWakeRing) pendingCount() int64 { return r.pending.Load() }

func (r *foreignWakeRing) drain() []Waker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) == 0 {
		return nil
	}
	out := r.buf
	r.buf = make([]Waker, 0, foreignRingCapacity)
	r.pending.Store(0)
	return out
}
