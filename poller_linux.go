//go:build linux

package ringrt

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// maxPollFDs bounds direct-indexed fd tracking in FastPoller, mirroring this
// tree's epoll poller design.
const maxPollFDs = 65536

// IOEvents is the set of I/O readiness conditions FastPoller reports.
type IOEvents uint32

const (
	EventRead IOEvents = 1 << iota
	EventWrite
	EventError
	EventHangup
)

type pollFDInfo struct {
	waker  Waker
	events IOEvents
	active bool
}

// FastPoller is the reactor's epoll-based fallback path, used only when the
// startup io_uring feature probe fails (see Reactor.probeRequiredOps):
// read/write/accept-style operations degrade to plain readiness
// notification plus userspace syscalls, rather than true batched
// submission, but the reactor's Park/submission-policy plumbing above it is
// unchanged either way. Each registration is consumed exactly once
// (EPOLLONESHOT), mirroring an io_uring SQE's submit-once-per-op token:
// submitOpFallback re-registers per call rather than leaving a persistent
// readiness subscription, so RegisterFD upserts (ADD if the fd is not
// already active, MOD if it is) instead of erroring on a second submit
// against the same fd.
type FastPoller struct { // betteralign:ignore
	_       [64]byte
	epfd    int32
	_       [60]byte
	version atomic.Uint64
	_       [56]byte

	eventBuf [256]unix.EpollEvent
	fds      [maxPollFDs]pollFDInfo
	fdMu     sync.RWMutex
	closed   atomic.Bool
}

func (p *FastPoller) Init() error {
	if p.closed.Load() {
		return errPollerClosed
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = int32(epfd)
	return nil
}

func (p *FastPoller) Close() error {
	p.closed.Store(true)
	if p.epfd > 0 {
		return unix.Close(int(p.epfd))
	}
	return nil
}

// RegisterFD subscribes fd for the given readiness events, waking w exactly
// once when they are observed. A fd already registered is re-armed (MOD)
// rather than rejected, since submitOpFallback calls this once per
// reactor-level op and a busy fd may see several ops in its lifetime.
func (p *FastPoller) RegisterFD(fd int, events IOEvents, w Waker) error {
	if p.closed.Load() {
		return errPollerClosed
	}
	if fd < 0 || fd >= maxPollFDs {
		return errFDOutOfRange
	}

	p.fdMu.Lock()
	wasActive := p.fds[fd].active
	p.fds[fd] = pollFDInfo{waker: w, events: events, active: true}
	p.version.Add(1)
	p.fdMu.Unlock()

	op := unix.EPOLL_CTL_ADD
	if wasActive {
		op = unix.EPOLL_CTL_MOD
	}
	ev := &unix.EpollEvent{Events: ioEventsToEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(int(p.epfd), op, fd, ev); err != nil {
		p.fdMu.Lock()
		p.fds[fd] = pollFDInfo{}
		p.fdMu.Unlock()
		return err
	}
	return nil
}

func (p *FastPoller) UnregisterFD(fd int) error {
	if fd < 0 || fd >= maxPollFDs {
		return errFDOutOfRange
	}
	p.fdMu.Lock()
	if !p.fds[fd].active {
		p.fdMu.Unlock()
		return errFDNotRegistered
	}
	p.fds[fd] = pollFDInfo{}
	p.version.Add(1)
	p.fdMu.Unlock()
	return unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_DEL, fd, nil)
}

// PollIO waits up to timeoutMs for readiness and dispatches the registered
// wakers inline, returning the number of events processed. A version
// counter (bumped on every Register/UnregisterFD) guards against dispatching
// against fd state that changed mid-wait.
func (p *FastPoller) PollIO(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, errPollerClosed
	}
	v := p.version.Load()
	n, err := unix.EpollWait(int(p.epfd), p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	if p.version.Load() != v {
		return 0, nil
	}
	p.dispatchEvents(n)
	return n, nil
}

func (p *FastPoller) dispatchEvents(n int) {
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)
		if fd < 0 || fd >= maxPollFDs {
			continue
		}
		p.fdMu.Lock()
		info := p.fds[fd]
		if info.active {
			p.fds[fd] = pollFDInfo{} // EPOLLONESHOT already dropped the kernel side
		}
		p.fdMu.Unlock()
		if info.active && info.waker != nil {
			info.waker.Wake()
		}
	}
}

func ioEventsToEpoll(events IOEvents) uint32 {
	e := uint32(unix.EPOLLONESHOT)
	if events&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func epollToIOEvents(e uint32) IOEvents {
	var events IOEvents
	if e&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if e&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if e&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if e&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
