//go:build linux

package netloop

import (
	"golang.org/x/sys/unix"
)

// Poll interest bits, mapped 1:1 onto the epoll flags we use.
const (
	pollIn  = uint32(unix.EPOLLIN)
	pollOut = uint32(unix.EPOLLOUT)
)

// initialFDs is the initial size of the fd-indexed owner table.
const initialFDs = 4096

// maxReadyPolls is the readiness batch size per epoll_wait call.
const maxReadyPolls = 512

// pollHandle is the minimal pollable unit: an OS descriptor, its current
// interest set, and a tag identifying the owning object kind.
type pollHandle struct {
	fd     int
	events uint32
	kind   pollKind
}

// pollOwner is the tagged union dispatched on readiness. Exactly one pointer
// matching kind is non-nil.
type pollOwner struct {
	kind   pollKind
	cb     *callbackPoll
	listen *ListenSocket
	conn   *ConnectingSocket
	sock   *Socket
	udp    *UDPSocket
}

// pollSlot is one entry of the fd-indexed owner table. The generation counter
// invalidates readiness events captured for a previous registration of the
// same descriptor number within the same iteration.
type pollSlot struct {
	owner  pollOwner
	gen    uint64
	active bool
}

// poller manages epoll registration with direct fd indexing.
//
// Not safe for concurrent use: only the loop goroutine may touch it. The
// cross-thread wakeup path writes to an eventfd instead of registering
// anything.
type poller struct {
	epfd      int
	slots     []pollSlot
	gen       uint64
	eventBuf  [maxReadyPolls]unix.EpollEvent
	readyGens [maxReadyPolls]uint64
}

func (p *poller) init() error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = epfd
	p.slots = make([]pollSlot, initialFDs)
	return nil
}

func (p *poller) close() error {
	return unix.Close(p.epfd)
}

func (p *poller) slot(fd int) *pollSlot {
	if fd >= len(p.slots) {
		grown := make([]pollSlot, fd*2+1)
		copy(grown, p.slots)
		p.slots = grown
	}
	return &p.slots[fd]
}

// register adds fd with the given interest set and owner.
func (p *poller) register(fd int, events uint32, owner pollOwner) error {
	s := p.slot(fd)
	p.gen++
	*s = pollSlot{owner: owner, gen: p.gen, active: true}

	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		*s = pollSlot{}
		return err
	}
	return nil
}

// modify updates the interest set for a registered fd.
func (p *poller) modify(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// rebind swaps the owner of an already-registered fd and updates its
// interest set. Used when a connecting semi-socket is promoted to an open
// socket. The generation bump drops any readiness already captured for the
// old owner this iteration.
func (p *poller) rebind(fd int, events uint32, owner pollOwner) error {
	s := p.slot(fd)
	p.gen++
	*s = pollSlot{owner: owner, gen: p.gen, active: true}
	return p.modify(fd, events)
}

// unregister removes fd from the poller. The caller still owns the descriptor.
func (p *poller) unregister(fd int) error {
	if fd < len(p.slots) {
		p.slots[fd] = pollSlot{}
	}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// wait blocks for readiness up to timeoutMs (-1 blocks indefinitely) and
// snapshots the generation of every ready slot before any dispatch runs.
// Returns the number of ready polls.
func (p *poller) wait(timeoutMs int) (int, error) {
	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)
		if fd >= 0 && fd < len(p.slots) && p.slots[fd].active {
			p.readyGens[i] = p.slots[fd].gen
		} else {
			p.readyGens[i] = 0
		}
	}
	return n, nil
}

// ready returns the owner for ready poll i, or false if the registration
// changed (closed, or closed and rebound) since wait captured it.
func (p *poller) ready(i int) (pollOwner, uint32, bool) {
	fd := int(p.eventBuf[i].Fd)
	if fd < 0 || fd >= len(p.slots) {
		return pollOwner{}, 0, false
	}
	s := &p.slots[fd]
	if !s.active || s.gen != p.readyGens[i] || p.readyGens[i] == 0 {
		return pollOwner{}, 0, false
	}
	return s.owner, p.eventBuf[i].Events, true
}
