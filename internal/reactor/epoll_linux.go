//go:build linux
// +build linux

package reactor

import (
	"golang.org/x/sys/unix"

	"github.com/pierrejoye/go-couchbase/internal/logging"
)

// maxEvents bounds one epoll_wait batch. Connections beyond this are
// picked up on the next Poll.
const maxEvents = 64

type subscription struct {
	events  Event
	handler Handler
}

// Epoll is the default Reactor on Linux.
type Epoll struct {
	epfd   int
	subs   map[int]subscription
	log    *logging.Logger
	closed bool
}

// NewEpoll creates an epoll-backed reactor.
func NewEpoll() (*Epoll, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		epfd: epfd,
		subs: make(map[int]subscription),
		log:  logging.Default(),
	}, nil
}

// New returns the platform default reactor.
func New() (Reactor, error) {
	return NewEpoll()
}

func epollMask(events Event) uint32 {
	var mask uint32
	if events.Readable() {
		mask |= unix.EPOLLIN
	}
	if events.Writable() {
		mask |= unix.EPOLLOUT
	}
	return mask
}

func (e *Epoll) Watch(fd int, events Event, h Handler) error {
	ev := unix.EpollEvent{Events: epollMask(events), Fd: int32(fd)}
	if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	e.subs[fd] = subscription{events: events, handler: h}
	return nil
}

func (e *Epoll) Update(fd int, events Event, h Handler) error {
	if _, ok := e.subs[fd]; !ok {
		return ErrNotWatched
	}
	ev := unix.EpollEvent{Events: epollMask(events), Fd: int32(fd)}
	if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return err
	}
	e.subs[fd] = subscription{events: events, handler: h}
	return nil
}

func (e *Epoll) Unwatch(fd int) error {
	if _, ok := e.subs[fd]; !ok {
		return ErrNotWatched
	}
	delete(e.subs, fd)
	return unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (e *Epoll) Poll(timeoutMillis int) (int, error) {
	var events [maxEvents]unix.EpollEvent
	var n int
	var err error
	for {
		n, err = unix.EpollWait(e.epfd, events[:], timeoutMillis)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		sub, ok := e.subs[fd]
		if !ok {
			// Raced with Unwatch from an earlier handler this batch.
			continue
		}
		var fired Event
		if events[i].Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			fired |= Read
		}
		if events[i].Events&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			fired |= Write
		}
		// Error conditions surface through whichever direction the
		// subscriber cares about, so the next read/write observes the
		// failure.
		fired &= sub.events
		if fired == 0 && events[i].Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			fired = sub.events
		}
		if fired != 0 {
			sub.handler(fd, fired)
			dispatched++
		}
	}
	return dispatched, nil
}

func (e *Epoll) Watched() int { return len(e.subs) }

func (e *Epoll) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.subs = nil
	return unix.Close(e.epfd)
}
