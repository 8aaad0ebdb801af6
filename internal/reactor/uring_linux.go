//go:build linux && giouring
// +build linux,giouring

package reactor

import (
	"fmt"
	"math"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"

	"github.com/pierrejoye/go-couchbase/internal/logging"
)

// Uring is a Reactor built on one-shot IORING_OP_POLL_ADD submissions.
// Each subscription is re-armed after its completion is consumed, and a
// generation counter in the user data discards completions raced by
// Update or Unwatch.
type Uring struct {
	ring *giouring.Ring
	subs map[int]*uringSub
	log  *logging.Logger
}

type uringSub struct {
	events Event
	handler Handler
	gen    uint32
	armed  bool
}

const uringEntries = 256

// timeoutData marks the sentinel timeout completion in a Poll batch.
const timeoutData = math.MaxUint64

// NewUring creates an io_uring-backed reactor.
func NewUring() (*Uring, error) {
	ring, err := giouring.CreateRing(uringEntries)
	if err != nil {
		return nil, fmt.Errorf("reactor: create ring: %w", err)
	}
	return &Uring{
		ring: ring,
		subs: make(map[int]*uringSub),
		log:  logging.Default(),
	}, nil
}

func userData(fd int, gen uint32) uint64 {
	return uint64(uint32(fd))<<32 | uint64(gen)
}

func splitUserData(ud uint64) (fd int, gen uint32) {
	return int(uint32(ud >> 32)), uint32(ud)
}

func pollMask(events Event) uint32 {
	var mask uint32
	if events.Readable() {
		mask |= unix.POLLIN
	}
	if events.Writable() {
		mask |= unix.POLLOUT
	}
	return mask
}

func (u *Uring) Watch(fd int, events Event, h Handler) error {
	u.subs[fd] = &uringSub{events: events, handler: h}
	return nil
}

func (u *Uring) Update(fd int, events Event, h Handler) error {
	sub, ok := u.subs[fd]
	if !ok {
		return ErrNotWatched
	}
	// Bump the generation so an already-armed poll with the old mask is
	// ignored when it completes.
	sub.gen++
	sub.armed = false
	sub.events = events
	sub.handler = h
	return nil
}

func (u *Uring) Unwatch(fd int) error {
	if _, ok := u.subs[fd]; !ok {
		return ErrNotWatched
	}
	delete(u.subs, fd)
	return nil
}

// arm submits one-shot polls for every subscription that has none in
// flight.
func (u *Uring) arm() error {
	for fd, sub := range u.subs {
		if sub.armed || sub.events == 0 {
			continue
		}
		entry := u.ring.GetSQE()
		if entry == nil {
			return fmt.Errorf("reactor: submission queue full")
		}
		entry.PreparePollAdd(fd, pollMask(sub.events))
		entry.UserData = userData(fd, sub.gen)
		sub.armed = true
	}
	return nil
}

func (u *Uring) Poll(timeoutMillis int) (int, error) {
	if err := u.arm(); err != nil {
		return 0, err
	}
	if timeoutMillis >= 0 {
		entry := u.ring.GetSQE()
		if entry == nil {
			return 0, fmt.Errorf("reactor: submission queue full")
		}
		ts := unix.NsecToTimespec(int64(timeoutMillis) * 1e6)
		entry.PrepareTimeout(&ts, 1, 0)
		entry.UserData = timeoutData
	}
	if _, err := u.ring.SubmitAndWait(1); err != nil {
		return 0, err
	}

	var cqes [uringEntries]*giouring.CompletionQueueEvent
	n := u.ring.PeekBatchCQE(cqes[:])
	dispatched := 0
	for i := uint32(0); i < n; i++ {
		cqe := cqes[i]
		if cqe.UserData == timeoutData {
			continue
		}
		fd, gen := splitUserData(cqe.UserData)
		sub, ok := u.subs[fd]
		if !ok || sub.gen != gen {
			continue
		}
		sub.armed = false
		if cqe.Res < 0 {
			// Poll failure behaves like an error condition on the fd.
			sub.handler(fd, sub.events)
			dispatched++
			continue
		}
		var fired Event
		revents := uint32(cqe.Res)
		if revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			fired |= Read
		}
		if revents&(unix.POLLOUT|unix.POLLHUP|unix.POLLERR) != 0 {
			fired |= Write
		}
		fired &= sub.events
		if fired == 0 && revents&(unix.POLLHUP|unix.POLLERR) != 0 {
			fired = sub.events
		}
		if fired != 0 {
			sub.handler(fd, fired)
			dispatched++
		}
	}
	u.ring.CQAdvance(n)
	return dispatched, nil
}

func (u *Uring) Watched() int { return len(u.subs) }

func (u *Uring) Close() error {
	u.ring.QueueExit()
	u.subs = nil
	return nil
}
