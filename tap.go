package couchbase

import (
	"encoding/binary"

	"github.com/pierrejoye/go-couchbase/internal/memdproto"
)

// TAP connect flag bits.
const (
	tapConnectBackfill    = 0x01
	tapConnectDump        = 0x02
	tapConnectKeysOnly    = 0x20
)

// TapFilter narrows a TAP stream. The zero value streams every future
// mutation.
type TapFilter struct {
	// Backfill, when nonzero, asks the server to replay history from
	// the given timestamp (0x00000000ffffffff means "everything").
	Backfill uint64

	// Dump requests existing items only; the stream ends after the
	// backfill.
	Dump bool

	// KeysOnly suppresses values in mutation events.
	KeysOnly bool

	// Name identifies the stream so a reconnecting client can resume.
	Name string
}

// TapCluster opens a TAP stream from every server. Events arrive
// through the Tap* callbacks; with block set the call polls the reactor
// until the streams close or fail.
func (i *Instance) TapCluster(filter TapFilter, block bool) error {
	if err := i.usable("tap"); err != nil {
		return err
	}
	var flags uint32
	var value []byte
	if filter.Backfill != 0 {
		flags |= tapConnectBackfill
		value = make([]byte, 8)
		binary.BigEndian.PutUint64(value, filter.Backfill)
	}
	if filter.Dump {
		flags |= tapConnectDump
	}
	if filter.KeysOnly {
		flags |= tapConnectKeysOnly
	}
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, flags)

	for _, srv := range i.servers {
		if srv.state == StateFailed {
			continue
		}
		req := memdproto.Request{
			Opcode: memdproto.CmdTapConnect,
			Opaque: i.nextSeqno(),
			Extras: extras,
			Key:    []byte(filter.Name),
			Value:  value,
		}
		// The stream never answers the connect by opaque, so it stays
		// out of the command log.
		srv.enqueueUnlogged(&req)
		srv.sendPackets()
	}
	if block {
		return i.drainTap()
	}
	return nil
}

// drainTap runs the reactor until every streaming connection is gone.
// A TAP stream has no terminal response; it ends when the servers close
// or the caller tears the instance down from a callback.
func (i *Instance) drainTap() error {
	for {
		alive := false
		for _, srv := range i.servers {
			if srv.state != StateFailed {
				alive = true
				break
			}
		}
		if !alive || i.reactor.Watched() == 0 {
			return nil
		}
		if _, err := i.reactor.Poll(-1); err != nil {
			return newError("tap", ErrCodeReactor, err.Error())
		}
	}
}

// tapEngineLen reads the engine-private length from a TAP extras
// block; every TAP event starts with it.
func tapEngineLen(extras []byte) int {
	if len(extras) < 2 {
		return 0
	}
	return int(binary.BigEndian.Uint16(extras[:2]))
}

// dispatchTap handles a server-originated frame. Only the TAP stream
// sends these; anything else is a protocol violation.
func (i *Instance) dispatchTap(s *Server, req memdproto.Packet) {
	switch req.Opcode {
	case memdproto.CmdTapMutation:
		// Extras: engine len u16, tap flags u16, ttl u8, reserved u8[3],
		// then item flags u32 and expiration u32.
		var itemFlags, expiration uint32
		if len(req.Extras) >= 16 {
			itemFlags = binary.BigEndian.Uint32(req.Extras[8:12])
			expiration = binary.BigEndian.Uint32(req.Extras[12:16])
		}
		value := req.Value
		if skip := tapEngineLen(req.Extras); skip <= len(value) {
			value = value[skip:]
		}
		if i.callbacks.TapMutation != nil {
			i.callbacks.TapMutation(i, req.Key, value, itemFlags, expiration)
		}

	case memdproto.CmdTapDelete:
		if i.callbacks.TapDeletion != nil {
			i.callbacks.TapDeletion(i, req.Key)
		}

	case memdproto.CmdTapFlush:
		if i.callbacks.TapFlush != nil {
			i.callbacks.TapFlush(i)
		}

	case memdproto.CmdTapOpaque:
		if i.callbacks.TapOpaque != nil {
			i.callbacks.TapOpaque(i, req.Value)
		}

	case memdproto.CmdTapVBucketSet:
		var state uint32
		if skip := tapEngineLen(req.Extras); len(req.Value) >= skip+4 {
			state = binary.BigEndian.Uint32(req.Value[skip : skip+4])
		}
		if i.callbacks.TapVBucketSet != nil {
			i.callbacks.TapVBucketSet(i, req.VBucket, state)
		}

	default:
		s.failProtocol(errUnexpectedServerOpcode(req.Opcode))
	}
}

func errUnexpectedServerOpcode(opcode uint8) error {
	return newError("tap", ErrCodeProtocol,
		"unexpected server-originated opcode "+opcodeHex(opcode))
}

func opcodeHex(op uint8) string {
	const digits = "0123456789abcdef"
	return "0x" + string([]byte{digits[op>>4], digits[op&0x0f]})
}
