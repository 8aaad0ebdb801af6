// Package couchbase is a client for a memcached-binary-protocol
// key/value cluster. Operations are batched onto per-server
// connections, routed by vbucket, and completed through callbacks while
// the caller drives Execute.
package couchbase

import "github.com/pierrejoye/go-couchbase/internal/memdproto"

// Status is the outcome of one operation, delivered through the
// callback surface. Values at or below 0xff mirror the wire status
// codes; higher values are synthesized by the client.
type Status uint16

const (
	StatusSuccess      Status = memdproto.StatusSuccess
	StatusKeyEnoent    Status = memdproto.StatusKeyEnoent
	StatusKeyEexists   Status = memdproto.StatusKeyEexists
	StatusE2Big        Status = memdproto.StatusE2Big
	StatusEinval       Status = memdproto.StatusEinval
	StatusNotStored    Status = memdproto.StatusNotStored
	StatusDeltaBadval  Status = memdproto.StatusDeltaBadval
	StatusAuthError    Status = memdproto.StatusAuthError
	StatusAuthContinue Status = memdproto.StatusAuthContinue

	// Client-side statuses, never seen on the wire.
	StatusNetworkError  Status = 0x1001
	StatusProtocolError Status = 0x1002
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusKeyEnoent:
		return "key not found"
	case StatusKeyEexists:
		return "key exists"
	case StatusE2Big:
		return "value too large"
	case StatusEinval:
		return "invalid arguments"
	case StatusNotStored:
		return "not stored"
	case StatusDeltaBadval:
		return "non-numeric value"
	case StatusAuthError:
		return "authentication error"
	case StatusAuthContinue:
		return "authentication continue"
	case StatusNetworkError:
		return "network error"
	case StatusProtocolError:
		return "protocol error"
	}
	return "unknown status"
}

// StorageOp selects the constraint for a store operation.
type StorageOp uint8

const (
	StorageSet StorageOp = iota
	StorageAdd
	StorageReplace
	StorageAppend
	StoragePrepend
)

func (op StorageOp) String() string {
	switch op {
	case StorageSet:
		return "set"
	case StorageAdd:
		return "add"
	case StorageReplace:
		return "replace"
	case StorageAppend:
		return "append"
	case StoragePrepend:
		return "prepend"
	}
	return "invalid"
}

// opcode returns the wire opcode for the operation, or ok=false for an
// out-of-range value.
func (op StorageOp) opcode() (uint8, bool) {
	switch op {
	case StorageSet:
		return memdproto.CmdSet, true
	case StorageAdd:
		return memdproto.CmdAdd, true
	case StorageReplace:
		return memdproto.CmdReplace, true
	case StorageAppend:
		return memdproto.CmdAppend, true
	case StoragePrepend:
		return memdproto.CmdPrepend, true
	}
	return 0, false
}

// Protocol limits, re-exported for callers that validate before
// enqueueing.
const (
	MaxKeySize   = memdproto.MaxKeyLen
	MaxValueSize = memdproto.MaxValueLen
)
