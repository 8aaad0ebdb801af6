package couchbase

// Callbacks is the set of completion handlers for batched operations.
// Any field may be nil, meaning the outcome is ignored. Handlers run on
// the goroutine driving Execute; the key and value slices borrow the
// connection's input buffer and must be copied to outlive the call.
type Callbacks struct {
	// Get fires once per requested key, for hits and misses alike.
	Get func(inst *Instance, status Status, key, value []byte, flags uint32, cas uint64)

	// Storage fires for set/add/replace/append/prepend.
	Storage func(inst *Instance, status Status, op StorageOp, key []byte, cas uint64)

	// Arithmetic fires for increment/decrement; value is the counter
	// after the operation when status is StatusSuccess.
	Arithmetic func(inst *Instance, status Status, key []byte, value uint64, cas uint64)

	// Remove fires for delete operations.
	Remove func(inst *Instance, status Status, key []byte)

	// TAP stream events, delivered while a TapCluster stream is open.
	TapMutation  func(inst *Instance, key, value []byte, flags, expiration uint32)
	TapDeletion  func(inst *Instance, key []byte)
	TapFlush     func(inst *Instance)
	TapOpaque    func(inst *Instance, data []byte)
	TapVBucketSet func(inst *Instance, vbid uint16, state uint32)

	// Error fires for failures not tied to a single operation, such as
	// a server transitioning to Failed.
	Error func(inst *Instance, err error)
}

// PacketFilter inspects every complete outbound frame before it is
// buffered for send. It may return a transformed frame, or keep=false
// to suppress the send entirely. A suppressed data frame still records
// its opaque in the command log so correlation stays intact; suppressed
// authentication frames leave no trace.
type PacketFilter func(inst *Instance, frame []byte) (out []byte, keep bool)

func (i *Instance) cbGet(status Status, key, value []byte, flags uint32, cas uint64) {
	if i.callbacks.Get != nil {
		i.callbacks.Get(i, status, key, value, flags, cas)
	}
}

func (i *Instance) cbStorage(status Status, op StorageOp, key []byte, cas uint64) {
	if i.callbacks.Storage != nil {
		i.callbacks.Storage(i, status, op, key, cas)
	}
}

func (i *Instance) cbArithmetic(status Status, key []byte, value, cas uint64) {
	if i.callbacks.Arithmetic != nil {
		i.callbacks.Arithmetic(i, status, key, value, cas)
	}
}

func (i *Instance) cbRemove(status Status, key []byte) {
	if i.callbacks.Remove != nil {
		i.callbacks.Remove(i, status, key)
	}
}

func (i *Instance) cbError(err error) {
	if i.callbacks.Error != nil {
		i.callbacks.Error(i, err)
	}
}
