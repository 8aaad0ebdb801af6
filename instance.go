package couchbase

import (
	"context"
	"fmt"

	"github.com/pierrejoye/go-couchbase/internal/logging"
	"github.com/pierrejoye/go-couchbase/internal/memdproto"
	"github.com/pierrejoye/go-couchbase/internal/reactor"
	"github.com/pierrejoye/go-couchbase/internal/sasl"
	"github.com/pierrejoye/go-couchbase/internal/vbucket"
)

// Instance owns the server connections, the opaque counter and the
// callback surface. All operations batch frames onto the per-server
// pipelines; Execute drives the reactor until the batch completes.
//
// An Instance belongs to one goroutine. Callbacks fire on the
// goroutine running Execute and may re-enter the batching operations.
type Instance struct {
	host     string
	bucket   string
	username string
	password string

	config  vbucket.ConfigProvider
	servers []*Server

	// seqno is the opaque allocator. It post-increments per frame and
	// wraps at 2^32; the purge compares opaques directly, so requests
	// still in flight on a server while the counter wraps are mis-ordered.
	// At this protocol's rates that is accepted, as is.
	seqno uint32

	callbacks Callbacks
	filter    PacketFilter
	cookie    any
	creds     sasl.Credentials

	reactor    reactor.Reactor
	ownReactor bool

	metrics Metrics
	log     *logging.Logger

	destroyed bool
}

// Create builds an Instance for the bucket on the given cluster
// management host ("host:port"). The connection to the cluster is not
// made until Connect. A nil rc selects the platform default reactor,
// owned and closed by the instance.
func Create(host, username, password, bucket string, rc reactor.Reactor) (*Instance, error) {
	if host == "" {
		host = "localhost:8091"
	}
	inst := &Instance{
		host:     host,
		bucket:   bucket,
		username: username,
		password: password,
		reactor:  rc,
		log:      logging.Default(),
	}
	if inst.reactor == nil {
		r, err := reactor.New()
		if err != nil {
			return nil, newError("create", ErrCodeReactor, err.Error())
		}
		inst.reactor = r
		inst.ownReactor = true
	}
	inst.creds = sasl.Credentials{
		Username: func() string { return inst.config.User() },
		Password: func() string { return inst.config.Password() },
	}
	return inst, nil
}

// CreateWithConfig builds an Instance over an already-obtained cluster
// configuration and starts the server connections immediately.
func CreateWithConfig(cfg vbucket.ConfigProvider, rc reactor.Reactor) (*Instance, error) {
	inst, err := Create("", "", "", "", rc)
	if err != nil {
		return nil, err
	}
	if err := inst.applyConfig(cfg); err != nil {
		inst.Destroy()
		return nil, err
	}
	return inst, nil
}

// Connect fetches the vbucket configuration from the management host
// and opens a connection per server. Resolution failures surface here;
// connect progress and failures surface through callbacks during
// Execute.
func (i *Instance) Connect(ctx context.Context) error {
	cfg, err := vbucket.Fetch(ctx, i.host, i.bucket, i.username, i.password)
	if err != nil {
		return newError("connect", ErrCodeUnknownHost, err.Error())
	}
	return i.applyConfig(cfg)
}

func (i *Instance) applyConfig(cfg vbucket.ConfigProvider) error {
	if cfg.NumServers() == 0 {
		return newError("connect", ErrCodeUnknownHost, "configuration has no servers")
	}
	i.config = cfg
	i.servers = make([]*Server, cfg.NumServers())
	for idx := range i.servers {
		srv, err := newServer(i, idx)
		if err != nil {
			return err
		}
		i.servers[idx] = srv
	}
	return nil
}

// SetCallbacks installs the completion handlers.
func (i *Instance) SetCallbacks(cb Callbacks) { i.callbacks = cb }

// SetPacketFilter installs f as the outbound packet filter; nil removes
// it.
func (i *Instance) SetPacketFilter(f PacketFilter) { i.filter = f }

// SetCookie associates an opaque caller value with the instance.
func (i *Instance) SetCookie(cookie any) { i.cookie = cookie }

// Cookie returns the value set with SetCookie.
func (i *Instance) Cookie() any { return i.cookie }

// SetCredentials overrides the SASL username/password providers. By
// default they read the bucket configuration.
func (i *Instance) SetCredentials(creds sasl.Credentials) { i.creds = creds }

// Metrics exposes the instance counters.
func (i *Instance) Metrics() *Metrics { return &i.metrics }

// SetLogger replaces the instance logger.
func (i *Instance) SetLogger(l *logging.Logger) {
	if l != nil {
		i.log = l
	}
}

// nextSeqno allocates the opaque for one frame.
func (i *Instance) nextSeqno() uint32 {
	n := i.seqno
	i.seqno++
	return n
}

// route maps a key (or its explicit hash key) to the target server.
func (i *Instance) route(op string, hashkey, key []byte) (*Server, uint16, error) {
	hk := hashkey
	if len(hk) == 0 {
		hk = key
	}
	vbid, idx := i.config.VBucketByKey(hk)
	if idx < 0 || idx >= len(i.servers) {
		return nil, 0, newError(op, ErrCodeNoServerForKey,
			fmt.Sprintf("vbucket %d has no active server", vbid))
	}
	srv := i.servers[idx]
	if srv.state == StateFailed {
		return nil, 0, newServerError(op, srv.address(), ErrCodeNoServerForKey, nil)
	}
	return srv, vbid, nil
}

// checkKey validates protocol key limits. A violation is reported the
// same way a server would report it: through the operation's callback.
func checkKey(key []byte) Status {
	if len(key) == 0 || len(key) > memdproto.MaxKeyLen {
		return StatusEinval
	}
	return StatusSuccess
}

// Mget batches one quiet get per key. Misses are synthesized when the
// terminating noop response arrives, so every key produces exactly one
// Get callback.
func (i *Instance) Mget(keys [][]byte) error {
	return i.mget(nil, keys, 0, false)
}

// MgetByKey is Mget with every key routed by hashkey instead of
// itself.
func (i *Instance) MgetByKey(hashkey []byte, keys [][]byte) error {
	return i.mget(hashkey, keys, 0, false)
}

// MgetTouch batches quiet get-and-touch operations, refreshing each
// hit's expiration.
func (i *Instance) MgetTouch(keys [][]byte, expiration uint32) error {
	return i.mget(nil, keys, expiration, true)
}

func (i *Instance) mget(hashkey []byte, keys [][]byte, expiration uint32, touch bool) error {
	if err := i.usable("mget"); err != nil {
		return err
	}
	touched := make(map[*Server]bool)
	for _, key := range keys {
		i.metrics.GetOps.Add(1)
		if st := checkKey(key); st != StatusSuccess {
			i.metrics.recordCompletion(st, true)
			i.cbGet(st, key, nil, 0, 0)
			continue
		}
		srv, vbid, err := i.route("mget", hashkey, key)
		if err != nil {
			return err
		}
		req := memdproto.Request{
			Opcode:  memdproto.CmdGetQ,
			VBucket: vbid,
			Opaque:  i.nextSeqno(),
			Key:     key,
		}
		if touch {
			req.Opcode = memdproto.CmdGatQ
			req.Extras = memdproto.TouchExtras(expiration)
		}
		srv.enqueue(&req)
		touched[srv] = true
	}
	// The noop's response flushes the quiet misses of the batch through
	// the implicit-response purge.
	for srv := range touched {
		noop := memdproto.Request{
			Opcode: memdproto.CmdNoop,
			Opaque: i.nextSeqno(),
		}
		srv.enqueue(&noop)
		srv.sendPackets()
	}
	return nil
}

// Store batches one storage operation.
func (i *Instance) Store(op StorageOp, key, value []byte, flags, expiration uint32, cas uint64) error {
	return i.store(op, nil, key, value, flags, expiration, cas)
}

// StoreByKey is Store routed by an explicit hash key.
func (i *Instance) StoreByKey(op StorageOp, hashkey, key, value []byte, flags, expiration uint32, cas uint64) error {
	return i.store(op, hashkey, key, value, flags, expiration, cas)
}

func (i *Instance) store(op StorageOp, hashkey, key, value []byte, flags, expiration uint32, cas uint64) error {
	if err := i.usable("store"); err != nil {
		return err
	}
	opcode, ok := op.opcode()
	if !ok {
		return newError("store", ErrCodeInvalidArgument, fmt.Sprintf("storage op %d", op))
	}
	i.metrics.StoreOps.Add(1)
	if st := checkKey(key); st != StatusSuccess {
		i.metrics.recordCompletion(st, false)
		i.cbStorage(st, op, key, 0)
		return nil
	}
	if len(value) > memdproto.MaxValueLen {
		i.metrics.recordCompletion(StatusE2Big, false)
		i.cbStorage(StatusE2Big, op, key, 0)
		return nil
	}
	srv, vbid, err := i.route("store", hashkey, key)
	if err != nil {
		return err
	}
	req := memdproto.Request{
		Opcode:  opcode,
		VBucket: vbid,
		Opaque:  i.nextSeqno(),
		Cas:     cas,
		Key:     key,
		Value:   value,
	}
	// Append and prepend carry no extras on the wire.
	if opcode != memdproto.CmdAppend && opcode != memdproto.CmdPrepend {
		req.Extras = memdproto.StoreExtras(flags, expiration)
	}
	srv.enqueue(&req)
	srv.sendPackets()
	return nil
}

// Arithmetic batches a counter operation: increment for delta >= 0,
// decrement for negative delta. With create false the server is told
// not to materialize a missing key; otherwise a miss initializes the
// counter to initial.
func (i *Instance) Arithmetic(key []byte, delta int64, expiration uint32, create bool, initial uint64) error {
	return i.arithmetic(nil, key, delta, expiration, create, initial)
}

// ArithmeticByKey is Arithmetic routed by an explicit hash key.
func (i *Instance) ArithmeticByKey(hashkey, key []byte, delta int64, expiration uint32, create bool, initial uint64) error {
	return i.arithmetic(hashkey, key, delta, expiration, create, initial)
}

func (i *Instance) arithmetic(hashkey, key []byte, delta int64, expiration uint32, create bool, initial uint64) error {
	if err := i.usable("arithmetic"); err != nil {
		return err
	}
	i.metrics.ArithmeticOps.Add(1)
	if st := checkKey(key); st != StatusSuccess {
		i.metrics.recordCompletion(st, false)
		i.cbArithmetic(st, key, 0, 0)
		return nil
	}
	srv, vbid, err := i.route("arithmetic", hashkey, key)
	if err != nil {
		return err
	}
	opcode := uint8(memdproto.CmdIncrement)
	magnitude := uint64(delta)
	if delta < 0 {
		opcode = memdproto.CmdDecrement
		magnitude = uint64(-delta)
	}
	exp := expiration
	if !create {
		exp = memdproto.NoCreateExpiration
	}
	req := memdproto.Request{
		Opcode:  opcode,
		VBucket: vbid,
		Opaque:  i.nextSeqno(),
		Key:     key,
		Extras:  memdproto.ArithmeticExtras(magnitude, initial, exp),
	}
	srv.enqueue(&req)
	srv.sendPackets()
	return nil
}

// Remove batches a delete. A nonzero cas restricts the delete to that
// exact revision.
func (i *Instance) Remove(key []byte, cas uint64) error {
	return i.remove(nil, key, cas)
}

// RemoveByKey is Remove routed by an explicit hash key.
func (i *Instance) RemoveByKey(hashkey, key []byte, cas uint64) error {
	return i.remove(hashkey, key, cas)
}

func (i *Instance) remove(hashkey, key []byte, cas uint64) error {
	if err := i.usable("remove"); err != nil {
		return err
	}
	i.metrics.RemoveOps.Add(1)
	if st := checkKey(key); st != StatusSuccess {
		i.metrics.recordCompletion(st, false)
		i.cbRemove(st, key)
		return nil
	}
	srv, vbid, err := i.route("remove", hashkey, key)
	if err != nil {
		return err
	}
	req := memdproto.Request{
		Opcode:  memdproto.CmdDelete,
		VBucket: vbid,
		Opaque:  i.nextSeqno(),
		Cas:     cas,
		Key:     key,
	}
	srv.enqueue(&req)
	srv.sendPackets()
	return nil
}

func (i *Instance) usable(op string) error {
	if i.destroyed {
		return newError(op, ErrCodeNotConnected, "instance destroyed")
	}
	if i.config == nil || len(i.servers) == 0 {
		return newError(op, ErrCodeNotConnected, "not connected; call Connect first")
	}
	return nil
}

// Execute drives the reactor until every server has flushed its output
// and every in-flight request completed (or its server failed). The
// only errors returned are reactor failures; operation outcomes arrive
// through callbacks.
func (i *Instance) Execute() error {
	for {
		done := true
		for _, srv := range i.servers {
			if !srv.quiescent() {
				done = false
				break
			}
		}
		if done || i.reactor.Watched() == 0 {
			return nil
		}
		if _, err := i.reactor.Poll(-1); err != nil {
			return newError("execute", ErrCodeReactor, err.Error())
		}
	}
}

// CloseServer forcibly fails the server at index, purging its
// outstanding quiet gets as misses and reporting a network error for
// everything else in flight. Intended for higher layers implementing
// timeouts.
func (i *Instance) CloseServer(index int) error {
	if index < 0 || index >= len(i.servers) {
		return newError("close-server", ErrCodeInvalidArgument,
			fmt.Sprintf("server index %d", index))
	}
	i.servers[index].fail(ErrCodeNetwork, fmt.Errorf("closed by caller"))
	return nil
}

// NumServers returns the number of servers in the current
// configuration.
func (i *Instance) NumServers() int { return len(i.servers) }

// ServerState reports the connection state of the server at index.
func (i *Instance) ServerState(index int) ServerState {
	if index < 0 || index >= len(i.servers) {
		return StateFailed
	}
	return i.servers[index].state
}

// Destroy tears the instance down: every server purges its outstanding
// quiet gets as misses, sockets close, and the owned reactor (if any)
// is released. The instance must not be used afterwards.
func (i *Instance) Destroy() {
	if i.destroyed {
		return
	}
	for _, srv := range i.servers {
		if srv != nil {
			srv.destroy()
		}
	}
	i.servers = nil
	if i.ownReactor && i.reactor != nil {
		i.reactor.Close()
	}
	i.destroyed = true
}
