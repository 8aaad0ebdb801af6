package couchbase

import (
	"fmt"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pierrejoye/go-couchbase/internal/mcmock"
	"github.com/pierrejoye/go-couchbase/internal/memdproto"
	"github.com/pierrejoye/go-couchbase/internal/vbucket"
)

type getResult struct {
	status Status
	key    string
	value  string
	flags  uint32
	cas    uint64
}

type recorder struct {
	gets       []getResult
	stores     []Status
	arithmetic []uint64
	arithStatus []Status
	removes    []Status
	errors     []error
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		Get: func(_ *Instance, status Status, key, value []byte, flags uint32, cas uint64) {
			r.gets = append(r.gets, getResult{
				status: status,
				key:    string(key),
				value:  string(value),
				flags:  flags,
				cas:    cas,
			})
		},
		Storage: func(_ *Instance, status Status, _ StorageOp, _ []byte, _ uint64) {
			r.stores = append(r.stores, status)
		},
		Arithmetic: func(_ *Instance, status Status, _ []byte, value, _ uint64) {
			r.arithStatus = append(r.arithStatus, status)
			r.arithmetic = append(r.arithmetic, value)
		},
		Remove: func(_ *Instance, status Status, _ []byte) {
			r.removes = append(r.removes, status)
		},
		Error: func(_ *Instance, err error) {
			r.errors = append(r.errors, err)
		},
	}
}

func startMock(t *testing.T, cfg mcmock.Config) *mcmock.Server {
	t.Helper()
	mock, err := mcmock.Start(cfg)
	if err != nil {
		t.Fatalf("mcmock.Start: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock
}

func newTestInstance(t *testing.T, rec *recorder, user, pass string, mocks ...*mcmock.Server) *Instance {
	t.Helper()
	servers := make([]string, len(mocks))
	for i, m := range mocks {
		servers[i] = m.Addr()
	}
	inst, err := CreateWithConfig(vbucket.NewStatic(servers, 64, user, pass), nil)
	if err != nil {
		t.Fatalf("CreateWithConfig: %v", err)
	}
	t.Cleanup(inst.Destroy)
	inst.SetCallbacks(rec.callbacks())
	return inst
}

// pollUntil drives the reactor in bounded steps until cond holds.
func pollUntil(t *testing.T, inst *Instance, cond func() bool) {
	t.Helper()
	for i := 0; i < 500; i++ {
		if cond() {
			return
		}
		if _, err := inst.reactor.Poll(20); err != nil {
			t.Fatalf("Poll: %v", err)
		}
	}
	t.Fatal("condition not reached while polling")
}

func keys(ss ...string) [][]byte {
	out := make([][]byte, len(ss))
	for i, s := range ss {
		out[i] = []byte(s)
	}
	return out
}

func TestSingleHit(t *testing.T) {
	mock := startMock(t, mcmock.Config{})
	mock.Preload("foo", []byte("bar"), 0x2a, 7)

	rec := &recorder{}
	inst := newTestInstance(t, rec, "", "", mock)

	if err := inst.Mget(keys("foo")); err != nil {
		t.Fatalf("Mget: %v", err)
	}
	if err := inst.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	require.Len(t, rec.gets, 1)
	got := rec.gets[0]
	require.Equal(t, StatusSuccess, got.status)
	require.Equal(t, "foo", got.key)
	require.Equal(t, "bar", got.value)
	require.Equal(t, uint32(0x2a), got.flags)
	require.Equal(t, uint64(7), got.cas)
}

func TestBatchWithMissesInKeyOrder(t *testing.T) {
	mock := startMock(t, mcmock.Config{})
	mock.Preload("a", []byte("1"), 0, 1)

	rec := &recorder{}
	inst := newTestInstance(t, rec, "", "", mock)

	if err := inst.Mget(keys("a", "b", "c")); err != nil {
		t.Fatalf("Mget: %v", err)
	}
	if err := inst.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	require.Len(t, rec.gets, 3)
	require.Equal(t, "a", rec.gets[0].key)
	require.Equal(t, StatusSuccess, rec.gets[0].status)
	require.Equal(t, "b", rec.gets[1].key)
	require.Equal(t, StatusKeyEnoent, rec.gets[1].status)
	require.Equal(t, "c", rec.gets[2].key)
	require.Equal(t, StatusKeyEnoent, rec.gets[2].status)
}

func TestSaslHandshakeOrder(t *testing.T) {
	mock := startMock(t, mcmock.Config{AuthUser: "u", AuthPass: "p"})
	mock.Preload("x", []byte("val"), 0, 1)

	rec := &recorder{}
	inst := newTestInstance(t, rec, "u", "p", mock)

	if err := inst.Mget(keys("x")); err != nil {
		t.Fatalf("Mget: %v", err)
	}

	// The batch may not touch the wire before authentication: it sits
	// in pending.
	srv := inst.servers[0]
	require.False(t, srv.connected)
	require.Greater(t, srv.pending.Avail(), 0)

	if err := inst.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	require.Len(t, rec.gets, 1)
	require.Equal(t, StatusSuccess, rec.gets[0].status)
	require.Empty(t, rec.errors)

	trace := mock.Trace()
	idxOf := func(op uint8) int {
		for i, o := range trace {
			if o == op {
				return i
			}
		}
		t.Fatalf("opcode %#x missing from trace %v", op, trace)
		return -1
	}
	listIdx := idxOf(memdproto.CmdSaslListMechs)
	authIdx := idxOf(memdproto.CmdSaslAuth)
	getIdx := idxOf(memdproto.CmdGetQ)
	require.Less(t, listIdx, authIdx)
	require.Less(t, authIdx, getIdx)
}

func TestConnectFallbackToSecondAddress(t *testing.T) {
	mock := startMock(t, mcmock.Config{})
	mock.Preload("foo", []byte("bar"), 0x2a, 7)

	// First record refuses (nothing listens on 127.0.0.2); the second
	// is the live listener.
	orig := lookupIP
	lookupIP = func(host string) ([]net.IP, error) {
		if host == "multihomed.test" {
			return []net.IP{net.ParseIP("127.0.0.2"), net.ParseIP("127.0.0.1")}, nil
		}
		return orig(host)
	}
	t.Cleanup(func() { lookupIP = orig })

	rec := &recorder{}
	cfg := vbucket.NewStatic([]string{fmt.Sprintf("multihomed.test:%d", mock.Port())}, 64, "", "")
	inst, err := CreateWithConfig(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(inst.Destroy)
	inst.SetCallbacks(rec.callbacks())

	require.NoError(t, inst.Mget(keys("foo")))
	require.NoError(t, inst.Execute())

	require.Len(t, rec.gets, 1)
	require.Equal(t, StatusSuccess, rec.gets[0].status)
	require.Equal(t, "bar", rec.gets[0].value)
	require.GreaterOrEqual(t, inst.metrics.ConnectRetries.Load(), uint64(1))
}

func TestDestroyPurgesOutstandingQuietGets(t *testing.T) {
	// The noop terminator is swallowed, so the miss for "b" can only be
	// synthesized by the teardown purge.
	mock := startMock(t, mcmock.Config{
		SuppressOpcodes: []uint8{memdproto.CmdNoop},
	})
	mock.Preload("a", []byte("1"), 0, 1)

	rec := &recorder{}
	inst := newTestInstance(t, rec, "", "", mock)

	require.NoError(t, inst.Mget(keys("a", "b")))
	pollUntil(t, inst, func() bool { return len(rec.gets) >= 1 })
	require.Equal(t, "a", rec.gets[0].key)
	require.Equal(t, StatusSuccess, rec.gets[0].status)

	inst.servers[0].destroy()

	require.Len(t, rec.gets, 2)
	require.Equal(t, "b", rec.gets[1].key)
	require.Equal(t, StatusKeyEnoent, rec.gets[1].status)
}

func TestArithmeticCreate(t *testing.T) {
	mock := startMock(t, mcmock.Config{})
	rec := &recorder{}
	inst := newTestInstance(t, rec, "", "", mock)

	require.NoError(t, inst.Arithmetic([]byte("ctr"), 1, 0, true, 10))
	require.NoError(t, inst.Execute())
	require.NoError(t, inst.Arithmetic([]byte("ctr"), 1, 0, true, 10))
	require.NoError(t, inst.Execute())

	require.Equal(t, []Status{StatusSuccess, StatusSuccess}, rec.arithStatus)
	require.Equal(t, []uint64{10, 11}, rec.arithmetic)
}

func TestArithmeticNoCreateMisses(t *testing.T) {
	mock := startMock(t, mcmock.Config{})
	rec := &recorder{}
	inst := newTestInstance(t, rec, "", "", mock)

	require.NoError(t, inst.Arithmetic([]byte("absent"), 1, 0, false, 10))
	require.NoError(t, inst.Execute())
	require.Equal(t, []Status{StatusKeyEnoent}, rec.arithStatus)
}

func TestStoreGetRoundTrip(t *testing.T) {
	mock := startMock(t, mcmock.Config{})
	rec := &recorder{}
	inst := newTestInstance(t, rec, "", "", mock)

	require.NoError(t, inst.Store(StorageSet, []byte("k"), []byte("v"), 0xf00d, 0, 0))
	require.NoError(t, inst.Execute())
	require.Equal(t, []Status{StatusSuccess}, rec.stores)

	require.NoError(t, inst.Mget(keys("k")))
	require.NoError(t, inst.Execute())

	require.Len(t, rec.gets, 1)
	got := rec.gets[0]
	require.Equal(t, StatusSuccess, got.status)
	require.Equal(t, "v", got.value)
	require.Equal(t, uint32(0xf00d), got.flags)
	require.NotZero(t, got.cas)
}

func TestStorageConstraints(t *testing.T) {
	mock := startMock(t, mcmock.Config{})
	mock.Preload("here", []byte("old"), 0, 1)

	rec := &recorder{}
	inst := newTestInstance(t, rec, "", "", mock)

	require.NoError(t, inst.Store(StorageAdd, []byte("here"), []byte("x"), 0, 0, 0))
	require.NoError(t, inst.Store(StorageReplace, []byte("gone"), []byte("x"), 0, 0, 0))
	require.NoError(t, inst.Store(StorageAppend, []byte("here"), []byte("+new"), 0, 0, 0))
	require.NoError(t, inst.Execute())

	require.Equal(t, []Status{StatusKeyEexists, StatusKeyEnoent, StatusSuccess}, rec.stores)
	value, ok := mock.Item("here")
	require.True(t, ok)
	require.Equal(t, "old+new", string(value))
}

func TestRemoveTwice(t *testing.T) {
	mock := startMock(t, mcmock.Config{})
	mock.Preload("k", []byte("v"), 0, 1)

	rec := &recorder{}
	inst := newTestInstance(t, rec, "", "", mock)

	require.NoError(t, inst.Remove([]byte("k"), 0))
	require.NoError(t, inst.Remove([]byte("k"), 0))
	require.NoError(t, inst.Execute())

	require.Equal(t, []Status{StatusSuccess, StatusKeyEnoent}, rec.removes)
}

func TestKeyValidation(t *testing.T) {
	mock := startMock(t, mcmock.Config{})
	rec := &recorder{}
	inst := newTestInstance(t, rec, "", "", mock)

	longest := strings.Repeat("k", MaxKeySize)
	tooLong := strings.Repeat("k", MaxKeySize+1)

	require.NoError(t, inst.Mget(keys("", longest, tooLong)))
	require.NoError(t, inst.Execute())

	require.Len(t, rec.gets, 3)
	require.Equal(t, StatusEinval, rec.gets[0].status)

	byKey := map[string]Status{}
	for _, g := range rec.gets[1:] {
		byKey[g.key] = g.status
	}
	require.Equal(t, StatusKeyEnoent, byKey[longest], "250-byte key must reach the server")
	require.Equal(t, StatusEinval, byKey[tooLong])
}

func TestEmptyKeyStoreAndRemove(t *testing.T) {
	mock := startMock(t, mcmock.Config{})
	rec := &recorder{}
	inst := newTestInstance(t, rec, "", "", mock)

	require.NoError(t, inst.Store(StorageSet, nil, []byte("v"), 0, 0, 0))
	require.NoError(t, inst.Remove(nil, 0))
	require.Equal(t, []Status{StatusEinval}, rec.stores)
	require.Equal(t, []Status{StatusEinval}, rec.removes)
}

func TestOversizedValueRejected(t *testing.T) {
	mock := startMock(t, mcmock.Config{})
	rec := &recorder{}
	inst := newTestInstance(t, rec, "", "", mock)

	big := make([]byte, MaxValueSize+1)
	require.NoError(t, inst.Store(StorageSet, []byte("k"), big, 0, 0, 0))
	require.Equal(t, []Status{StatusE2Big}, rec.stores)
}

func TestOpaquesStrictlyIncreasingPerServer(t *testing.T) {
	mock := startMock(t, mcmock.Config{})
	rec := &recorder{}
	inst := newTestInstance(t, rec, "", "", mock)

	var opaques []uint32
	inst.SetPacketFilter(func(_ *Instance, frame []byte) ([]byte, bool) {
		h, err := memdproto.ParseHeader(frame)
		require.NoError(t, err)
		opaques = append(opaques, h.Opaque)
		return frame, true
	})

	require.NoError(t, inst.Mget(keys("a", "b", "c")))
	require.NoError(t, inst.Store(StorageSet, []byte("d"), []byte("v"), 0, 0, 0))
	require.NoError(t, inst.Execute())

	require.GreaterOrEqual(t, len(opaques), 5)
	for i := 1; i < len(opaques); i++ {
		require.Greater(t, opaques[i], opaques[i-1],
			"opaque %d followed %d on the wire", opaques[i], opaques[i-1])
	}
}

func TestPacketFilterDropStillCorrelates(t *testing.T) {
	mock := startMock(t, mcmock.Config{})
	mock.Preload("a", []byte("1"), 0, 1)

	rec := &recorder{}
	inst := newTestInstance(t, rec, "", "", mock)

	// Drop every quiet get; the terminator still flows, so the dropped
	// requests must all come back as misses.
	inst.SetPacketFilter(func(_ *Instance, frame []byte) ([]byte, bool) {
		h, err := memdproto.ParseHeader(frame)
		require.NoError(t, err)
		if h.Opcode == memdproto.CmdGetQ {
			return nil, false
		}
		return frame, true
	})

	require.NoError(t, inst.Mget(keys("a", "b")))
	require.NoError(t, inst.Execute())

	require.Len(t, rec.gets, 2)
	require.Equal(t, StatusKeyEnoent, rec.gets[0].status)
	require.Equal(t, StatusKeyEnoent, rec.gets[1].status)

	for _, op := range mock.Trace() {
		require.NotEqual(t, uint8(memdproto.CmdGetQ), op, "dropped frame reached the wire")
	}
}

func TestUnsupportedMechanismFailsAuth(t *testing.T) {
	mock := startMock(t, mcmock.Config{
		AuthUser: "u",
		AuthPass: "p",
		Mechs:    []string{"CRAM-MD5"},
	})

	rec := &recorder{}
	inst := newTestInstance(t, rec, "u", "p", mock)

	require.NoError(t, inst.Mget(keys("x")))
	require.NoError(t, inst.Execute())

	require.Equal(t, StateFailed, inst.ServerState(0))
	require.NotEmpty(t, rec.errors)
	require.True(t, IsCode(rec.errors[0], ErrCodeAuth), "got %v", rec.errors[0])

	// The outstanding quiet get must still complete, as a miss.
	require.Len(t, rec.gets, 1)
	require.Equal(t, StatusKeyEnoent, rec.gets[0].status)
}

func TestExecuteLeavesOutputsDrained(t *testing.T) {
	mock := startMock(t, mcmock.Config{})
	rec := &recorder{}
	inst := newTestInstance(t, rec, "", "", mock)

	require.NoError(t, inst.Mget(keys("a", "b", "c", "d")))
	require.NoError(t, inst.Store(StorageSet, []byte("e"), []byte("v"), 0, 0, 0))
	require.NoError(t, inst.Execute())

	for _, srv := range inst.servers {
		if srv.state == StateFailed {
			continue
		}
		require.Zero(t, srv.output.Avail())
		require.Zero(t, srv.pending.Avail())
		require.Zero(t, srv.cmdLog.Avail())
	}
}

func TestMultiServerBatchCompletes(t *testing.T) {
	mockA := startMock(t, mcmock.Config{})
	mockB := startMock(t, mcmock.Config{})
	mockA.Preload("hit-0", []byte("v"), 0, 1)
	mockB.Preload("hit-0", []byte("v"), 0, 1)

	rec := &recorder{}
	inst := newTestInstance(t, rec, "", "", mockA, mockB)

	var batch [][]byte
	batch = append(batch, []byte("hit-0"))
	for i := 0; i < 20; i++ {
		batch = append(batch, []byte(fmt.Sprintf("key-%d", i)))
	}
	require.NoError(t, inst.Mget(batch))
	require.NoError(t, inst.Execute())

	// Exactly one callback per key, spread across both servers.
	require.Len(t, rec.gets, len(batch))
	seen := map[string]int{}
	for _, g := range rec.gets {
		seen[g.key]++
	}
	for _, key := range batch {
		require.Equal(t, 1, seen[string(key)], "key %q", key)
	}
}

func TestHashKeyRoutesBatchTogether(t *testing.T) {
	mockA := startMock(t, mcmock.Config{})
	mockB := startMock(t, mcmock.Config{})

	rec := &recorder{}
	inst := newTestInstance(t, rec, "", "", mockA, mockB)

	require.NoError(t, inst.MgetByKey([]byte("pin"), keys("a", "b", "c", "d", "e")))
	require.NoError(t, inst.Execute())
	require.Len(t, rec.gets, 5)

	// All data frames must have landed on the server the hash key maps
	// to; the other sees nothing.
	withData := 0
	for _, m := range []*mcmock.Server{mockA, mockB} {
		for _, op := range m.Trace() {
			if op == memdproto.CmdGetQ {
				withData++
				break
			}
		}
	}
	require.Equal(t, 1, withData)
}

func TestReentrantEnqueueFromCallback(t *testing.T) {
	mock := startMock(t, mcmock.Config{})
	mock.Preload("first", []byte("1"), 0, 1)

	var storeStatus []Status
	inst, err := CreateWithConfig(vbucket.NewStatic([]string{mock.Addr()}, 64, "", ""), nil)
	require.NoError(t, err)
	t.Cleanup(inst.Destroy)

	inst.SetCallbacks(Callbacks{
		Get: func(i *Instance, status Status, key, value []byte, _ uint32, _ uint64) {
			if status == StatusSuccess {
				require.NoError(t, i.Store(StorageSet, []byte("chained"), value, 0, 0, 0))
			}
		},
		Storage: func(_ *Instance, status Status, _ StorageOp, _ []byte, _ uint64) {
			storeStatus = append(storeStatus, status)
		},
	})

	require.NoError(t, inst.Mget(keys("first")))
	require.NoError(t, inst.Execute())

	require.Equal(t, []Status{StatusSuccess}, storeStatus)
	value, ok := mock.Item("chained")
	require.True(t, ok)
	require.Equal(t, "1", string(value))
}

func TestCloseServerFailsInFlight(t *testing.T) {
	mock := startMock(t, mcmock.Config{
		SuppressOpcodes: []uint8{memdproto.CmdSet},
	})

	rec := &recorder{}
	inst := newTestInstance(t, rec, "", "", mock)

	require.NoError(t, inst.Store(StorageSet, []byte("k"), []byte("v"), 0, 0, 0))
	pollUntil(t, inst, func() bool { return inst.servers[0].output.Avail() == 0 })

	require.NoError(t, inst.CloseServer(0))

	require.Equal(t, []Status{StatusNetworkError}, rec.stores)
	require.Equal(t, StateFailed, inst.ServerState(0))
	require.NotEmpty(t, rec.errors)
	require.True(t, IsCode(rec.errors[0], ErrCodeNetwork))
}

func TestSeqnoWraparound(t *testing.T) {
	inst := &Instance{}
	inst.seqno = 0xfffffffe
	require.Equal(t, uint32(0xfffffffe), inst.nextSeqno())
	require.Equal(t, uint32(0xffffffff), inst.nextSeqno())
	require.Equal(t, uint32(0), inst.nextSeqno())
	require.Equal(t, uint32(1), inst.nextSeqno())
}

func TestRouteErrorsWithoutConfig(t *testing.T) {
	inst, err := Create("localhost:8091", "", "", "bucket", nil)
	require.NoError(t, err)
	t.Cleanup(inst.Destroy)

	err = inst.Mget(keys("a"))
	require.True(t, IsCode(err, ErrCodeNotConnected), "got %v", err)
}

func TestFailedServerRejectsNewWork(t *testing.T) {
	mock := startMock(t, mcmock.Config{})
	rec := &recorder{}
	inst := newTestInstance(t, rec, "", "", mock)

	require.NoError(t, inst.CloseServer(0))
	err := inst.Mget(keys("a"))
	require.True(t, IsCode(err, ErrCodeNoServerForKey), "got %v", err)
}

func TestMetricsCountBatch(t *testing.T) {
	mock := startMock(t, mcmock.Config{})
	mock.Preload("hit", []byte("v"), 0, 1)

	rec := &recorder{}
	inst := newTestInstance(t, rec, "", "", mock)

	require.NoError(t, inst.Mget(keys("hit", "miss")))
	require.NoError(t, inst.Execute())

	snap := inst.Metrics().Snapshot()
	require.Equal(t, uint64(2), snap.GetOps)
	require.Equal(t, uint64(1), snap.Hits)
	require.Equal(t, uint64(1), snap.Misses)
	require.Equal(t, uint64(1), snap.Connects)
	require.NotZero(t, snap.BytesSent)
	require.NotZero(t, snap.BytesReceived)
}
