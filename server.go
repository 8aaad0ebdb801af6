package couchbase

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/pierrejoye/go-couchbase/internal/logging"
	"github.com/pierrejoye/go-couchbase/internal/memdproto"
	"github.com/pierrejoye/go-couchbase/internal/netbuf"
	"github.com/pierrejoye/go-couchbase/internal/reactor"
	"github.com/pierrejoye/go-couchbase/internal/sasl"
)

// ServerState is the connection lifecycle of one backend.
type ServerState int

const (
	StateResolving ServerState = iota
	StateConnecting
	StateTCPReady
	StateSASLListing
	StateSASLAuthing
	StateSASLStepping
	StateReady
	StateFailed
)

func (s ServerState) String() string {
	switch s {
	case StateResolving:
		return "resolving"
	case StateConnecting:
		return "connecting"
	case StateTCPReady:
		return "tcp-ready"
	case StateSASLListing:
		return "sasl-listing"
	case StateSASLAuthing:
		return "sasl-authing"
	case StateSASLStepping:
		return "sasl-stepping"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return "invalid"
}

// candidate is one resolved address record.
type candidate struct {
	family int
	sa     unix.Sockaddr
}

const (
	invalidFd    = -1
	packetUnset  = -1
	readChunk    = 8192
)

// Server is one backend endpoint: a socket, its reactor subscription
// and the four streams of the pipeline. The owning Instance drives it;
// nothing here is safe for concurrent use.
type Server struct {
	instance *Instance
	index    int

	hostname string
	port     string

	addrs   []candidate
	addrIdx int

	fd      int
	watched bool
	evFlags reactor.Event
	state   ServerState

	// connected flips when the connection may carry user data: after
	// TCP establishment and, when the bucket has a user, after SASL.
	connected bool

	sasl     sasl.Client
	saslMech string

	localEndpoint  string // "ip;port", for SASL channel binding inputs
	remoteEndpoint string

	output  netbuf.Buffer // bytes awaiting write
	pending netbuf.Buffer // frames enqueued before authentication
	cmdLog  netbuf.Buffer // in-flight requests, opaque-ordered
	input   netbuf.Buffer // unparsed inbound bytes

	// currentPacket is 0 while a partial frame sits at the head of
	// input, packetUnset otherwise.
	currentPacket int

	log *logging.Logger
}

// newServer resolves the "host:port" entry for server index i and
// begins the connect fan-out.
func newServer(inst *Instance, i int) (*Server, error) {
	addr := inst.config.Server(i)
	host, port, ok := strings.Cut(addr, ":")
	if !ok || host == "" || port == "" {
		return nil, newError("connect", ErrCodeUnknownHost,
			fmt.Sprintf("malformed server address %q", addr))
	}
	s := &Server{
		instance:      inst,
		index:         i,
		hostname:      host,
		port:          port,
		fd:            invalidFd,
		currentPacket: packetUnset,
		log:           inst.log.WithScope(addr),
	}
	if err := s.resolve(); err != nil {
		s.state = StateFailed
		return nil, err
	}
	s.state = StateConnecting
	s.tryNextAddress()
	return s, nil
}

// lookupIP is swapped by tests to script multi-record resolutions.
var lookupIP = net.LookupIP

// resolve performs the name lookup, producing the ordered candidate
// list the connect fan-out walks.
func (s *Server) resolve() error {
	portNum, err := strconv.Atoi(s.port)
	if err != nil || portNum < 1 || portNum > 65535 {
		return newServerError("resolve", s.address(), ErrCodeUnknownHost,
			fmt.Errorf("bad port %q", s.port))
	}
	ips, err := lookupIP(s.hostname)
	if err != nil || len(ips) == 0 {
		return newServerError("resolve", s.address(), ErrCodeUnknownHost, err)
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			sa := &unix.SockaddrInet4{Port: portNum}
			copy(sa.Addr[:], v4)
			s.addrs = append(s.addrs, candidate{family: unix.AF_INET, sa: sa})
		} else {
			sa := &unix.SockaddrInet6{Port: portNum}
			copy(sa.Addr[:], ip.To16())
			s.addrs = append(s.addrs, candidate{family: unix.AF_INET6, sa: sa})
		}
	}
	return nil
}

func (s *Server) address() string {
	return s.hostname + ":" + s.port
}

// tryNextAddress walks the candidate list until a connect is underway
// or every record is exhausted.
func (s *Server) tryNextAddress() {
	for s.addrIdx < len(s.addrs) {
		fd, err := unix.Socket(s.addrs[s.addrIdx].family, unix.SOCK_STREAM, 0)
		if err == nil {
			if err = unix.SetNonblock(fd, true); err == nil {
				unix.CloseOnExec(fd)
				s.fd = fd
				if s.connectAttempt() {
					return
				}
			} else {
				unix.Close(fd)
			}
		}
		s.dropSocket()
		s.addrIdx++
		s.instance.metrics.ConnectRetries.Add(1)
	}
	s.fail(ErrCodeNetwork, fmt.Errorf("all %d address records failed", len(s.addrs)))
}

// connectAttempt runs one pass of the non-blocking connect ladder.
// It returns false when this candidate is dead and the next should be
// tried.
func (s *Server) connectAttempt() bool {
	for {
		err := unix.Connect(s.fd, s.addrs[s.addrIdx].sa)
		switch err {
		case nil, unix.EISCONN:
			s.socketConnected()
			return true
		case unix.EINTR:
			continue
		case unix.EINPROGRESS:
			// First call; readiness will re-invoke the attempt.
			s.setEvent(reactor.Write)
			return true
		case unix.EALREADY:
			return true
		default:
			s.log.Debug("connect candidate failed", "error", err)
			s.dropSocket()
			return false
		}
	}
}

func (s *Server) dropSocket() {
	if s.fd == invalidFd {
		return
	}
	if s.watched {
		s.instance.reactor.Unwatch(s.fd)
		s.watched = false
		s.evFlags = 0
	}
	unix.Close(s.fd)
	s.fd = invalidFd
}

// endpointString renders a sockaddr as the "<ip>;<port>" identity used
// for SASL channel binding inputs.
func endpointString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(a.Addr[:]).String() + ";" + strconv.Itoa(a.Port)
	case *unix.SockaddrInet6:
		return net.IP(a.Addr[:]).String() + ";" + strconv.Itoa(a.Port)
	}
	return ""
}

// socketConnected runs once the TCP session is up: capture endpoint
// identities, then either go straight to ready or start the SASL
// handshake.
func (s *Server) socketConnected() {
	s.state = StateTCPReady
	if local, err := unix.Getsockname(s.fd); err == nil {
		s.localEndpoint = endpointString(local)
	}
	if remote, err := unix.Getpeername(s.fd); err == nil {
		s.remoteEndpoint = endpointString(remote)
	}

	if s.instance.config.User() == "" {
		s.authenticated()
		return
	}

	s.sasl = sasl.NewClient(s.instance.creds, s.localEndpoint, s.remoteEndpoint)
	s.state = StateSASLListing
	s.sendSasl(memdproto.CmdSaslListMechs, "", nil)
	s.log.Debug("starting SASL handshake", "user", s.instance.config.User())
}

// authenticated moves the connection to ready: pending frames flush
// onto the output tail and user data may flow.
func (s *Server) authenticated() {
	if s.sasl != nil {
		s.instance.metrics.AuthHandshakes.Add(1)
		s.sasl = nil
		s.saslMech = ""
	}
	s.connected = true
	s.state = StateReady
	s.instance.metrics.Connects.Add(1)
	s.log.Debug("connection ready", "local", s.localEndpoint, "remote", s.remoteEndpoint)

	if s.pending.Avail() > 0 {
		s.output.Append(s.pending.Bytes())
		s.pending.Reset()
	}
	s.refreshInterest()
}

// setEvent reconciles the reactor subscription with the wanted mask.
func (s *Server) setEvent(events reactor.Event) {
	if s.fd == invalidFd {
		return
	}
	if s.watched && events == s.evFlags {
		return
	}
	h := func(fd int, fired reactor.Event) { s.handleEvent(fired) }
	var err error
	switch {
	case events == 0 && s.watched:
		err = s.instance.reactor.Unwatch(s.fd)
		s.watched = false
	case !s.watched:
		err = s.instance.reactor.Watch(s.fd, events, h)
		s.watched = err == nil
	default:
		err = s.instance.reactor.Update(s.fd, events, h)
	}
	if err != nil {
		s.fail(ErrCodeReactor, err)
		return
	}
	s.evFlags = events
}

// refreshInterest keeps the reactor mask coherent with buffered state:
// always read once the session is up, write only while output holds
// bytes.
func (s *Server) refreshInterest() {
	if s.state == StateFailed || s.fd == invalidFd {
		return
	}
	want := reactor.Read
	if s.output.Avail() > 0 {
		want |= reactor.Write
	}
	s.setEvent(want)
}

// handleEvent is the reactor entry point for this connection.
func (s *Server) handleEvent(fired reactor.Event) {
	if s.state == StateConnecting {
		if !s.connectAttempt() {
			s.addrIdx++
			s.instance.metrics.ConnectRetries.Add(1)
			s.tryNextAddress()
		}
		return
	}
	if fired.Readable() {
		s.handleRead()
	}
	if s.state != StateFailed && fired.Writable() {
		s.handleWrite()
	}
	if s.state != StateFailed {
		s.refreshInterest()
	}
}

// handleWrite drains output onto the socket.
func (s *Server) handleWrite() {
	for s.output.Avail() > 0 {
		n, err := unix.Write(s.fd, s.output.Bytes())
		if n > 0 {
			s.instance.metrics.BytesSent.Add(uint64(n))
			s.output.Consume(n)
		}
		switch err {
		case nil:
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return
		default:
			s.fail(ErrCodeNetwork, err)
			return
		}
	}
}

// handleRead drains the socket into input and frames it.
func (s *Server) handleRead() {
	for {
		s.input.Ensure(readChunk)
		n, err := unix.Read(s.fd, s.input.Tail())
		if n > 0 {
			s.instance.metrics.BytesReceived.Add(uint64(n))
			s.input.Extend(n)
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			break
		}
		if err != nil {
			s.fail(ErrCodeNetwork, err)
			return
		}
		if n == 0 {
			s.fail(ErrCodeNetwork, io.EOF)
			return
		}
	}
	s.parseInput()
}

// parseInput runs the framing loop over input: dispatch every complete
// frame, leave a partial one for the next readiness.
func (s *Server) parseInput() {
	for s.state != StateFailed {
		if s.input.Avail() == 0 {
			s.currentPacket = packetUnset
			return
		}
		s.currentPacket = 0
		if s.input.Avail() < memdproto.HeaderSize {
			return
		}
		hdr, err := memdproto.ParseHeader(s.input.Bytes())
		if err != nil {
			s.failProtocol(err)
			return
		}
		if s.input.Avail() < hdr.TotalLen() {
			return
		}
		pkt, err := memdproto.ParsePacket(s.input.Bytes())
		if err != nil {
			s.failProtocol(err)
			return
		}
		s.instance.metrics.PacketsParsed.Add(1)
		if pkt.Magic == memdproto.ResMagic {
			s.handleResponse(pkt)
		} else {
			s.handleServerRequest(pkt)
		}
		s.input.Consume(hdr.TotalLen())
	}
}

// handleResponse routes one response frame: the SASL states consume
// handshake responses, everything else correlates against the command
// log.
func (s *Server) handleResponse(res memdproto.Packet) {
	switch s.state {
	case StateSASLListing, StateSASLAuthing, StateSASLStepping:
		s.handleSaslResponse(res)
		return
	}

	s.purgeImplicitResponses(res.Opaque, false)
	if s.state == StateFailed {
		return
	}

	req, ok := s.peekLogHead()
	if !ok || req.Opaque != res.Opaque {
		// A response nothing asked for; likely a stream the caller
		// tore down. Drop it rather than killing the connection.
		s.log.Debug("response with unmatched opaque", "opaque", res.Opaque)
		return
	}
	key := append([]byte(nil), req.Key...)
	opcode := req.Opcode
	s.cmdLog.Consume(req.TotalLen())
	s.completeRequest(opcode, key, res)
}

// completeRequest fires the callback for one finished request.
func (s *Server) completeRequest(opcode uint8, key []byte, res memdproto.Packet) {
	inst := s.instance
	status := Status(res.Status)
	switch opcode {
	case memdproto.CmdGet, memdproto.CmdGetQ, memdproto.CmdGat, memdproto.CmdGatQ:
		var flags uint32
		if status == StatusSuccess && len(res.Extras) >= 4 {
			flags = binary.BigEndian.Uint32(res.Extras[:4])
		}
		inst.metrics.recordCompletion(status, true)
		inst.cbGet(status, key, res.Value, flags, res.Cas)
	case memdproto.CmdSet, memdproto.CmdAdd, memdproto.CmdReplace,
		memdproto.CmdAppend, memdproto.CmdPrepend:
		inst.metrics.recordCompletion(status, false)
		inst.cbStorage(status, storageOpForOpcode(opcode), key, res.Cas)
	case memdproto.CmdIncrement, memdproto.CmdDecrement:
		var value uint64
		if status == StatusSuccess && len(res.Value) >= 8 {
			value = binary.BigEndian.Uint64(res.Value[:8])
		}
		inst.metrics.recordCompletion(status, false)
		inst.cbArithmetic(status, key, value, res.Cas)
	case memdproto.CmdDelete:
		inst.metrics.recordCompletion(status, false)
		inst.cbRemove(status, key)
	case memdproto.CmdNoop:
		// Batch terminator; its only job was flushing the quiet-get
		// prefix through the purge.
	}
}

func storageOpForOpcode(opcode uint8) StorageOp {
	switch opcode {
	case memdproto.CmdAdd:
		return StorageAdd
	case memdproto.CmdReplace:
		return StorageReplace
	case memdproto.CmdAppend:
		return StorageAppend
	case memdproto.CmdPrepend:
		return StoragePrepend
	}
	return StorageSet
}

// peekLogHead parses the oldest command-log entry without consuming it.
func (s *Server) peekLogHead() (memdproto.Packet, bool) {
	if s.cmdLog.Avail() < memdproto.HeaderSize {
		return memdproto.Packet{}, false
	}
	pkt, err := memdproto.ParsePacket(s.cmdLog.Bytes())
	if err != nil {
		return memdproto.Packet{}, false
	}
	return pkt, true
}

// purgeImplicitResponses discards command-log entries whose opaque
// precedes seqno. A skipped quiet get is a miss and synthesizes its
// callback; any other skipped opcode means the server broke in-order
// delivery, which fails the connection (teardown purges report a
// network error instead).
func (s *Server) purgeImplicitResponses(seqno uint32, teardown bool) {
	for {
		req, ok := s.peekLogHead()
		if !ok || req.Opaque >= seqno {
			return
		}
		key := append([]byte(nil), req.Key...)
		opcode := req.Opcode
		s.cmdLog.Consume(req.TotalLen())

		if memdproto.IsQuiet(opcode) {
			s.instance.metrics.Misses.Add(1)
			s.instance.cbGet(StatusKeyEnoent, key, nil, 0, 0)
			continue
		}
		if teardown {
			s.synthesizeFailure(opcode, key, StatusNetworkError)
			continue
		}
		// The skipped request still owes its caller exactly one
		// callback before the connection dies.
		s.synthesizeFailure(opcode, key, StatusProtocolError)
		s.failProtocol(fmt.Errorf("non-quiet opcode 0x%02x skipped by response reordering", opcode))
		return
	}
}

// synthesizeFailure delivers the teardown outcome for one logged
// request that will never see a response.
func (s *Server) synthesizeFailure(opcode uint8, key []byte, status Status) {
	inst := s.instance
	switch opcode {
	case memdproto.CmdGet, memdproto.CmdGat:
		inst.metrics.recordCompletion(status, true)
		inst.cbGet(status, key, nil, 0, 0)
	case memdproto.CmdSet, memdproto.CmdAdd, memdproto.CmdReplace,
		memdproto.CmdAppend, memdproto.CmdPrepend:
		inst.metrics.recordCompletion(status, false)
		inst.cbStorage(status, storageOpForOpcode(opcode), key, 0)
	case memdproto.CmdIncrement, memdproto.CmdDecrement:
		inst.metrics.recordCompletion(status, false)
		inst.cbArithmetic(status, key, 0, 0)
	case memdproto.CmdDelete:
		inst.metrics.recordCompletion(status, false)
		inst.cbRemove(status, key)
	case memdproto.CmdNoop:
	}
}

// handleSaslResponse advances the handshake state machine.
func (s *Server) handleSaslResponse(res memdproto.Packet) {
	switch {
	case s.state == StateSASLListing && res.Opcode == memdproto.CmdSaslListMechs:
		if res.Status != memdproto.StatusSuccess {
			s.failAuth(fmt.Errorf("mechanism list rejected: %s", Status(res.Status)))
			return
		}
		mechs := strings.Fields(string(res.Value))
		mech, initial, err := s.sasl.Start(mechs)
		if err != nil {
			s.failAuth(err)
			return
		}
		s.saslMech = mech
		s.state = StateSASLAuthing
		s.sendSasl(memdproto.CmdSaslAuth, mech, initial)

	case (s.state == StateSASLAuthing && res.Opcode == memdproto.CmdSaslAuth) ||
		(s.state == StateSASLStepping && res.Opcode == memdproto.CmdSaslStep):
		switch res.Status {
		case memdproto.StatusSuccess:
			// Some mechanisms verify a final server payload.
			if len(res.Value) > 0 && s.sasl != nil && !s.sasl.Completed() {
				if _, err := s.sasl.Step(res.Value); err != nil {
					s.failAuth(err)
					return
				}
			}
			s.authenticated()
		case memdproto.StatusAuthContinue:
			step, err := s.sasl.Step(res.Value)
			if err != nil {
				s.failAuth(err)
				return
			}
			s.state = StateSASLStepping
			s.sendSasl(memdproto.CmdSaslStep, s.saslMech, step)
		default:
			s.failAuth(fmt.Errorf("server status %s", Status(res.Status)))
		}

	default:
		s.failProtocol(fmt.Errorf("unexpected opcode 0x%02x in state %s", res.Opcode, s.state))
	}
}

// sendSasl writes a handshake frame straight to output; the pending
// gate only applies to user data.
func (s *Server) sendSasl(opcode uint8, mech string, payload []byte) {
	req := memdproto.Request{
		Opcode: opcode,
		Opaque: s.instance.nextSeqno(),
		Key:    []byte(mech),
		Value:  payload,
	}
	frame := req.Encode()
	if filter := s.instance.filter; filter != nil {
		out, keep := filter(s.instance, frame)
		if !keep {
			return
		}
		frame = out
	}
	s.output.Append(frame)
	s.instance.metrics.PacketsSent.Add(1)
	s.refreshInterest()
}

// enqueue buffers one data frame for this server and records it in the
// command log. Pre-ready frames accumulate in pending and flush when
// the connection authenticates.
func (s *Server) enqueue(req *memdproto.Request) {
	logEntry := memdproto.Request{
		Opcode:  req.Opcode,
		VBucket: req.VBucket,
		Opaque:  req.Opaque,
		Extras:  req.Extras,
		Key:     req.Key,
	}
	s.cmdLog.Append(logEntry.Encode())
	s.enqueueUnlogged(req)
}

// enqueueUnlogged buffers a frame that expects no correlated response
// (the TAP connect), bypassing the command log.
func (s *Server) enqueueUnlogged(req *memdproto.Request) {
	frame := req.Encode()
	keep := true
	if filter := s.instance.filter; filter != nil {
		frame, keep = filter(s.instance, frame)
	}
	if !keep {
		return
	}
	if s.connected {
		s.output.Append(frame)
	} else {
		s.pending.Append(frame)
	}
	s.instance.metrics.PacketsSent.Add(1)
}

// sendPackets arms write interest for anything enqueue buffered, once
// the connection can carry it.
func (s *Server) sendPackets() {
	if s.connected {
		s.refreshInterest()
	}
}

// handleServerRequest deals with frames the server originates (the TAP
// stream).
func (s *Server) handleServerRequest(req memdproto.Packet) {
	s.instance.dispatchTap(s, req)
}

func (s *Server) failAuth(err error) {
	s.log.Error("authentication failed", "error", err)
	s.fail(ErrCodeAuth, err)
}

func (s *Server) failProtocol(err error) {
	s.log.Error("protocol violation", "error", err)
	s.fail(ErrCodeProtocol, err)
}

// fail transitions the server to Failed: the socket closes, every
// outstanding quiet get reports a miss, every other in-flight request
// reports the failure, and the instance error callback fires once.
func (s *Server) fail(code ErrorCode, cause error) {
	if s.state == StateFailed {
		return
	}
	s.state = StateFailed
	s.connected = false
	s.instance.metrics.ServerFailures.Add(1)
	s.dropSocket()
	s.sasl = nil
	s.output.Reset()
	s.pending.Reset()

	status := StatusNetworkError
	if code == ErrCodeProtocol {
		status = StatusProtocolError
	} else if code == ErrCodeAuth {
		status = StatusAuthError
	}
	s.drainLog(status)
	s.instance.cbError(newServerError("io", s.address(), code, cause))
}

// drainLog empties the command log, synthesizing a miss for every
// quiet get and the given status for everything else.
func (s *Server) drainLog(status Status) {
	for {
		req, ok := s.peekLogHead()
		if !ok {
			return
		}
		key := append([]byte(nil), req.Key...)
		opcode := req.Opcode
		s.cmdLog.Consume(req.TotalLen())
		if memdproto.IsQuiet(opcode) {
			s.instance.metrics.Misses.Add(1)
			s.instance.cbGet(StatusKeyEnoent, key, nil, 0, 0)
		} else {
			s.synthesizeFailure(opcode, key, status)
		}
	}
}

// destroy releases the server: outstanding quiet gets synthesize their
// misses against the sentinel sequence number, the socket closes and
// the buffer storage is poisoned.
func (s *Server) destroy() {
	if s.state != StateFailed {
		s.purgeImplicitResponses(s.instance.seqno, true)
		s.drainLog(StatusNetworkError)
	}
	s.dropSocket()
	s.sasl = nil
	s.output.Poison()
	s.pending.Poison()
	s.cmdLog.Poison()
	s.input.Poison()
	s.currentPacket = packetUnset
	s.connected = false
	s.state = StateFailed
}

// quiescent reports whether this server has nothing left to send or
// correlate.
func (s *Server) quiescent() bool {
	if s.state == StateFailed {
		return true
	}
	return s.output.Avail() == 0 && s.pending.Avail() == 0 && s.cmdLog.Avail() == 0
}
