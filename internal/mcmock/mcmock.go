// Package mcmock is a scriptable in-process memcached binary server
// used by the client tests. It implements the storage, arithmetic,
// quiet-get and SASL PLAIN subsets of the protocol over real TCP
// connections, records the opcode sequence it receives, and can be
// told to withhold specific responses.
package mcmock

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/pierrejoye/go-couchbase/internal/memdproto"
)

// Config scripts one mock server.
type Config struct {
	// AuthUser/AuthPass, when set, gate data operations behind a SASL
	// PLAIN exchange with these credentials.
	AuthUser string
	AuthPass string

	// Mechs overrides the advertised mechanism list (default "PLAIN").
	Mechs []string

	// SuppressOpcodes lists request opcodes the server silently
	// swallows, for tests that need a withheld response.
	SuppressOpcodes []uint8
}

type item struct {
	value []byte
	flags uint32
	cas   uint64
}

// Server is one running mock backend.
type Server struct {
	cfg Config
	ln  net.Listener

	mu      sync.Mutex
	items   map[string]item
	trace   []uint8
	casSeq  uint64
	closed  bool
}

// Start listens on a fresh loopback port and serves until Close.
func Start(cfg Config) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{cfg: cfg, ln: ln, items: make(map[string]item)}
	go s.acceptLoop()
	return s, nil
}

// Addr returns the "host:port" the server listens on.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Port returns the listening port.
func (s *Server) Port() int { return s.ln.Addr().(*net.TCPAddr).Port }

// Close stops the listener. Established connections are not closed;
// each ends when its client disconnects.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.ln.Close()
}

// Preload stores an item with an explicit cas, bypassing the wire.
func (s *Server) Preload(key string, value []byte, flags uint32, cas uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = item{value: append([]byte(nil), value...), flags: flags, cas: cas}
	if cas > s.casSeq {
		s.casSeq = cas
	}
}

// Item returns the stored value for key.
func (s *Server) Item(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), it.value...), true
}

// Trace returns the request opcodes received so far, in arrival order.
func (s *Server) Trace() []uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint8(nil), s.trace...)
}

func (s *Server) nextCas() uint64 {
	s.casSeq++
	return s.casSeq
}

func (s *Server) suppressed(opcode uint8) bool {
	for _, op := range s.cfg.SuppressOpcodes {
		if op == opcode {
			return true
		}
	}
	return false
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serve(conn)
	}
}

type connState struct {
	authed bool
}

func (s *Server) serve(conn net.Conn) {
	defer conn.Close()
	st := &connState{authed: s.cfg.AuthUser == ""}
	hdr := make([]byte, memdproto.HeaderSize)
	for {
		if _, err := io.ReadFull(conn, hdr); err != nil {
			return
		}
		h, err := memdproto.ParseHeader(hdr)
		if err != nil {
			return
		}
		body := make([]byte, h.BodyLen)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}
		frame := append(append([]byte(nil), hdr...), body...)
		pkt, err := memdproto.ParsePacket(frame)
		if err != nil {
			return
		}

		s.mu.Lock()
		s.trace = append(s.trace, pkt.Opcode)
		s.mu.Unlock()

		if s.suppressed(pkt.Opcode) {
			continue
		}
		resp := s.handle(st, pkt)
		if resp == nil {
			continue
		}
		if _, err := conn.Write(resp); err != nil {
			return
		}
	}
}

// respond builds a response frame echoing the request's opcode and
// opaque.
func respond(req memdproto.Packet, status uint16, extras, key, value []byte, cas uint64) []byte {
	bodyLen := len(extras) + len(key) + len(value)
	buf := make([]byte, memdproto.HeaderSize+bodyLen)
	buf[0] = memdproto.ResMagic
	buf[1] = req.Opcode
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(key)))
	buf[4] = uint8(len(extras))
	binary.BigEndian.PutUint16(buf[6:8], status)
	binary.BigEndian.PutUint32(buf[8:12], uint32(bodyLen))
	binary.BigEndian.PutUint32(buf[12:16], req.Opaque)
	binary.BigEndian.PutUint64(buf[16:24], cas)
	off := memdproto.HeaderSize
	off += copy(buf[off:], extras)
	off += copy(buf[off:], key)
	copy(buf[off:], value)
	return buf
}

func (s *Server) handle(st *connState, pkt memdproto.Packet) []byte {
	switch pkt.Opcode {
	case memdproto.CmdSaslListMechs:
		mechs := s.cfg.Mechs
		if len(mechs) == 0 {
			mechs = []string{"PLAIN"}
		}
		return respond(pkt, memdproto.StatusSuccess, nil, nil, []byte(strings.Join(mechs, " ")), 0)

	case memdproto.CmdSaslAuth, memdproto.CmdSaslStep:
		return s.handleAuth(st, pkt)
	}

	if !st.authed {
		return respond(pkt, memdproto.StatusAuthError, nil, nil, nil, 0)
	}

	switch pkt.Opcode {
	case memdproto.CmdNoop, memdproto.CmdVersion:
		return respond(pkt, memdproto.StatusSuccess, nil, nil, nil, 0)

	case memdproto.CmdGet, memdproto.CmdGetQ, memdproto.CmdGat, memdproto.CmdGatQ:
		s.mu.Lock()
		it, ok := s.items[string(pkt.Key)]
		s.mu.Unlock()
		if !ok {
			if memdproto.IsQuiet(pkt.Opcode) {
				return nil
			}
			return respond(pkt, memdproto.StatusKeyEnoent, nil, nil, nil, 0)
		}
		extras := make([]byte, 4)
		binary.BigEndian.PutUint32(extras, it.flags)
		return respond(pkt, memdproto.StatusSuccess, extras, nil, it.value, it.cas)

	case memdproto.CmdSet, memdproto.CmdAdd, memdproto.CmdReplace:
		return s.handleStore(pkt)

	case memdproto.CmdAppend, memdproto.CmdPrepend:
		return s.handleConcat(pkt)

	case memdproto.CmdDelete:
		return s.handleDelete(pkt)

	case memdproto.CmdIncrement, memdproto.CmdDecrement:
		return s.handleArithmetic(pkt)
	}

	return respond(pkt, memdproto.StatusEinval, nil, nil, nil, 0)
}

func (s *Server) handleAuth(st *connState, pkt memdproto.Packet) []byte {
	if string(pkt.Key) != "PLAIN" {
		return respond(pkt, memdproto.StatusAuthError, nil, nil, nil, 0)
	}
	parts := bytes.SplitN(pkt.Value, []byte{0}, 3)
	if len(parts) != 3 {
		return respond(pkt, memdproto.StatusAuthError, nil, nil, nil, 0)
	}
	if string(parts[1]) != s.cfg.AuthUser || string(parts[2]) != s.cfg.AuthPass {
		return respond(pkt, memdproto.StatusAuthError, nil, nil, nil, 0)
	}
	st.authed = true
	return respond(pkt, memdproto.StatusSuccess, nil, nil, []byte("Authenticated"), 0)
}

func (s *Server) handleStore(pkt memdproto.Packet) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(pkt.Key)
	existing, exists := s.items[key]
	switch pkt.Opcode {
	case memdproto.CmdAdd:
		if exists {
			return respond(pkt, memdproto.StatusKeyEexists, nil, nil, nil, 0)
		}
	case memdproto.CmdReplace:
		if !exists {
			return respond(pkt, memdproto.StatusKeyEnoent, nil, nil, nil, 0)
		}
	}
	if pkt.Cas != 0 && (!exists || existing.cas != pkt.Cas) {
		return respond(pkt, memdproto.StatusKeyEexists, nil, nil, nil, 0)
	}
	var flags uint32
	if len(pkt.Extras) >= 4 {
		flags = binary.BigEndian.Uint32(pkt.Extras[:4])
	}
	cas := s.nextCas()
	s.items[key] = item{value: append([]byte(nil), pkt.Value...), flags: flags, cas: cas}
	return respond(pkt, memdproto.StatusSuccess, nil, nil, nil, cas)
}

func (s *Server) handleConcat(pkt memdproto.Packet) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(pkt.Key)
	existing, exists := s.items[key]
	if !exists {
		return respond(pkt, memdproto.StatusNotStored, nil, nil, nil, 0)
	}
	if pkt.Cas != 0 && existing.cas != pkt.Cas {
		return respond(pkt, memdproto.StatusKeyEexists, nil, nil, nil, 0)
	}
	var value []byte
	if pkt.Opcode == memdproto.CmdAppend {
		value = append(append([]byte(nil), existing.value...), pkt.Value...)
	} else {
		value = append(append([]byte(nil), pkt.Value...), existing.value...)
	}
	cas := s.nextCas()
	s.items[key] = item{value: value, flags: existing.flags, cas: cas}
	return respond(pkt, memdproto.StatusSuccess, nil, nil, nil, cas)
}

func (s *Server) handleDelete(pkt memdproto.Packet) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(pkt.Key)
	existing, exists := s.items[key]
	if !exists {
		return respond(pkt, memdproto.StatusKeyEnoent, nil, nil, nil, 0)
	}
	if pkt.Cas != 0 && existing.cas != pkt.Cas {
		return respond(pkt, memdproto.StatusKeyEexists, nil, nil, nil, 0)
	}
	delete(s.items, key)
	return respond(pkt, memdproto.StatusSuccess, nil, nil, nil, 0)
}

func (s *Server) handleArithmetic(pkt memdproto.Packet) []byte {
	if len(pkt.Extras) < 20 {
		return respond(pkt, memdproto.StatusEinval, nil, nil, nil, 0)
	}
	delta := binary.BigEndian.Uint64(pkt.Extras[0:8])
	initial := binary.BigEndian.Uint64(pkt.Extras[8:16])
	expiration := binary.BigEndian.Uint32(pkt.Extras[16:20])

	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(pkt.Key)
	existing, exists := s.items[key]

	var counter uint64
	if !exists {
		if expiration == memdproto.NoCreateExpiration {
			return respond(pkt, memdproto.StatusKeyEnoent, nil, nil, nil, 0)
		}
		counter = initial
	} else {
		parsed, err := strconv.ParseUint(string(existing.value), 10, 64)
		if err != nil {
			return respond(pkt, memdproto.StatusDeltaBadval, nil, nil, nil, 0)
		}
		if pkt.Opcode == memdproto.CmdIncrement {
			counter = parsed + delta
		} else if delta > parsed {
			counter = 0
		} else {
			counter = parsed - delta
		}
	}

	cas := s.nextCas()
	s.items[key] = item{
		value: []byte(strconv.FormatUint(counter, 10)),
		flags: existing.flags,
		cas:   cas,
	}
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, counter)
	return respond(pkt, memdproto.StatusSuccess, nil, nil, value, cas)
}
