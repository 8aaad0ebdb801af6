package memdproto

import (
	"encoding/binary"
	"errors"
)

// ErrShortFrame is returned when a buffer does not hold a complete
// header, or the header announces more body than the caller supplied.
var ErrShortFrame = errors.New("memdproto: short frame")

// ErrBadMagic is returned for a frame that is neither a request nor a
// response.
var ErrBadMagic = errors.New("memdproto: bad magic byte")

// Header is the decoded form of the 24-byte frame header. VBucket and
// Status share wire offset 6..8: VBucket is meaningful for requests,
// Status for responses.
type Header struct {
	Magic    uint8
	Opcode   uint8
	KeyLen   uint16
	ExtLen   uint8
	DataType uint8
	VBucket  uint16
	Status   uint16
	BodyLen  uint32
	Opaque   uint32
	Cas      uint64
}

// TotalLen returns the full frame size, header included.
func (h *Header) TotalLen() int { return HeaderSize + int(h.BodyLen) }

// ParseHeader decodes a frame header from the start of b.
func ParseHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, ErrShortFrame
	}
	h.Magic = b[0]
	if h.Magic != ReqMagic && h.Magic != ResMagic {
		return h, ErrBadMagic
	}
	h.Opcode = b[1]
	h.KeyLen = binary.BigEndian.Uint16(b[2:4])
	h.ExtLen = b[4]
	h.DataType = b[5]
	field := binary.BigEndian.Uint16(b[6:8])
	if h.Magic == ReqMagic {
		h.VBucket = field
	} else {
		h.Status = field
	}
	h.BodyLen = binary.BigEndian.Uint32(b[8:12])
	h.Opaque = binary.BigEndian.Uint32(b[12:16])
	h.Cas = binary.BigEndian.Uint64(b[16:24])
	return h, nil
}

// Packet is a decoded frame: the header plus views into the body
// sections. The slices alias the caller's buffer and must be copied to
// outlive it.
type Packet struct {
	Header
	Extras []byte
	Key    []byte
	Value  []byte
}

// ParsePacket decodes a complete frame from the start of b. b must hold
// at least Header.TotalLen() bytes.
func ParsePacket(b []byte) (Packet, error) {
	var p Packet
	h, err := ParseHeader(b)
	if err != nil {
		return p, err
	}
	if len(b) < h.TotalLen() {
		return p, ErrShortFrame
	}
	if int(h.ExtLen)+int(h.KeyLen) > int(h.BodyLen) {
		return p, ErrShortFrame
	}
	body := b[HeaderSize:h.TotalLen()]
	p.Header = h
	p.Extras = body[:h.ExtLen]
	p.Key = body[h.ExtLen : int(h.ExtLen)+int(h.KeyLen)]
	p.Value = body[int(h.ExtLen)+int(h.KeyLen):]
	return p, nil
}

// Request describes an outbound frame before encoding.
type Request struct {
	Opcode  uint8
	VBucket uint16
	Opaque  uint32
	Cas     uint64
	Extras  []byte
	Key     []byte
	Value   []byte
}

// Size returns the encoded frame length.
func (r *Request) Size() int {
	return HeaderSize + len(r.Extras) + len(r.Key) + len(r.Value)
}

// Encode serializes the request into a fresh byte slice.
func (r *Request) Encode() []byte {
	buf := make([]byte, r.Size())
	bodyLen := len(r.Extras) + len(r.Key) + len(r.Value)

	buf[0] = ReqMagic
	buf[1] = r.Opcode
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(r.Key)))
	buf[4] = uint8(len(r.Extras))
	buf[5] = RawBytes
	binary.BigEndian.PutUint16(buf[6:8], r.VBucket)
	binary.BigEndian.PutUint32(buf[8:12], uint32(bodyLen))
	binary.BigEndian.PutUint32(buf[12:16], r.Opaque)
	binary.BigEndian.PutUint64(buf[16:24], r.Cas)

	off := HeaderSize
	off += copy(buf[off:], r.Extras)
	off += copy(buf[off:], r.Key)
	copy(buf[off:], r.Value)
	return buf
}

// StoreExtras builds the 8-byte flags+expiration extras used by SET,
// ADD and REPLACE. APPEND and PREPEND carry no extras.
func StoreExtras(flags, expiration uint32) []byte {
	ext := make([]byte, 8)
	binary.BigEndian.PutUint32(ext[0:4], flags)
	binary.BigEndian.PutUint32(ext[4:8], expiration)
	return ext
}

// ArithmeticExtras builds the 20-byte delta+initial+expiration extras
// used by INCREMENT and DECREMENT.
func ArithmeticExtras(delta, initial uint64, expiration uint32) []byte {
	ext := make([]byte, 20)
	binary.BigEndian.PutUint64(ext[0:8], delta)
	binary.BigEndian.PutUint64(ext[8:16], initial)
	binary.BigEndian.PutUint32(ext[16:20], expiration)
	return ext
}

// TouchExtras builds the 4-byte expiration extras used by GAT and GATQ.
func TouchExtras(expiration uint32) []byte {
	ext := make([]byte, 4)
	binary.BigEndian.PutUint32(ext, expiration)
	return ext
}
