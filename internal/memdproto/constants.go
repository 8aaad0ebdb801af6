// Package memdproto implements framing for the memcached binary
// protocol: the 24-byte header, request encoding and response decoding.
// All multi-byte scalars are big-endian on the wire.
package memdproto

// Magic bytes.
const (
	ReqMagic = 0x80
	ResMagic = 0x81
)

// HeaderSize is the fixed size of a request or response header.
const HeaderSize = 24

// RawBytes is the only datatype the client sends.
const RawBytes = 0x00

// Opcodes. The wire values are fixed by the protocol; cluster
// compatibility depends on them.
const (
	CmdGet           = 0x00
	CmdSet           = 0x01
	CmdAdd           = 0x02
	CmdReplace       = 0x03
	CmdDelete        = 0x04
	CmdIncrement     = 0x05
	CmdDecrement     = 0x06
	CmdGetQ          = 0x09
	CmdNoop          = 0x0a
	CmdVersion       = 0x0b
	CmdAppend        = 0x0e
	CmdPrepend       = 0x0f
	CmdSaslListMechs = 0x20
	CmdSaslAuth      = 0x21
	CmdSaslStep      = 0x22
	CmdGat           = 0x1c
	CmdGatQ          = 0x1d

	CmdTapConnect    = 0x40
	CmdTapMutation   = 0x41
	CmdTapDelete     = 0x42
	CmdTapFlush      = 0x43
	CmdTapOpaque     = 0x44
	CmdTapVBucketSet = 0x45
)

// Response status codes.
const (
	StatusSuccess      = 0x00
	StatusKeyEnoent    = 0x01
	StatusKeyEexists   = 0x02
	StatusE2Big        = 0x03
	StatusEinval       = 0x04
	StatusNotStored    = 0x05
	StatusDeltaBadval  = 0x06
	StatusAuthError    = 0x20
	StatusAuthContinue = 0x21
)

// Protocol limits enforced before a frame is built.
const (
	MaxKeyLen   = 250
	MaxValueLen = 20 * 1024 * 1024
)

// NoCreateExpiration in the arithmetic extras tells the server not to
// create the key if it is absent.
const NoCreateExpiration = 0xffffffff

// IsQuiet reports whether the opcode only generates a response on the
// non-default outcome (a miss produces silence).
func IsQuiet(opcode uint8) bool {
	return opcode == CmdGetQ || opcode == CmdGatQ
}
