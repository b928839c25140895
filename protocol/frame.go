package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrInvalidMagic  = errors.New("mcbp: invalid magic")
	ErrInvalidOpcode = errors.New("mcbp: invalid opcode")
	ErrMalformed     = errors.New("mcbp: malformed frame")
)

// Frame is a single MCBP message: a fixed 24-byte header plus the
// extras/key/value sections of the body.
//
// The two-byte specific field of the header is surfaced as Status on
// response frames and VBucket on request frames, selected by Magic at
// encode and decode time. Opaque and Cas are correlation tokens echoed
// by the peer; they are stored in the header as fixed-width big-endian
// so that encode(decode(f)) reproduces the input bytes.
type Frame struct {
	Magic    Magic
	Opcode   uint8
	DataType uint8
	VBucket  uint16 // requests only
	Status   Status // responses only
	Opaque   uint32
	Cas      uint64
	Extras   []byte
	Key      []byte
	Value    []byte
}

// ClientOpcode returns the opcode as a client opcode.
func (f *Frame) ClientOpcode() ClientOpcode {
	return ClientOpcode(f.Opcode)
}

// ServerOpcode returns the opcode as a server request opcode.
func (f *Frame) ServerOpcode() ServerOpcode {
	return ServerOpcode(f.Opcode)
}

func (f *Frame) specific() uint16 {
	if f.Magic.IsResponse() || f.Magic == MagicServerResponse {
		return uint16(f.Status)
	}
	return f.VBucket
}

// Bytes encodes the frame into MCBP wire format.
func (f *Frame) Bytes() []byte {
	bodyLen := len(f.Extras) + len(f.Key) + len(f.Value)
	buf := make([]byte, HeaderSize+bodyLen)
	buf[0] = uint8(f.Magic)
	buf[1] = f.Opcode
	binary.BigEndian.PutUint16(buf[2:], uint16(len(f.Key)))
	buf[4] = uint8(len(f.Extras))
	buf[5] = f.DataType
	binary.BigEndian.PutUint16(buf[6:], f.specific())
	binary.BigEndian.PutUint32(buf[8:], uint32(bodyLen))
	binary.BigEndian.PutUint32(buf[12:], f.Opaque)
	binary.BigEndian.PutUint64(buf[16:], f.Cas)
	n := copy(buf[HeaderSize:], f.Extras)
	n += copy(buf[HeaderSize+n:], f.Key)
	copy(buf[HeaderSize+n:], f.Value)
	return buf
}

// decodeHeader fills the frame from a 24-byte header and returns the
// declared body length. The extras/key/value sections are not touched.
func (f *Frame) decodeHeader(hdr []byte) (int, error) {
	magic := hdr[0]
	if !IsValidMagic(magic) {
		return 0, fmt.Errorf("%w: 0x%02x", ErrInvalidMagic, magic)
	}
	f.Magic = Magic(magic)
	f.Opcode = hdr[1]
	switch f.Magic {
	case MagicClientResponse, MagicAltClientResponse:
		if !IsValidClientOpcode(f.Opcode) {
			return 0, fmt.Errorf("%w: client opcode 0x%02x", ErrInvalidOpcode, f.Opcode)
		}
	case MagicServerRequest:
		if !IsValidServerOpcode(f.Opcode) {
			return 0, fmt.Errorf("%w: server opcode 0x%02x", ErrInvalidOpcode, f.Opcode)
		}
	}
	keyLen := int(binary.BigEndian.Uint16(hdr[2:]))
	extLen := int(hdr[4])
	f.DataType = hdr[5]
	specific := binary.BigEndian.Uint16(hdr[6:])
	if f.Magic.IsResponse() || f.Magic == MagicServerResponse {
		f.Status = Status(specific)
		f.VBucket = 0
	} else {
		f.VBucket = specific
		f.Status = 0
	}
	bodyLen := int(binary.BigEndian.Uint32(hdr[8:]))
	if extLen+keyLen > bodyLen {
		return 0, fmt.Errorf("%w: extras(%d)+key(%d) exceed body(%d)", ErrMalformed, extLen, keyLen, bodyLen)
	}
	f.Opaque = binary.BigEndian.Uint32(hdr[12:])
	f.Cas = binary.BigEndian.Uint64(hdr[16:])
	f.Extras = nil
	f.Key = nil
	f.Value = nil
	return bodyLen, nil
}

// setBody slices the body into extras/key/value using the header fields
// already decoded. body must be exactly the declared body length.
func (f *Frame) setBody(hdr, body []byte) {
	keyLen := int(binary.BigEndian.Uint16(hdr[2:]))
	extLen := int(hdr[4])
	f.Extras = body[:extLen]
	f.Key = body[extLen : extLen+keyLen]
	f.Value = body[extLen+keyLen:]
}

// Outcome is the result of a single Parser.Next call.
type Outcome int

const (
	// Ok means a complete frame was produced.
	Ok Outcome = iota
	// NeedData means more bytes must be fed before a frame completes.
	NeedData
	// Failure means the stream is corrupt and the connection must be
	// torn down; the parser is not restartable after a failure.
	Failure
)

type parserState int

const (
	stateNeedHeader parserState = iota
	stateNeedBody
)

// Parser is a restartable streaming decoder for MCBP frames. Feed
// appends raw bytes; Next yields at most one frame per call and leaves
// the remainder buffered for the next call.
type Parser struct {
	buf     []byte
	state   parserState
	hdr     [HeaderSize]byte
	bodyLen int
	frame   Frame
	err     error
}

// Feed appends raw bytes from the transport to the parse buffer.
func (p *Parser) Feed(data []byte) {
	p.buf = append(p.buf, data...)
}

// Next attempts to decode the next frame from the buffered bytes.
// On Ok the frame is copied into out and the parser is ready for the
// next frame. The body slices of out alias memory owned by out itself,
// not by the parser.
func (p *Parser) Next(out *Frame) Outcome {
	if p.err != nil {
		return Failure
	}
	if p.state == stateNeedHeader {
		if len(p.buf) < HeaderSize {
			return NeedData
		}
		copy(p.hdr[:], p.buf[:HeaderSize])
		bodyLen, err := p.frame.decodeHeader(p.hdr[:])
		if err != nil {
			p.err = err
			return Failure
		}
		p.bodyLen = bodyLen
		p.buf = p.buf[HeaderSize:]
		p.state = stateNeedBody
	}
	if len(p.buf) < p.bodyLen {
		return NeedData
	}
	body := make([]byte, p.bodyLen)
	copy(body, p.buf[:p.bodyLen])
	p.frame.setBody(p.hdr[:], body)
	p.buf = p.buf[p.bodyLen:]
	p.state = stateNeedHeader
	*out = p.frame
	return Ok
}

// Err returns the decode error after Next reported Failure.
func (p *Parser) Err() error {
	return p.err
}
