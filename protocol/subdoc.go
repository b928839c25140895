package protocol

import (
	"encoding/binary"
	"fmt"
)

// Path flags for subdocument specs.
const (
	PathFlagCreateParents uint8 = 0x01
	PathFlagXattr         uint8 = 0x04
	PathFlagExpandMacros  uint8 = 0x10
)

// Doc flags carried in the extras of subdocument multi requests.
const (
	DocFlagAccessDeleted uint8 = 0x04
)

// maxSubdocValueLen bounds a single per-field value in a subdocument
// response.
const maxSubdocValueLen = 20 * 1024 * 1024

// BuildPathFlags assembles a path-flags bitfield.
func BuildPathFlags(xattr, createParents, expandMacros bool) uint8 {
	var flags uint8
	if xattr {
		flags |= PathFlagXattr
	}
	if createParents {
		flags |= PathFlagCreateParents
	}
	if expandMacros {
		flags |= PathFlagExpandMacros
	}
	return flags
}

// LookupInSpec is one path-level read inside a multi-lookup frame.
type LookupInSpec struct {
	Op    SubdocOpcode
	Flags uint8
	Path  string
}

// MutateInSpec is one path-level mutation inside a multi-mutation frame.
type MutateInSpec struct {
	Op    SubdocOpcode
	Flags uint8
	Path  string
	Param []byte
}

// SubdocField is one per-path record of a subdocument response body.
type SubdocField struct {
	Index  uint8
	Status Status
	Value  []byte
}

// NewLookupInRequest builds a subdocument multi-lookup request. Each
// entry on the wire is: 1-byte subdoc opcode, 1-byte path flags, 2-byte
// path length, path bytes.
func NewLookupInRequest(key []byte, docFlags uint8, specs []LookupInSpec, vbucket uint16) *Frame {
	size := 0
	for _, s := range specs {
		size += 1 + 1 + 2 + len(s.Path)
	}
	value := make([]byte, size)
	offset := 0
	for _, s := range specs {
		value[offset] = uint8(s.Op)
		value[offset+1] = s.Flags
		binary.BigEndian.PutUint16(value[offset+2:], uint16(len(s.Path)))
		offset += 4
		offset += copy(value[offset:], s.Path)
	}
	return &Frame{
		Magic:   MagicClientRequest,
		Opcode:  uint8(OpSubdocMultiLookup),
		VBucket: vbucket,
		Extras:  subdocExtras(docFlags),
		Key:     key,
		Value:   value,
	}
}

// NewMutateInRequest builds a subdocument multi-mutation request. Each
// entry on the wire is: 1-byte subdoc opcode, 1-byte path flags, 2-byte
// path length, 4-byte param length, path bytes, param bytes. The extras
// are empty or a single byte of doc flags.
func NewMutateInRequest(key []byte, docFlags uint8, specs []MutateInSpec, cas uint64, vbucket uint16) *Frame {
	size := 0
	for _, s := range specs {
		size += 1 + 1 + 2 + 4 + len(s.Path) + len(s.Param)
	}
	value := make([]byte, size)
	offset := 0
	for _, s := range specs {
		value[offset] = uint8(s.Op)
		value[offset+1] = s.Flags
		binary.BigEndian.PutUint16(value[offset+2:], uint16(len(s.Path)))
		binary.BigEndian.PutUint32(value[offset+4:], uint32(len(s.Param)))
		offset += 8
		offset += copy(value[offset:], s.Path)
		offset += copy(value[offset:], s.Param)
	}
	return &Frame{
		Magic:   MagicClientRequest,
		Opcode:  uint8(OpSubdocMultiMutation),
		VBucket: vbucket,
		Cas:     cas,
		Extras:  subdocExtras(docFlags),
		Key:     key,
		Value:   value,
	}
}

func subdocExtras(docFlags uint8) []byte {
	if docFlags == 0 {
		return nil
	}
	return []byte{docFlags}
}

// ParseLookupInResponse parses a multi-lookup response body: for each
// requested path, a 2-byte status followed by a 4-byte value length and
// the value bytes. Field indexes are positional.
func ParseLookupInResponse(f *Frame) ([]SubdocField, error) {
	if !f.Status.IsSuccess() {
		return nil, fmt.Errorf("%w: lookup_in response status 0x%04x", ErrMalformed, uint16(f.Status))
	}
	body := f.Value
	fields := make([]SubdocField, 0, 4)
	offset := 0
	for offset < len(body) {
		if offset+6 > len(body) {
			return nil, fmt.Errorf("%w: truncated lookup_in field at offset %d", ErrMalformed, offset)
		}
		var field SubdocField
		field.Index = uint8(len(fields))
		field.Status = Status(binary.BigEndian.Uint16(body[offset:]))
		size := int(binary.BigEndian.Uint32(body[offset+2:]))
		offset += 6
		if size > maxSubdocValueLen {
			return nil, fmt.Errorf("%w: lookup_in value length %d", ErrMalformed, size)
		}
		if offset+size > len(body) {
			return nil, fmt.Errorf("%w: truncated lookup_in value at offset %d", ErrMalformed, offset)
		}
		field.Value = body[offset : offset+size]
		offset += size
		fields = append(fields, field)
	}
	return fields, nil
}

// ParseMutateInResponse parses a multi-mutation response body: a
// sequence of records, each a 1-byte field index (< 16) and a 2-byte
// status; successful records additionally carry a 4-byte value length
// and the value bytes. Accepted only when the overall status is success
// or subdoc-multi-path-failure (or their deleted variants).
func ParseMutateInResponse(f *Frame) ([]SubdocField, error) {
	if !f.Status.IsSuccess() {
		return nil, fmt.Errorf("%w: mutate_in response status 0x%04x", ErrMalformed, uint16(f.Status))
	}
	body := f.Value
	fields := make([]SubdocField, 0, 4)
	offset := 0
	for offset < len(body) {
		if offset+3 > len(body) {
			return nil, fmt.Errorf("%w: truncated mutate_in field at offset %d", ErrMalformed, offset)
		}
		var field SubdocField
		field.Index = body[offset]
		if field.Index >= 16 {
			return nil, fmt.Errorf("%w: mutate_in field index %d", ErrMalformed, field.Index)
		}
		field.Status = Status(binary.BigEndian.Uint16(body[offset+1:]))
		offset += 3
		if field.Status == StatusSuccess {
			if offset+4 > len(body) {
				return nil, fmt.Errorf("%w: truncated mutate_in value length at offset %d", ErrMalformed, offset)
			}
			size := int(binary.BigEndian.Uint32(body[offset:]))
			offset += 4
			if size > maxSubdocValueLen {
				return nil, fmt.Errorf("%w: mutate_in value length %d", ErrMalformed, size)
			}
			if offset+size > len(body) {
				return nil, fmt.Errorf("%w: truncated mutate_in value at offset %d", ErrMalformed, offset)
			}
			field.Value = body[offset : offset+size]
			offset += size
		}
		fields = append(fields, field)
	}
	return fields, nil
}
