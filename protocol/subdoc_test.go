package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutateInRequestLayout(t *testing.T) {
	specs := []MutateInSpec{
		{Op: SubdocDictUpsert, Flags: PathFlagCreateParents, Path: "a.b", Param: []byte("1")},
		{Op: SubdocRemove, Flags: PathFlagXattr, Path: "meta.rev"},
	}
	req := NewMutateInRequest([]byte("doc"), 0, specs, 0, 0)

	body := req.Value
	// first entry: opcode, flags, path len, param len, path, param
	assert.Equal(t, uint8(SubdocDictUpsert), body[0])
	assert.Equal(t, PathFlagCreateParents, body[1])
	assert.Equal(t, uint16(3), binary.BigEndian.Uint16(body[2:]))
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(body[4:]))
	assert.Equal(t, "a.b", string(body[8:11]))
	assert.Equal(t, "1", string(body[11:12]))

	second := body[12:]
	assert.Equal(t, uint8(SubdocRemove), second[0])
	assert.Equal(t, PathFlagXattr, second[1])
	assert.Equal(t, uint16(8), binary.BigEndian.Uint16(second[2:]))
	assert.Equal(t, uint32(0), binary.BigEndian.Uint32(second[4:]))
	assert.Equal(t, "meta.rev", string(second[8:16]))

	assert.Empty(t, req.Extras)
}

func TestMutateInRequestDocFlags(t *testing.T) {
	req := NewMutateInRequest([]byte("doc"), DocFlagAccessDeleted,
		[]MutateInSpec{{Op: SubdocDictUpsert, Path: "a", Param: []byte("1")}}, 0, 0)
	assert.Equal(t, []byte{DocFlagAccessDeleted}, req.Extras)
}

func TestLookupInRequestLayout(t *testing.T) {
	specs := []LookupInSpec{
		{Op: SubdocGet, Path: "name"},
		{Op: SubdocExists, Flags: PathFlagXattr, Path: "meta"},
	}
	req := NewLookupInRequest([]byte("doc"), 0, specs, 0)

	body := req.Value
	assert.Equal(t, uint8(SubdocGet), body[0])
	assert.Equal(t, uint8(0), body[1])
	assert.Equal(t, uint16(4), binary.BigEndian.Uint16(body[2:]))
	assert.Equal(t, "name", string(body[4:8]))

	second := body[8:]
	assert.Equal(t, uint8(SubdocExists), second[0])
	assert.Equal(t, PathFlagXattr, second[1])
	assert.Equal(t, uint16(4), binary.BigEndian.Uint16(second[2:]))
	assert.Equal(t, "meta", string(second[4:8]))
}

func TestParseMutateInResponseMultiPathFailure(t *testing.T) {
	// Two fields: {index=0, status=path_not_found} and
	// {index=1, status=success, value="42 "}.
	var body []byte
	body = append(body, 0)
	body = binary.BigEndian.AppendUint16(body, uint16(StatusSubdocPathNotFound))
	body = append(body, 1)
	body = binary.BigEndian.AppendUint16(body, uint16(StatusSuccess))
	body = binary.BigEndian.AppendUint32(body, 3)
	body = append(body, []byte("42 ")...)

	resp := &Frame{
		Magic:  MagicClientResponse,
		Opcode: uint8(OpSubdocMultiMutation),
		Status: StatusSubdocMultiPathFailure,
		Value:  body,
	}
	fields, err := ParseMutateInResponse(resp)
	require.NoError(t, err)
	require.Len(t, fields, 2)

	assert.Equal(t, uint8(0), fields[0].Index)
	assert.Equal(t, StatusSubdocPathNotFound, fields[0].Status)
	assert.Empty(t, fields[0].Value)

	assert.Equal(t, uint8(1), fields[1].Index)
	assert.Equal(t, StatusSuccess, fields[1].Status)
	assert.Equal(t, []byte("42 "), fields[1].Value)
}

func TestParseMutateInResponseRejectsFailureStatus(t *testing.T) {
	resp := &Frame{
		Magic:  MagicClientResponse,
		Opcode: uint8(OpSubdocMultiMutation),
		Status: StatusNotFound,
	}
	_, err := ParseMutateInResponse(resp)
	assert.Error(t, err)
}

func TestParseMutateInResponseRejectsBadIndex(t *testing.T) {
	body := []byte{16}
	body = binary.BigEndian.AppendUint16(body, uint16(StatusSuccess))
	body = binary.BigEndian.AppendUint32(body, 0)
	resp := &Frame{
		Magic:  MagicClientResponse,
		Opcode: uint8(OpSubdocMultiMutation),
		Status: StatusSuccess,
		Value:  body,
	}
	_, err := ParseMutateInResponse(resp)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseMutateInResponseRejectsTruncatedValue(t *testing.T) {
	body := []byte{0}
	body = binary.BigEndian.AppendUint16(body, uint16(StatusSuccess))
	body = binary.BigEndian.AppendUint32(body, 10)
	body = append(body, 'x')
	resp := &Frame{
		Magic:  MagicClientResponse,
		Opcode: uint8(OpSubdocMultiMutation),
		Status: StatusSuccess,
		Value:  body,
	}
	_, err := ParseMutateInResponse(resp)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseLookupInResponse(t *testing.T) {
	var body []byte
	body = binary.BigEndian.AppendUint16(body, uint16(StatusSuccess))
	body = binary.BigEndian.AppendUint32(body, 6)
	body = append(body, []byte(`"40-a"`)...)
	body = binary.BigEndian.AppendUint16(body, uint16(StatusSubdocPathNotFound))
	body = binary.BigEndian.AppendUint32(body, 0)

	resp := &Frame{
		Magic:  MagicClientResponse,
		Opcode: uint8(OpSubdocMultiLookup),
		Status: StatusSubdocMultiPathFailure,
		Value:  body,
	}
	fields, err := ParseLookupInResponse(resp)
	require.NoError(t, err)
	require.Len(t, fields, 2)
	assert.Equal(t, uint8(0), fields[0].Index)
	assert.Equal(t, StatusSuccess, fields[0].Status)
	assert.Len(t, fields[0].Value, 6)
	assert.Equal(t, uint8(1), fields[1].Index)
	assert.Equal(t, StatusSubdocPathNotFound, fields[1].Status)
}

func TestBuildPathFlags(t *testing.T) {
	assert.Equal(t, uint8(0), BuildPathFlags(false, false, false))
	assert.Equal(t, PathFlagXattr, BuildPathFlags(true, false, false))
	assert.Equal(t, PathFlagXattr|PathFlagCreateParents, BuildPathFlags(true, true, false))
	assert.Equal(t, PathFlagXattr|PathFlagCreateParents|PathFlagExpandMacros, BuildPathFlags(true, true, true))
}
