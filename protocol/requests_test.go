package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHelloRequestAndResponse(t *testing.T) {
	features := []HelloFeature{FeatureXerror, FeatureSelectBucket, FeatureClustermapNotif}
	req := NewHelloRequest(`{"a":"gomcbp/0.1.0","i":"client/session"}`, features)

	assert.Equal(t, MagicClientRequest, req.Magic)
	assert.Equal(t, uint8(OpHello), req.Opcode)
	assert.Len(t, req.Value, 6)
	assert.Equal(t, uint16(FeatureXerror), binary.BigEndian.Uint16(req.Value[0:]))

	resp := &Frame{
		Magic:  MagicClientResponse,
		Opcode: uint8(OpHello),
		Value:  req.Value,
	}
	negotiated, err := ParseHelloResponse(resp)
	require.NoError(t, err)
	assert.Equal(t, features, negotiated)
}

func TestParseHelloResponseRejectsOddLength(t *testing.T) {
	resp := &Frame{Magic: MagicClientResponse, Opcode: uint8(OpHello), Value: []byte{0}}
	_, err := ParseHelloResponse(resp)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestStoreRequestExtras(t *testing.T) {
	req := NewStoreRequest(OpInsert, []byte("key"), []byte("value"), 0xcafe, 60, 0, 12)

	require.Len(t, req.Extras, 8)
	assert.Equal(t, uint32(0xcafe), binary.BigEndian.Uint32(req.Extras[0:]))
	assert.Equal(t, uint32(60), binary.BigEndian.Uint32(req.Extras[4:]))
	assert.Equal(t, uint16(12), req.VBucket)
	assert.Equal(t, []byte("key"), req.Key)
	assert.Equal(t, []byte("value"), req.Value)
}

func TestCounterRequestExtras(t *testing.T) {
	req := NewCounterRequest(OpIncrement, []byte("counter"), 5, 100, 30, 0)

	require.Len(t, req.Extras, 20)
	assert.Equal(t, uint64(5), binary.BigEndian.Uint64(req.Extras[0:]))
	assert.Equal(t, uint64(100), binary.BigEndian.Uint64(req.Extras[8:]))
	assert.Equal(t, uint32(30), binary.BigEndian.Uint32(req.Extras[16:]))
}

func TestParseCounterResponse(t *testing.T) {
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, 105)
	resp := &Frame{Magic: MagicClientResponse, Opcode: uint8(OpIncrement), Value: value}

	parsed, err := ParseCounterResponse(resp)
	require.NoError(t, err)
	assert.Equal(t, uint64(105), parsed)

	_, err = ParseCounterResponse(&Frame{Magic: MagicClientResponse, Opcode: uint8(OpIncrement)})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseGetResponse(t *testing.T) {
	resp := &Frame{
		Magic:  MagicClientResponse,
		Opcode: uint8(OpGet),
		Cas:    77,
		Extras: []byte{0, 0, 0xca, 0xfe},
		Value:  []byte("doc"),
	}
	result, err := ParseGetResponse(resp)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xcafe), result.Flags)
	assert.Equal(t, uint64(77), result.Cas)
	assert.Equal(t, []byte("doc"), result.Value)
}

func TestGetCollectionIDRoundTrip(t *testing.T) {
	req := NewGetCollectionIDRequest("inventory.airline")
	assert.Equal(t, []byte("inventory.airline"), req.Value)

	extras := make([]byte, 12)
	binary.BigEndian.PutUint64(extras[0:], 9)
	binary.BigEndian.PutUint32(extras[8:], 0x2a)
	resp := &Frame{Magic: MagicClientResponse, Opcode: uint8(OpGetCollectionID), Extras: extras}

	manifest, cid, err := ParseGetCollectionIDResponse(resp)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), manifest)
	assert.Equal(t, uint32(0x2a), cid)
}

func TestObserveRequestAndResponse(t *testing.T) {
	req := NewObserveRequest([]byte("key"), 5)
	require.Len(t, req.Value, 7)
	assert.Equal(t, uint16(5), binary.BigEndian.Uint16(req.Value[0:]))
	assert.Equal(t, uint16(3), binary.BigEndian.Uint16(req.Value[2:]))

	body := make([]byte, 4+3+9)
	binary.BigEndian.PutUint16(body[0:], 5)
	binary.BigEndian.PutUint16(body[2:], 3)
	copy(body[4:], "key")
	body[7] = 1 // persisted
	binary.BigEndian.PutUint64(body[8:], 1234)

	result, err := ParseObserveResponse(&Frame{Magic: MagicClientResponse, Opcode: uint8(OpObserve), Value: body})
	require.NoError(t, err)
	assert.Equal(t, uint8(1), result.KeyState)
	assert.Equal(t, uint64(1234), result.Cas)
}

func TestSASLRequests(t *testing.T) {
	auth := NewSASLAuthRequest("PLAIN", []byte("\x00user\x00pass"))
	assert.Equal(t, []byte("PLAIN"), auth.Key)
	assert.Equal(t, []byte("\x00user\x00pass"), auth.Value)

	step := NewSASLStepRequest("SCRAM-SHA1", []byte("c=biws"))
	assert.Equal(t, uint8(OpSASLStep), step.Opcode)
	assert.Equal(t, []byte("SCRAM-SHA1"), step.Key)
}
