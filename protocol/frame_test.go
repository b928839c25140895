package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
	}{
		{
			name: "request with all sections",
			frame: Frame{
				Magic:    MagicClientRequest,
				Opcode:   uint8(OpUpsert),
				DataType: 0x01,
				VBucket:  0x0203,
				Opaque:   0xdeadbeef,
				Cas:      0x1122334455667788,
				Extras:   []byte{0, 0, 0, 1, 0, 0, 0, 60},
				Key:      []byte("airline_10"),
				Value:    []byte(`{"name":"40-Mile Air"}`),
			},
		},
		{
			name: "response with status",
			frame: Frame{
				Magic:  MagicClientResponse,
				Opcode: uint8(OpGet),
				Status: StatusNotFound,
				Opaque: 7,
			},
		},
		{
			name: "server request",
			frame: Frame{
				Magic:  MagicServerRequest,
				Opcode: uint8(OpClustermapChangeNotification),
				Key:    []byte("travel-sample"),
				Value:  []byte(`{"rev":42}`),
			},
		},
		{
			name: "alt response",
			frame: Frame{
				Magic:  MagicAltClientResponse,
				Opcode: uint8(OpSubdocMultiMutation),
				Status: StatusSubdocMultiPathFailure,
				Opaque: 99,
				Value:  []byte{0, 0xc0},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := tt.frame.Bytes()

			var parser Parser
			parser.Feed(encoded)
			var decoded Frame
			require.Equal(t, Ok, parser.Next(&decoded))

			assert.Equal(t, encoded, decoded.Bytes(), "encode(decode(F)) must reproduce F")
		})
	}
}

func TestParserChunkedFeed(t *testing.T) {
	frame := Frame{
		Magic:   MagicClientResponse,
		Opcode:  uint8(OpGet),
		Status:  StatusSuccess,
		Opaque:  42,
		Cas:     1,
		Extras:  []byte{0, 0, 0, 0},
		Value:   []byte("hello world"),
	}
	encoded := frame.Bytes()

	var parser Parser
	var decoded Frame
	// Feed one byte at a time; the parser must report need-data until
	// the frame completes.
	for i, b := range encoded {
		parser.Feed([]byte{b})
		outcome := parser.Next(&decoded)
		if i < len(encoded)-1 {
			require.Equal(t, NeedData, outcome, "offset %d", i)
		} else {
			require.Equal(t, Ok, outcome)
		}
	}
	assert.Equal(t, encoded, decoded.Bytes())
}

func TestParserMultipleFrames(t *testing.T) {
	first := Frame{Magic: MagicClientResponse, Opcode: uint8(OpGet), Opaque: 1, Value: []byte("a")}
	second := Frame{Magic: MagicClientResponse, Opcode: uint8(OpRemove), Opaque: 2}

	var parser Parser
	parser.Feed(append(first.Bytes(), second.Bytes()...))

	var decoded Frame
	require.Equal(t, Ok, parser.Next(&decoded))
	assert.Equal(t, uint32(1), decoded.Opaque)
	assert.Equal(t, []byte("a"), decoded.Value)

	require.Equal(t, Ok, parser.Next(&decoded))
	assert.Equal(t, uint32(2), decoded.Opaque)

	assert.Equal(t, NeedData, parser.Next(&decoded))
}

func TestParserRejectsInvalidMagic(t *testing.T) {
	frame := Frame{Magic: MagicClientResponse, Opcode: uint8(OpGet)}
	encoded := frame.Bytes()
	encoded[0] = 0x42

	var parser Parser
	parser.Feed(encoded)
	var decoded Frame
	require.Equal(t, Failure, parser.Next(&decoded))
	assert.ErrorIs(t, parser.Err(), ErrInvalidMagic)
}

func TestParserRejectsUnknownClientOpcode(t *testing.T) {
	frame := Frame{Magic: MagicClientResponse, Opcode: 0x42}
	var parser Parser
	parser.Feed(frame.Bytes())
	var decoded Frame
	require.Equal(t, Failure, parser.Next(&decoded))
	assert.ErrorIs(t, parser.Err(), ErrInvalidOpcode)
}

func TestParserRejectsUnknownServerOpcode(t *testing.T) {
	frame := Frame{Magic: MagicServerRequest, Opcode: 0x7f}
	var parser Parser
	parser.Feed(frame.Bytes())
	var decoded Frame
	require.Equal(t, Failure, parser.Next(&decoded))
	assert.ErrorIs(t, parser.Err(), ErrInvalidOpcode)
}

func TestParserRejectsOversizedSections(t *testing.T) {
	// extras-length + key-length must not exceed total-body-length
	frame := Frame{Magic: MagicClientRequest, Opcode: uint8(OpGet), Key: []byte("k")}
	encoded := frame.Bytes()
	encoded[4] = 200 // extras length

	var parser Parser
	parser.Feed(encoded)
	var decoded Frame
	require.Equal(t, Failure, parser.Next(&decoded))
	assert.ErrorIs(t, parser.Err(), ErrMalformed)
}

func TestParserRestartsAfterEachFrame(t *testing.T) {
	var parser Parser
	for i := 0; i < 10; i++ {
		frame := Frame{Magic: MagicClientResponse, Opcode: uint8(OpGet), Opaque: uint32(i)}
		parser.Feed(frame.Bytes())
		var decoded Frame
		require.Equal(t, Ok, parser.Next(&decoded))
		require.Equal(t, uint32(i), decoded.Opaque)
	}
}
