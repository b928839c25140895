package protocol

import (
	"encoding/binary"
	"fmt"
)

// Builders for the request frames the session and the operations layer
// send. Callers assign the opaque before encoding.

// NewHelloRequest builds a HELLO request. userAgent is the JSON blob
// identifying the client; features is the requested feature vector.
func NewHelloRequest(userAgent string, features []HelloFeature) *Frame {
	value := make([]byte, 2*len(features))
	for i, f := range features {
		binary.BigEndian.PutUint16(value[2*i:], uint16(f))
	}
	return &Frame{
		Magic:  MagicClientRequest,
		Opcode: uint8(OpHello),
		Key:    []byte(userAgent),
		Value:  value,
	}
}

// ParseHelloResponse extracts the feature vector the server accepted.
func ParseHelloResponse(f *Frame) ([]HelloFeature, error) {
	if len(f.Value)%2 != 0 {
		return nil, fmt.Errorf("%w: odd hello feature list length %d", ErrMalformed, len(f.Value))
	}
	features := make([]HelloFeature, 0, len(f.Value)/2)
	for i := 0; i+1 < len(f.Value); i += 2 {
		features = append(features, HelloFeature(binary.BigEndian.Uint16(f.Value[i:])))
	}
	return features, nil
}

// NewSASLListMechsRequest builds a SASL-LIST-MECHS request.
func NewSASLListMechsRequest() *Frame {
	return &Frame{Magic: MagicClientRequest, Opcode: uint8(OpSASLListMechs)}
}

// NewSASLAuthRequest builds the initial SASL-AUTH request for the given
// mechanism and client-first payload.
func NewSASLAuthRequest(mechanism string, payload []byte) *Frame {
	return &Frame{
		Magic:  MagicClientRequest,
		Opcode: uint8(OpSASLAuth),
		Key:    []byte(mechanism),
		Value:  payload,
	}
}

// NewSASLStepRequest builds a SASL-STEP continuation request.
func NewSASLStepRequest(mechanism string, payload []byte) *Frame {
	return &Frame{
		Magic:  MagicClientRequest,
		Opcode: uint8(OpSASLStep),
		Key:    []byte(mechanism),
		Value:  payload,
	}
}

// NewSelectBucketRequest builds a SELECT-BUCKET request.
func NewSelectBucketRequest(bucket string) *Frame {
	return &Frame{
		Magic:  MagicClientRequest,
		Opcode: uint8(OpSelectBucket),
		Key:    []byte(bucket),
	}
}

// NewGetClusterConfigRequest builds a GET-CLUSTER-CONFIG request.
func NewGetClusterConfigRequest() *Frame {
	return &Frame{Magic: MagicClientRequest, Opcode: uint8(OpGetClusterConfig)}
}

// NewGetErrorMapRequest builds a GET-ERROR-MAP request for the given
// error map format version.
func NewGetErrorMapRequest(version uint16) *Frame {
	value := make([]byte, 2)
	binary.BigEndian.PutUint16(value, version)
	return &Frame{
		Magic:  MagicClientRequest,
		Opcode: uint8(OpGetErrorMap),
		Value:  value,
	}
}

// NewGetCollectionsManifestRequest builds a GET-COLLECTIONS-MANIFEST
// request.
func NewGetCollectionsManifestRequest() *Frame {
	return &Frame{Magic: MagicClientRequest, Opcode: uint8(OpGetCollectionsManifest)}
}

// NewGetCollectionIDRequest builds a GET-COLLECTION-ID request for a
// fully-qualified "scope.collection" path.
func NewGetCollectionIDRequest(path string) *Frame {
	return &Frame{
		Magic:  MagicClientRequest,
		Opcode: uint8(OpGetCollectionID),
		Value:  []byte(path),
	}
}

// ParseGetCollectionIDResponse extracts the manifest uid and collection
// id from a GET-COLLECTION-ID response.
func ParseGetCollectionIDResponse(f *Frame) (manifestUID uint64, collectionID uint32, err error) {
	if len(f.Extras) < 12 {
		return 0, 0, fmt.Errorf("%w: get_collection_id extras too short (%d)", ErrMalformed, len(f.Extras))
	}
	return binary.BigEndian.Uint64(f.Extras[0:]), binary.BigEndian.Uint32(f.Extras[8:]), nil
}

// NewGetRequest builds a GET request.
func NewGetRequest(key []byte, vbucket uint16) *Frame {
	return &Frame{
		Magic:   MagicClientRequest,
		Opcode:  uint8(OpGet),
		VBucket: vbucket,
		Key:     key,
	}
}

// NewGetAndTouchRequest builds a GET-AND-TOUCH request; expiry is in
// seconds.
func NewGetAndTouchRequest(key []byte, expiry uint32, vbucket uint16) *Frame {
	return &Frame{
		Magic:   MagicClientRequest,
		Opcode:  uint8(OpGetAndTouch),
		VBucket: vbucket,
		Extras:  be32(expiry),
		Key:     key,
	}
}

// NewGetAndLockRequest builds a GET-AND-LOCK request; lockTime is in
// seconds.
func NewGetAndLockRequest(key []byte, lockTime uint32, vbucket uint16) *Frame {
	return &Frame{
		Magic:   MagicClientRequest,
		Opcode:  uint8(OpGetAndLock),
		VBucket: vbucket,
		Extras:  be32(lockTime),
		Key:     key,
	}
}

// NewTouchRequest builds a TOUCH request; expiry is in seconds.
func NewTouchRequest(key []byte, expiry uint32, vbucket uint16) *Frame {
	return &Frame{
		Magic:   MagicClientRequest,
		Opcode:  uint8(OpTouch),
		VBucket: vbucket,
		Extras:  be32(expiry),
		Key:     key,
	}
}

// NewUnlockRequest builds an UNLOCK request. cas must be the value
// returned by the locking get.
func NewUnlockRequest(key []byte, cas uint64, vbucket uint16) *Frame {
	return &Frame{
		Magic:   MagicClientRequest,
		Opcode:  uint8(OpUnlock),
		VBucket: vbucket,
		Cas:     cas,
		Key:     key,
	}
}

// NewStoreRequest builds an insert, upsert or replace request. The
// extras carry the item flags and expiry.
func NewStoreRequest(opcode ClientOpcode, key, value []byte, flags, expiry uint32, cas uint64, vbucket uint16) *Frame {
	extras := make([]byte, 8)
	binary.BigEndian.PutUint32(extras[0:], flags)
	binary.BigEndian.PutUint32(extras[4:], expiry)
	return &Frame{
		Magic:   MagicClientRequest,
		Opcode:  uint8(opcode),
		VBucket: vbucket,
		Cas:     cas,
		Extras:  extras,
		Key:     key,
		Value:   value,
	}
}

// NewRemoveRequest builds a REMOVE request.
func NewRemoveRequest(key []byte, cas uint64, vbucket uint16) *Frame {
	return &Frame{
		Magic:   MagicClientRequest,
		Opcode:  uint8(OpRemove),
		VBucket: vbucket,
		Cas:     cas,
		Key:     key,
	}
}

// NewCounterRequest builds an INCREMENT or DECREMENT request. initial
// is the value stored when the key does not exist; expiry 0xffffffff
// disables creation.
func NewCounterRequest(opcode ClientOpcode, key []byte, delta, initial uint64, expiry uint32, vbucket uint16) *Frame {
	extras := make([]byte, 20)
	binary.BigEndian.PutUint64(extras[0:], delta)
	binary.BigEndian.PutUint64(extras[8:], initial)
	binary.BigEndian.PutUint32(extras[16:], expiry)
	return &Frame{
		Magic:   MagicClientRequest,
		Opcode:  uint8(opcode),
		VBucket: vbucket,
		Extras:  extras,
		Key:     key,
	}
}

// ParseCounterResponse extracts the post-operation counter value.
func ParseCounterResponse(f *Frame) (uint64, error) {
	if len(f.Value) < 8 {
		return 0, fmt.Errorf("%w: counter response body too short (%d)", ErrMalformed, len(f.Value))
	}
	return binary.BigEndian.Uint64(f.Value), nil
}

// NewObserveRequest builds an OBSERVE request for a single key.
func NewObserveRequest(key []byte, vbucket uint16) *Frame {
	value := make([]byte, 4+len(key))
	binary.BigEndian.PutUint16(value[0:], vbucket)
	binary.BigEndian.PutUint16(value[2:], uint16(len(key)))
	copy(value[4:], key)
	return &Frame{
		Magic:  MagicClientRequest,
		Opcode: uint8(OpObserve),
		Value:  value,
	}
}

// ObserveResult is the parsed body of an OBSERVE response for a single
// key.
type ObserveResult struct {
	KeyState uint8
	Cas      uint64
}

// ParseObserveResponse extracts the key state and cas of the first
// key record of an OBSERVE response.
func ParseObserveResponse(f *Frame) (ObserveResult, error) {
	body := f.Value
	if len(body) < 4 {
		return ObserveResult{}, fmt.Errorf("%w: observe response body too short (%d)", ErrMalformed, len(body))
	}
	keyLen := int(binary.BigEndian.Uint16(body[2:]))
	if len(body) < 4+keyLen+9 {
		return ObserveResult{}, fmt.Errorf("%w: truncated observe response", ErrMalformed)
	}
	return ObserveResult{
		KeyState: body[4+keyLen],
		Cas:      binary.BigEndian.Uint64(body[4+keyLen+1:]),
	}, nil
}

// GetResult is the parsed body of a get-family response.
type GetResult struct {
	Flags uint32
	Cas   uint64
	Value []byte
}

// ParseGetResponse extracts flags, cas and value from a get-family
// response.
func ParseGetResponse(f *Frame) (GetResult, error) {
	if len(f.Extras) < 4 {
		return GetResult{}, fmt.Errorf("%w: get response extras too short (%d)", ErrMalformed, len(f.Extras))
	}
	return GetResult{
		Flags: binary.BigEndian.Uint32(f.Extras),
		Cas:   f.Cas,
		Value: f.Value,
	}, nil
}

func be32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}
