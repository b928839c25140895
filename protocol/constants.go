package protocol

// HeaderSize is the fixed size of an MCBP frame header.
const HeaderSize = 24

// Magic discriminates the five recognized MCBP frame kinds.
type Magic uint8

const (
	MagicClientRequest     Magic = 0x80
	MagicClientResponse    Magic = 0x81
	MagicAltClientResponse Magic = 0x18
	MagicServerRequest     Magic = 0x82
	MagicServerResponse    Magic = 0x83
)

// IsValidMagic reports whether b is one of the five recognized magic bytes.
func IsValidMagic(b uint8) bool {
	switch Magic(b) {
	case MagicClientRequest, MagicClientResponse, MagicAltClientResponse,
		MagicServerRequest, MagicServerResponse:
		return true
	}
	return false
}

// IsResponse reports whether the magic marks a client response frame.
func (m Magic) IsResponse() bool {
	return m == MagicClientResponse || m == MagicAltClientResponse
}

func (m Magic) String() string {
	switch m {
	case MagicClientRequest:
		return "client_request"
	case MagicClientResponse:
		return "client_response"
	case MagicAltClientResponse:
		return "alt_client_response"
	case MagicServerRequest:
		return "server_request"
	case MagicServerResponse:
		return "server_response"
	}
	return "unknown"
}

// ClientOpcode identifies a client-initiated MCBP command.
type ClientOpcode uint8

const (
	OpGet                    ClientOpcode = 0x00
	OpUpsert                 ClientOpcode = 0x01
	OpInsert                 ClientOpcode = 0x02
	OpReplace                ClientOpcode = 0x03
	OpRemove                 ClientOpcode = 0x04
	OpIncrement              ClientOpcode = 0x05
	OpDecrement              ClientOpcode = 0x06
	OpTouch                  ClientOpcode = 0x1c
	OpGetAndTouch            ClientOpcode = 0x1d
	OpHello                  ClientOpcode = 0x1f
	OpSASLListMechs          ClientOpcode = 0x20
	OpSASLAuth               ClientOpcode = 0x21
	OpSASLStep               ClientOpcode = 0x22
	OpSelectBucket           ClientOpcode = 0x89
	OpObserve                ClientOpcode = 0x92
	OpGetAndLock             ClientOpcode = 0x94
	OpUnlock                 ClientOpcode = 0x95
	OpGetClusterConfig       ClientOpcode = 0xb5
	OpGetCollectionsManifest ClientOpcode = 0xba
	OpGetCollectionID        ClientOpcode = 0xbb
	OpSubdocMultiLookup      ClientOpcode = 0xd0
	OpSubdocMultiMutation    ClientOpcode = 0xd1
	OpGetErrorMap            ClientOpcode = 0xfe
	OpInvalid                ClientOpcode = 0xff
)

// IsValidClientOpcode reports whether b is a client opcode this driver
// knows how to handle.
func IsValidClientOpcode(b uint8) bool {
	switch ClientOpcode(b) {
	case OpGet, OpUpsert, OpInsert, OpReplace, OpRemove,
		OpIncrement, OpDecrement, OpTouch, OpGetAndTouch,
		OpHello, OpSASLListMechs, OpSASLAuth, OpSASLStep,
		OpSelectBucket, OpObserve, OpGetAndLock, OpUnlock,
		OpGetClusterConfig, OpGetCollectionsManifest, OpGetCollectionID,
		OpSubdocMultiLookup, OpSubdocMultiMutation, OpGetErrorMap, OpInvalid:
		return true
	}
	return false
}

func (o ClientOpcode) String() string {
	switch o {
	case OpGet:
		return "get"
	case OpUpsert:
		return "upsert"
	case OpInsert:
		return "insert"
	case OpReplace:
		return "replace"
	case OpRemove:
		return "remove"
	case OpIncrement:
		return "increment"
	case OpDecrement:
		return "decrement"
	case OpTouch:
		return "touch"
	case OpGetAndTouch:
		return "get_and_touch"
	case OpHello:
		return "hello"
	case OpSASLListMechs:
		return "sasl_list_mechs"
	case OpSASLAuth:
		return "sasl_auth"
	case OpSASLStep:
		return "sasl_step"
	case OpSelectBucket:
		return "select_bucket"
	case OpObserve:
		return "observe"
	case OpGetAndLock:
		return "get_and_lock"
	case OpUnlock:
		return "unlock"
	case OpGetClusterConfig:
		return "get_cluster_config"
	case OpGetCollectionsManifest:
		return "get_collections_manifest"
	case OpGetCollectionID:
		return "get_collection_id"
	case OpSubdocMultiLookup:
		return "subdoc_multi_lookup"
	case OpSubdocMultiMutation:
		return "subdoc_multi_mutation"
	case OpGetErrorMap:
		return "get_error_map"
	case OpInvalid:
		return "invalid"
	}
	return "unknown"
}

// ServerOpcode identifies a server-initiated (duplex) MCBP command.
type ServerOpcode uint8

const (
	OpClustermapChangeNotification ServerOpcode = 0x01
	OpAuthenticate                 ServerOpcode = 0x02
	OpActiveExternalUsers          ServerOpcode = 0x03
)

// IsValidServerOpcode reports whether b is a recognized server request
// opcode. Only cluster-map-change-notification is acted upon; the
// others are recognized so the decoder accepts them and the session can
// log and drop them.
func IsValidServerOpcode(b uint8) bool {
	switch ServerOpcode(b) {
	case OpClustermapChangeNotification, OpAuthenticate, OpActiveExternalUsers:
		return true
	}
	return false
}

func (o ServerOpcode) String() string {
	switch o {
	case OpClustermapChangeNotification:
		return "cluster_map_change_notification"
	case OpAuthenticate:
		return "authenticate"
	case OpActiveExternalUsers:
		return "active_external_users"
	}
	return "unknown"
}

// SubdocOpcode identifies a path-level operation inside a subdocument
// multi-lookup or multi-mutation frame. Single-op subdoc messages are
// not supported, so these never appear as a frame opcode.
type SubdocOpcode uint8

const (
	SubdocGet            SubdocOpcode = 0xc5
	SubdocExists         SubdocOpcode = 0xc6
	SubdocDictAdd        SubdocOpcode = 0xc7
	SubdocDictUpsert     SubdocOpcode = 0xc8
	SubdocRemove         SubdocOpcode = 0xc9
	SubdocReplace        SubdocOpcode = 0xca
	SubdocArrayPushLast  SubdocOpcode = 0xcb
	SubdocArrayPushFirst SubdocOpcode = 0xcc
	SubdocArrayInsert    SubdocOpcode = 0xcd
	SubdocArrayAddUnique SubdocOpcode = 0xce
	SubdocCounter        SubdocOpcode = 0xcf
	SubdocGetCount       SubdocOpcode = 0xd2
)

// IsValidSubdocOpcode reports whether b is a recognized subdocument opcode.
func IsValidSubdocOpcode(b uint8) bool {
	switch SubdocOpcode(b) {
	case SubdocGet, SubdocExists, SubdocDictAdd, SubdocDictUpsert,
		SubdocRemove, SubdocReplace, SubdocArrayPushLast, SubdocArrayPushFirst,
		SubdocArrayInsert, SubdocArrayAddUnique, SubdocCounter, SubdocGetCount:
		return true
	}
	return false
}

// HelloFeature is a capability negotiated during the HELLO exchange.
type HelloFeature uint16

const (
	FeatureDatatype           HelloFeature = 0x01
	FeatureTLS                HelloFeature = 0x02
	FeatureTCPNoDelay         HelloFeature = 0x03
	FeatureMutationSeqno      HelloFeature = 0x04
	FeatureXattr              HelloFeature = 0x06
	FeatureXerror             HelloFeature = 0x07
	FeatureSelectBucket       HelloFeature = 0x08
	FeatureSnappy             HelloFeature = 0x0a
	FeatureJSON               HelloFeature = 0x0b
	FeatureDuplex             HelloFeature = 0x0c
	FeatureClustermapNotif    HelloFeature = 0x0d
	FeatureUnorderedExecution HelloFeature = 0x0e
	FeatureTracing            HelloFeature = 0x0f
	FeatureAltRequest         HelloFeature = 0x10
	FeatureSyncReplication    HelloFeature = 0x11
	FeatureCollections        HelloFeature = 0x12
	FeatureCreateAsDeleted    HelloFeature = 0x17
)

func (f HelloFeature) String() string {
	switch f {
	case FeatureDatatype:
		return "datatype"
	case FeatureTLS:
		return "tls"
	case FeatureTCPNoDelay:
		return "tcp_nodelay"
	case FeatureMutationSeqno:
		return "mutation_seqno"
	case FeatureXattr:
		return "xattr"
	case FeatureXerror:
		return "xerror"
	case FeatureSelectBucket:
		return "select_bucket"
	case FeatureSnappy:
		return "snappy"
	case FeatureJSON:
		return "json"
	case FeatureDuplex:
		return "duplex"
	case FeatureClustermapNotif:
		return "clustermap_change_notification"
	case FeatureUnorderedExecution:
		return "unordered_execution"
	case FeatureTracing:
		return "tracing"
	case FeatureAltRequest:
		return "alt_request"
	case FeatureSyncReplication:
		return "sync_replication"
	case FeatureCollections:
		return "collections"
	case FeatureCreateAsDeleted:
		return "subdoc_create_as_deleted"
	}
	return "unknown"
}

// Status is the two-byte code carried in the specific field of response
// frames.
type Status uint16

const (
	StatusSuccess        Status = 0x00
	StatusNotFound       Status = 0x01
	StatusExists         Status = 0x02
	StatusTooBig         Status = 0x03
	StatusInvalid        Status = 0x04
	StatusNotStored      Status = 0x05
	StatusDeltaBadValue  Status = 0x06
	StatusNotMyVbucket   Status = 0x07
	StatusNoBucket       Status = 0x08
	StatusLocked         Status = 0x09
	StatusXattrInvalid   Status = 0x1e
	StatusAuthStale      Status = 0x1f
	StatusAuthError      Status = 0x20
	StatusAuthContinue   Status = 0x21
	StatusRangeError     Status = 0x22
	StatusRollback       Status = 0x23
	StatusNoAccess       Status = 0x24
	StatusNotInitialized Status = 0x25
	StatusUnknownFrame   Status = 0x26

	StatusUnknownCommand Status = 0x81
	StatusNoMemory       Status = 0x82
	StatusNotSupported   Status = 0x83
	StatusInternal       Status = 0x84
	StatusBusy           Status = 0x85
	StatusTempFailure    Status = 0x86

	StatusUnknownCollection     Status = 0x88
	StatusNoCollectionsManifest Status = 0x89
	StatusCannotApplyManifest   Status = 0x8a
	StatusManifestIsAhead       Status = 0x8b
	StatusUnknownScope          Status = 0x8c
	StatusDCPStreamIDInvalid    Status = 0x8d

	StatusDurabilityInvalidLevel Status = 0xa0
	StatusDurabilityImpossible   Status = 0xa1
	StatusSyncWriteInProgress    Status = 0xa2
	StatusSyncWriteAmbiguous     Status = 0xa3
	StatusSyncWriteReCommit      Status = 0xa4

	StatusSubdocPathNotFound       Status = 0xc0
	StatusSubdocPathMismatch       Status = 0xc1
	StatusSubdocPathInvalid        Status = 0xc2
	StatusSubdocPathTooBig         Status = 0xc3
	StatusSubdocDocTooDeep         Status = 0xc4
	StatusSubdocCannotInsert       Status = 0xc5
	StatusSubdocNotJSON            Status = 0xc6
	StatusSubdocNumRange           Status = 0xc7
	StatusSubdocDeltaInvalid       Status = 0xc8
	StatusSubdocPathExists         Status = 0xc9
	StatusSubdocValueTooDeep       Status = 0xca
	StatusSubdocInvalidCombo       Status = 0xcb
	StatusSubdocMultiPathFailure   Status = 0xcc
	StatusSubdocSuccessDeleted     Status = 0xcd
	StatusSubdocXattrInvalidFlags  Status = 0xce
	StatusSubdocXattrInvalidKeys   Status = 0xcf
	StatusSubdocXattrUnknownMacro  Status = 0xd0
	StatusSubdocXattrUnknownVattr  Status = 0xd1
	StatusSubdocXattrCannotModify  Status = 0xd2
	StatusSubdocMultiDeletedFailed Status = 0xd3
	StatusSubdocInvalidXattrOrder  Status = 0xd4
)

// IsSuccess reports whether the status is one of the success variants.
func (s Status) IsSuccess() bool {
	switch s {
	case StatusSuccess, StatusSubdocMultiPathFailure,
		StatusSubdocSuccessDeleted, StatusSubdocMultiDeletedFailed:
		return true
	}
	return false
}
