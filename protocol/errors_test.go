package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapStatus(t *testing.T) {
	tests := []struct {
		name   string
		opcode ClientOpcode
		status Status
		want   error
	}{
		{"success", OpGet, StatusSuccess, nil},
		{"subdoc multi path failure is success", OpSubdocMultiMutation, StatusSubdocMultiPathFailure, nil},
		{"subdoc success deleted", OpSubdocMultiLookup, StatusSubdocSuccessDeleted, nil},
		{"not found", OpGet, StatusNotFound, ErrDocumentNotFound},
		{"not stored", OpUpsert, StatusNotStored, ErrDocumentNotFound},
		{"exists on insert", OpInsert, StatusExists, ErrDocumentExists},
		{"exists on replace", OpReplace, StatusExists, ErrCasMismatch},
		{"exists on remove", OpRemove, StatusExists, ErrCasMismatch},
		{"too big", OpUpsert, StatusTooBig, ErrValueTooLarge},
		{"invalid", OpGet, StatusInvalid, ErrInvalidArgument},
		{"delta bad value", OpIncrement, StatusDeltaBadValue, ErrDeltaInvalid},
		{"no bucket", OpGet, StatusNoBucket, ErrBucketNotFound},
		{"locked", OpUpsert, StatusLocked, ErrDocumentLocked},
		{"auth error", OpGet, StatusAuthError, ErrAuthenticationFailure},
		{"no access", OpGet, StatusNoAccess, ErrAuthenticationFailure},
		{"unknown command", OpGet, StatusUnknownCommand, ErrUnsupportedOperation},
		{"internal", OpGet, StatusInternal, ErrInternalServerFailure},
		{"busy", OpGet, StatusBusy, ErrTemporaryFailure},
		{"temp failure", OpGet, StatusTempFailure, ErrTemporaryFailure},
		{"no memory", OpGet, StatusNoMemory, ErrTemporaryFailure},
		{"unknown collection", OpGet, StatusUnknownCollection, ErrCollectionNotFound},
		{"unknown scope", OpGet, StatusUnknownScope, ErrScopeNotFound},
		{"durability level", OpUpsert, StatusDurabilityInvalidLevel, ErrDurabilityLevelNotAvailable},
		{"sync write ambiguous", OpUpsert, StatusSyncWriteAmbiguous, ErrDurabilityAmbiguous},
		{"subdoc path not found", OpSubdocMultiLookup, StatusSubdocPathNotFound, ErrPathNotFound},
		{"subdoc path exists", OpSubdocMultiMutation, StatusSubdocPathExists, ErrPathExists},
		{"subdoc not json", OpSubdocMultiMutation, StatusSubdocNotJSON, ErrDocumentNotJSON},
		{"xattr unknown macro", OpSubdocMultiMutation, StatusSubdocXattrUnknownMacro, ErrXattrUnknownMacro},
		{"not my vbucket is reserved", OpGet, StatusNotMyVbucket, ErrProtocol},
		{"rollback is reserved", OpGet, StatusRollback, ErrProtocol},
		{"unrecognized status", OpGet, Status(0x7777), ErrProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := MapStatus(tt.opcode, tt.status)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestStatusErrorPreservesWireDetail(t *testing.T) {
	err := MapStatus(OpInsert, StatusExists)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, OpInsert, statusErr.Opcode)
	assert.Equal(t, StatusExists, statusErr.Status)
	assert.Contains(t, err.Error(), "document exists")
}
