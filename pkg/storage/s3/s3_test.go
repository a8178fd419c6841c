package s3

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/marmos91/dittobox/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"NoSuchKey", &types.NoSuchKey{}, true},
		{"WrappedNoSuchKey", fmt.Errorf("get: %w", &types.NoSuchKey{}), true},
		{"NotFound", &types.NotFound{}, true},
		{"GenericCode", &smithy.GenericAPIError{Code: "NotFound"}, true},
		{"AccessDenied", &smithy.GenericAPIError{Code: "AccessDenied"}, false},
		{"Plain", errors.New("connection reset"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isNotFound(tt.err))
		})
	}
}

func TestObjectKey(t *testing.T) {
	s := &S3ContentStore{bucket: "b", keyPrefix: "dittobox/"}

	key, err := s.objectKey("alice", "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "dittobox/alice/notes.txt", key)

	_, err = s.objectKey("alice", "../bob")
	assert.ErrorIs(t, err, storage.ErrInvalidName)
}

func TestNewRequiresClientAndBucket(t *testing.T) {
	_, err := NewS3ContentStore(context.Background(), S3ContentStoreConfig{Bucket: "b"})
	assert.Error(t, err)
}
