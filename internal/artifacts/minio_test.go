package artifacts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "run-1/frame_30.jpg", ObjectKey("run-1", "/data/frames/run-1/frame_30.jpg"))
	assert.Equal(t, "run-1/frame_0.jpg", ObjectKey("run-1", "frame_0.jpg"))
}

func TestNewStorage(t *testing.T) {
	s, err := NewStorage(StorageConfig{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b", Bucket: "frames"})
	require.NoError(t, err)
	assert.Equal(t, "frames", s.bucket)

	_, err = NewStorage(StorageConfig{Endpoint: "http://localhost:9000/with/path"})
	assert.Error(t, err, "endpoint must be host[:port]")
}
