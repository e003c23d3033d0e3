package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/fdfs/pkg/errors"
)

func TestFileIDRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		group string
		name  string
	}{
		{"group1", "M00/00/00/wKgAAV1.txt"},
		{"g", "n"},
		{"group_with_16chr", "M01/AB/CD/file"},
	}

	for _, tt := range tests {
		t.Run(tt.group+"/"+tt.name, func(t *testing.T) {
			id := NewFileID(tt.group, tt.name)
			parsed, err := ParseFileID(id.String())
			require.NoError(t, err)
			assert.Equal(t, id, parsed)
		})
	}
}

func TestParseFileIDSplitsOnFirstSeparator(t *testing.T) {
	t.Parallel()

	id, err := ParseFileID("group1/M00/00/00/abc")
	require.NoError(t, err)
	assert.Equal(t, "group1", id.Group)
	assert.Equal(t, "M00/00/00/abc", id.Name)
}

func TestParseFileIDInvalid(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"", "nogroup", "/name", "group/"} {
		_, err := ParseFileID(s)
		assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidFileID), "input %q", s)
	}
}

func TestFileIDValidate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, NewFileID("group1", "M00/00/00/a").Validate())
	assert.True(t, errors.HasCode(FileID{Name: "x"}.Validate(), errors.ErrCodeInvalidFileID))
	assert.True(t, errors.HasCode(FileID{Group: "g"}.Validate(), errors.ErrCodeInvalidFileID))
	assert.True(t, FileID{}.IsZero())
}

func TestParseEndpoint(t *testing.T) {
	t.Parallel()

	ep, err := ParseEndpoint("10.0.0.1:23000", DefaultTrackerPort)
	require.NoError(t, err)
	assert.Equal(t, Endpoint{Host: "10.0.0.1", Port: 23000}, ep)
	assert.Equal(t, "10.0.0.1:23000", ep.String())

	ep, err = ParseEndpoint("tracker.local", DefaultTrackerPort)
	require.NoError(t, err)
	assert.Equal(t, DefaultTrackerPort, ep.Port)

	_, err = ParseEndpoint("host:notaport", DefaultTrackerPort)
	assert.True(t, errors.IsValidation(err))
}

func TestStorageStatusString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "ACTIVE", StorageStatusActive.String())
	assert.Equal(t, "NONE", StorageStatusNone.String())
	assert.Equal(t, "StorageStatus(42)", StorageStatus(42).String())
	assert.Equal(t, "MERGE", MetadataMerge.String())
}

func TestOptionsWithDefaults(t *testing.T) {
	t.Parallel()

	opts := Options{PoolSize: 2}.WithDefaults()
	assert.Equal(t, 2, opts.PoolSize)
	assert.Equal(t, DefaultCharset, opts.Charset)
	assert.Equal(t, DefaultNetworkTimeout, opts.NetworkTimeout)
	assert.Equal(t, DefaultWriteQueueSize, opts.WriteQueueSize)
}
