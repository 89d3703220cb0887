package mediatool

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVideoCodecForContainer(t *testing.T) {
	assert.Equal(t, "libx264", videoCodecFor("mp4"))
	assert.Equal(t, "libx264", videoCodecFor("MOV"))
	assert.Equal(t, "libvpx-vp9", videoCodecFor("webm"))
}

func TestAudioCodecForContainer(t *testing.T) {
	assert.Equal(t, "aac", audioCodecFor("mkv"))
	assert.Equal(t, "libvorbis", audioCodecFor("webm"))
}

func TestMuxerForContainer(t *testing.T) {
	assert.Equal(t, "matroska", muxerFor("mkv"))
	assert.Equal(t, "mp4", muxerFor("mp4"))
	assert.Equal(t, "webm", muxerFor("webm"))
}

func TestListShardsSortsByIndex(t *testing.T) {
	dir := t.TempDir()
	tool := New("ffmpeg", dir)

	for _, idx := range []string{"0002", "0000", "0001"} {
		path := filepath.Join(dir, "vid-1_shard_"+idx+".mp4")
		require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))
	}

	paths, err := tool.listShards("vid-1", "mp4")
	require.NoError(t, err)
	require.Len(t, paths, 3)
	assert.Contains(t, paths[0], "0000")
	assert.Contains(t, paths[2], "0002")
}

func TestListShardsErrorsWhenNoneFound(t *testing.T) {
	tool := New("ffmpeg", t.TempDir())
	_, err := tool.listShards("missing", "mp4")
	assert.Error(t, err)
}

func TestSegmentRejectsMissingVideoID(t *testing.T) {
	tool := New("ffmpeg", t.TempDir())
	_, err := tool.Segment(nil, SegmentSpec{InputPath: "in.mp4"})
	assert.Error(t, err)
}

func TestConcatRejectsEmptyShardList(t *testing.T) {
	tool := New("ffmpeg", t.TempDir())
	err := tool.Concat(nil, nil, filepath.Join(t.TempDir(), "out.mp4"))
	assert.Error(t, err)
}
