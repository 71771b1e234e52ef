package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFile_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenFile(dir)
	require.NoError(t, err)
	require.NoError(t, s.Record(ctx, "1"))
	require.NoError(t, s.Record(ctx, "2"))
	require.NoError(t, s.SaveCheckpoint(ctx, 9))
	require.NoError(t, s.Close())

	s, err = OpenFile(dir)
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck

	assert.True(t, s.Seen("1"))
	assert.True(t, s.Seen("2"))
	assert.Equal(t, 2, s.Len())

	n, err := s.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9, n)

	b, err := os.ReadFile(filepath.Join(dir, CheckpointFile))
	require.NoError(t, err)
	assert.Equal(t, "9", string(b))

	b, err = os.ReadFile(filepath.Join(dir, SeenIDsFile))
	require.NoError(t, err)
	assert.Equal(t, "1\n2\n", string(b))
}

func TestFile_MalformedCheckpointIsZero(t *testing.T) {
	for _, content := range []string{"", "abc", "-5", "12.5", "  \n"} {
		t.Run(content, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, CheckpointFile), []byte(content), 0o644))

			s, err := OpenFile(dir)
			require.NoError(t, err)
			defer s.Close() //nolint:errcheck

			n, err := s.LoadCheckpoint(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 0, n)
		})
	}
}

func TestFile_CheckpointToleratesWhitespace(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, CheckpointFile), []byte("1500\n"), 0o644))

	s, err := OpenFile(dir)
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck

	n, err := s.LoadCheckpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1500, n)
}

func TestFile_TornSeenLineDropped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, SeenIDsFile)
	require.NoError(t, os.WriteFile(path, []byte("1\n\n2\n3"), 0o644))

	s, err := OpenFile(dir)
	require.NoError(t, err)
	assert.True(t, s.Seen("1"))
	assert.True(t, s.Seen("2"))
	assert.False(t, s.Seen("3"))

	require.NoError(t, s.Record(context.Background(), "4"))
	require.NoError(t, s.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "1\n\n2\n4\n", string(b))
}

func TestFile_RejectsLineBreakInID(t *testing.T) {
	s, err := OpenFile(t.TempDir())
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck

	assert.Error(t, s.Record(context.Background(), "a\nb"))
	assert.Equal(t, 0, s.Len())
}

func TestOpenFile_RequiresDir(t *testing.T) {
	_, err := OpenFile("")
	assert.Error(t, err)
}

func TestParseCheckpoint(t *testing.T) {
	log := zap.NewNop()
	assert.Equal(t, 42, ParseCheckpoint("42", log))
	assert.Equal(t, 42, ParseCheckpoint(" 42\n", log))
	assert.Equal(t, 0, ParseCheckpoint("-1", log))
	assert.Equal(t, 0, ParseCheckpoint("x", log))
}
