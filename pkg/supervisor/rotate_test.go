package supervisor

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotate(t *testing.T) {
	dir := t.TempDir()
	sink := filepath.Join(dir, "src.log")
	r := NewRotator(10, sink)

	tests := []struct {
		name    string
		content []byte
		rotated bool
	}{
		{"under cap", []byte("short"), false},
		{"at cap", bytes.Repeat([]byte("a"), 10), false},
		{"over cap", bytes.Repeat([]byte("b"), 11), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(sink, tt.content, 0644))

			rotated, err := r.Rotate(sink)
			require.NoError(t, err)
			assert.Equal(t, tt.rotated, rotated)

			data, err := os.ReadFile(sink)
			require.NoError(t, err)
			if tt.rotated {
				assert.Empty(t, data)
				backup, err := os.ReadFile(sink + ".backup")
				require.NoError(t, err)
				assert.Equal(t, tt.content, backup)
			} else {
				assert.Equal(t, tt.content, data)
			}
		})
	}
}

func TestRotate_MissingSink(t *testing.T) {
	r := NewRotator(10)
	rotated, err := r.Rotate(filepath.Join(t.TempDir(), "absent.log"))
	assert.NoError(t, err)
	assert.False(t, rotated)
}

func TestRotate_AppendingWriterContinues(t *testing.T) {
	dir := t.TempDir()
	sink := filepath.Join(dir, "src.log")
	w, err := os.OpenFile(sink, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Write(bytes.Repeat([]byte("x"), 32))
	require.NoError(t, err)

	r := NewRotator(16, sink)
	rotated, err := r.Rotate(sink)
	require.NoError(t, err)
	require.True(t, rotated)

	_, err = w.Write([]byte("after"))
	require.NoError(t, err)

	data, err := os.ReadFile(sink)
	require.NoError(t, err)
	assert.Equal(t, "after", string(data))
}

func TestRotator_RunRotatesOnWrite(t *testing.T) {
	dir := t.TempDir()
	sink := filepath.Join(dir, "src.err")
	require.NoError(t, os.WriteFile(sink, nil, 0644))

	r := NewRotator(8, sink)
	r.interval = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.NoError(t, os.WriteFile(sink, []byte("0123456789abcdef"), 0644))

	assert.Eventually(t, func() bool {
		_, err := os.Stat(sink + ".backup")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
