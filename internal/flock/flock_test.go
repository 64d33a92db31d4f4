package flock

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithRunsAndReleases(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)

	ran := false
	err := l.With(func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	_, err = os.Stat(filepath.Join(dir, LockFileName))
	assert.NoError(t, err, "lock file is created on first acquire")

	// The lock is free again afterwards
	require.NoError(t, l.With(func() error { return nil }))
}

func TestWithReleasesOnError(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)

	err := l.With(func() error { return os.ErrPermission })
	assert.ErrorIs(t, err, os.ErrPermission)

	// Release happened despite the error
	require.NoError(t, l.With(func() error { return nil }))
}

func TestLocksExclude(t *testing.T) {
	dir := t.TempDir()
	a := New(dir)
	b := New(dir)

	require.NoError(t, a.Acquire())

	acquired := make(chan struct{})
	go func() {
		require.NoError(t, b.Acquire())
		close(acquired)
		require.NoError(t, b.Release())
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first was held")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, a.Release())

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired after release")
	}
}

func TestSequencedWriters(t *testing.T) {
	dir := t.TempDir()

	// Two lock instances guarding one counter file, like two SDK
	// instances sharing a storage path
	path := filepath.Join(dir, "counter")
	require.NoError(t, os.WriteFile(path, []byte("0"), 0o644))

	bump := func(l *Lock) error {
		return l.With(func() error {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			n := int(data[0]-'0') + 1
			return os.WriteFile(path, []byte{byte('0' + n)}, 0o644)
		})
	}

	a, b := New(dir), New(dir)
	done := make(chan error, 2)
	go func() { done <- bump(a) }()
	go func() { done <- bump(b) }()
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "2", string(data), "read-modify-write sequences never interleave")
}
