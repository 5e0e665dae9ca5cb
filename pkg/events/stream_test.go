package events

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/fsguard/pkg/api"
)

func TestFrame_RoundTrip(t *testing.T) {
	rec := decisionRecord("/srv/a", api.ActionDelay)
	rec.Seq = 42
	rec.Verdict.Delay = 100 * time.Millisecond
	rec.Verdict.Token = "tok"
	rec.Timestamp = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &rec))
	require.NoError(t, WriteFrame(&buf, &rec))

	for i := 0; i < 2; i++ {
		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, rec.Seq, got.Seq)
		assert.Equal(t, rec.Verdict, got.Verdict)
		assert.Equal(t, rec.Descriptor.Path, got.Descriptor.Path)
		assert.True(t, rec.Timestamp.Equal(got.Timestamp))
	}

	_, err := ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrame_RejectsOversizedLength(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff}))
	require.ErrorIs(t, err, ErrFrameTooLarge)

	_, err = ReadFrame(bytes.NewReader([]byte{0, 0, 0, 10, 1, 2}))
	require.ErrorIs(t, err, ErrReadFrame)
}

func TestStreamServer_DeliversToSubscribers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.sock")
	srv, err := Listen(path, 16, nil)
	require.NoError(t, err)
	defer srv.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan *api.EventRecord, 10)
	errCh := make(chan error, 1)
	go func() {
		errCh <- Subscribe(ctx, path, func(rec *api.EventRecord) error {
			got <- rec
			return nil
		})
	}()
	require.Eventually(t, func() bool { return srv.Subscribers() == 1 }, 5*time.Second, 5*time.Millisecond)

	for i := 1; i <= 3; i++ {
		rec := decisionRecord("/p", api.ActionBlock)
		rec.Seq = uint64(i)
		require.NoError(t, srv.Write(ctx, rec))
	}
	for i := 1; i <= 3; i++ {
		select {
		case rec := <-got:
			assert.Equal(t, uint64(i), rec.Seq)
		case <-ctx.Done():
			t.Fatal("record not delivered")
		}
	}

	require.NoError(t, srv.Close())
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("subscriber did not observe server shutdown")
	}
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestStreamServer_SubscriberHangupIsForgotten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.sock")
	srv, err := Listen(path, 4, nil)
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Subscribe(ctx, path, func(*api.EventRecord) error { return nil }) }()
	require.Eventually(t, func() bool { return srv.Subscribers() == 1 }, 5*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	require.Eventually(t, func() bool { return srv.Subscribers() == 0 }, 5*time.Second, 5*time.Millisecond)

	// Writing with nobody connected is a no-op.
	require.NoError(t, srv.Write(context.Background(), decisionRecord("/x", api.ActionAllow)))
}
