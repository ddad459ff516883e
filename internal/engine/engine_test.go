package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kestrelvision.io/kestrel/internal/config"
	"kestrelvision.io/kestrel/internal/media"
	"kestrelvision.io/kestrel/internal/sink"
	"kestrelvision.io/kestrel/internal/storage"
)

func testEngineConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Dir = t.TempDir()
	cfg.Storage.MaxDiskMB = 16
	cfg.Catchup.PollInterval = 10 * time.Millisecond
	cfg.Catchup.InterFrameDelay = time.Millisecond
	return cfg
}

func TestEngineEndToEnd(t *testing.T) {
	cfg := testEngineConfig(t)
	src := newChanSource(64)
	realtime := sink.NewStub(64)
	offline := sink.NewStub(64)

	eng, err := New(Options{
		Config:       cfg,
		Source:       src,
		RealtimeSink: realtime,
		RealtimeAcks: realtime,
		OfflineSink:  offline,
		OfflineAcks:  offline,
	})
	require.NoError(t, err)
	require.NoError(t, eng.PublishCaps("video/x-h264,alignment=au"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	// Three GOPs one second apart; the third closes the second.
	for gop := uint64(1); gop <= 3; gop++ {
		base := gop * 1_000_000_000
		src.ch <- &media.Frame{IsKeyFrame: true, TimestampNs: base, DurationNs: 33_000_000, Data: []byte{0x65}}
		src.ch <- &media.Frame{TimestampNs: base + 33_000_000, DurationNs: 33_000_000, Data: []byte{0x41}}
	}

	// The two closed fragments are persisted; catchup pushes at least the
	// oldest (the second waits if the first round saw only one, since the
	// unchanged-oldest check refuses to re-push before an ack).
	require.Eventually(t, func() bool {
		metas, err := eng.Store().QueryMetadata(0, storage.MaxTimeForDB, 10)
		require.NoError(t, err)
		return len(metas) == 2
	}, 5*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return offline.QueueLen() >= 2
	}, 5*time.Second, 5*time.Millisecond)

	// Every frame also went out realtime.
	require.Eventually(t, func() bool {
		return realtime.QueueLen() == 6
	}, 5*time.Second, 5*time.Millisecond)

	// The first ack releases the oldest fragment; the second fragment then
	// replays and its ack empties the store.
	offline.InjectPersisted(1000)
	require.Eventually(t, func() bool {
		return offline.QueueLen() >= 4
	}, 5*time.Second, 5*time.Millisecond)
	offline.InjectPersisted(2000)
	require.Eventually(t, func() bool {
		metas, err := eng.Store().QueryMetadata(0, storage.MaxTimeForDB, 10)
		require.NoError(t, err)
		return len(metas) == 0
	}, 5*time.Second, 5*time.Millisecond)

	// Shutdown is bounded and clean.
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestEngineRequiresCollaborators(t *testing.T) {
	_, err := New(Options{Config: testEngineConfig(t)})
	assert.Error(t, err)

	_, err = New(Options{})
	assert.Error(t, err)
}

func TestEngineRestartRedelivers(t *testing.T) {
	cfg := testEngineConfig(t)
	cfg.Catchup.NoUpload = true

	// First life: ingest two GOPs, upload disabled, then stop.
	{
		src := newChanSource(64)
		realtime := sink.NewStub(64)
		offline := sink.NewStub(64)
		eng, err := New(Options{
			Config: cfg, Source: src,
			RealtimeSink: realtime, RealtimeAcks: realtime,
			OfflineSink: offline, OfflineAcks: offline,
		})
		require.NoError(t, err)
		require.NoError(t, eng.PublishCaps("video/x-h264"))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- eng.Run(ctx) }()

		src.ch <- &media.Frame{IsKeyFrame: true, TimestampNs: 1_000_000_000, Data: []byte{0x65}}
		src.ch <- &media.Frame{IsKeyFrame: true, TimestampNs: 2_000_000_000, Data: []byte{0x65}}
		src.ch <- &media.Frame{IsKeyFrame: true, TimestampNs: 3_000_000_000, Data: []byte{0x65}}

		require.Eventually(t, func() bool {
			metas, err := eng.Store().QueryMetadata(0, storage.MaxTimeForDB, 10)
			require.NoError(t, err)
			return len(metas) == 2
		}, 5*time.Second, 5*time.Millisecond)

		cancel()
		require.NoError(t, <-done)
		assert.Equal(t, 0, offline.QueueLen())
	}

	// Second life: upload enabled, the stored fragments replay.
	cfg.Catchup.NoUpload = false
	src := newChanSource(64)
	realtime := sink.NewStub(64)
	offline := sink.NewStub(64)
	eng, err := New(Options{
		Config: cfg, Source: src,
		RealtimeSink: realtime, RealtimeAcks: realtime,
		OfflineSink: offline, OfflineAcks: offline,
	})
	require.NoError(t, err)
	require.NoError(t, eng.PublishCaps("video/x-h264"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	require.Eventually(t, func() bool {
		return offline.QueueLen() == 2
	}, 5*time.Second, 5*time.Millisecond)
	frames := offline.Drain()
	assert.Equal(t, uint64(1_000_000_000), frames[0].TimestampNs)
	assert.Equal(t, uint64(2_000_000_000), frames[1].TimestampNs)
}
