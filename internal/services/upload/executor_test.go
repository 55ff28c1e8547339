package upload

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"vstage-upload/internal/api"
	"vstage-upload/internal/checkpoint"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExecutorChunkSize(t *testing.T) {
	tests := []struct {
		name string
		in   int64
		want int64
	}{
		{"zero means single request", 0, 0},
		{"exact multiple", 512 * 1024, 512 * 1024},
		{"rounded down", 300 * 1024, 256 * 1024},
		{"raised to the minimum", 100, 256 * 1024},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewExecutor(nil, checkpoint.NewMemoryStore(), ExecutorOptions{ChunkSize: tt.in}, zerolog.Nop())
			assert.Equal(t, tt.want, e.chunkSize)
		})
	}
}

func TestCheckpointThrottle(t *testing.T) {
	th := newCheckpointThrottle(1000, 10, 0)

	assert.False(t, th.due(50))
	assert.True(t, th.due(100))
	assert.False(t, th.due(150))
	assert.True(t, th.due(250))
	assert.True(t, th.due(1000))

	tiny := newCheckpointThrottle(3, 5, 0)
	assert.True(t, tiny.due(1), "a step is at least one byte")
}

func TestExecutorProbe(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		rangeHdr string
		want     probeStatus
		received int64
	}{
		{"incomplete with range", api.StatusResumeIncomplete, "bytes=0-99", probeIncomplete, 100},
		{"incomplete without range", api.StatusResumeIncomplete, "", probeIncomplete, 0},
		{"complete on 200", http.StatusOK, "", probeComplete, 1000},
		{"complete on 201", http.StatusCreated, "", probeComplete, 1000},
		{"expired session", http.StatusNotFound, "", probeInvalid, 0},
		{"garbled range", api.StatusResumeIncomplete, "bytes=5-9", probeInvalid, 0},
		{"more than the file", api.StatusResumeIncomplete, "bytes=0-5000", probeInvalid, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.rangeHdr != "" {
					w.Header().Set(api.HeaderRange, tt.rangeHdr)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			storage := api.NewStorageClient(api.Options{Timeout: 5 * time.Second, RetryWait: time.Millisecond})
			e := NewExecutor(storage, checkpoint.NewMemoryStore(), ExecutorOptions{}, zerolog.Nop())

			status, received, err := e.Probe(context.Background(), srv.URL, 1000)

			require.NoError(t, err)
			assert.Equal(t, tt.want, status)
			assert.Equal(t, tt.received, received)
		})
	}
}

func TestExecutorTransferRefusesStalledAcks(t *testing.T) {
	t.Run("Should treat an acknowledgement that does not advance as an interruption", func(t *testing.T) {
		var puts int
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get(api.HeaderContentRange) != "bytes */10" {
				puts++
			}
			w.Header().Set(api.HeaderRange, "bytes=0-3")
			w.WriteHeader(api.StatusResumeIncomplete)
		}))
		defer srv.Close()

		store := checkpoint.NewMemoryStore()
		storage := api.NewStorageClient(api.Options{Timeout: 5 * time.Second, RetryWait: time.Millisecond})
		e := NewExecutor(storage, store, ExecutorOptions{}, zerolog.Nop())
		file := BytesFile("stall.bin", "", payload(10))
		task := &UploadTask{Identity: file.Identity, SessionURL: srv.URL, BytesAcknowledged: 4}
		key := checkpointKey(testScope, file.Identity)

		err := e.Transfer(context.Background(), task, file, key, func(int64) {})

		assert.ErrorIs(t, err, ErrTransferInterrupted)
		assert.Equal(t, 1, puts)
		assert.Equal(t, int64(4), task.BytesAcknowledged)

		cp, err := store.Get(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, int64(4), cp.UploadedBytes)
		assert.Equal(t, srv.URL, cp.SessionURL)
	})
}

func TestExecutorTransferFinalize(t *testing.T) {
	// storage acknowledges data with a full Range and completes on the
	// status query only when complete is set
	newStorage := func(t *testing.T, complete bool) (*httptest.Server, *[]string) {
		t.Helper()
		var ranges []string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cr := r.Header.Get(api.HeaderContentRange)
			ranges = append(ranges, cr)
			if cr == "bytes */10" && complete {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.Header().Set(api.HeaderRange, "bytes=0-9")
			w.WriteHeader(api.StatusResumeIncomplete)
		}))
		t.Cleanup(srv.Close)
		return srv, &ranges
	}
	newExecutor := func(store checkpoint.Store) *Executor {
		storage := api.NewStorageClient(api.Options{Timeout: 5 * time.Second, RetryWait: time.Millisecond})
		return NewExecutor(storage, store, ExecutorOptions{}, zerolog.Nop())
	}
	file := BytesFile("full.bin", "", payload(10))
	key := checkpointKey(testScope, file.Identity)

	t.Run("Should finalize with a status query once every byte is acknowledged", func(t *testing.T) {
		srv, ranges := newStorage(t, true)
		task := &UploadTask{Identity: file.Identity, SessionURL: srv.URL}
		var acks []int64

		err := newExecutor(checkpoint.NewMemoryStore()).Transfer(context.Background(), task, file, key, func(n int64) { acks = append(acks, n) })

		require.NoError(t, err)
		assert.Equal(t, []string{"", "bytes */10"}, *ranges)
		assert.Equal(t, int64(10), task.BytesAcknowledged)
		assert.Equal(t, int64(10), acks[len(acks)-1])
	})

	t.Run("Should not send data when the session already holds the whole file", func(t *testing.T) {
		srv, ranges := newStorage(t, true)
		task := &UploadTask{Identity: file.Identity, SessionURL: srv.URL, BytesAcknowledged: 10}

		err := newExecutor(checkpoint.NewMemoryStore()).Transfer(context.Background(), task, file, key, func(int64) {})

		require.NoError(t, err)
		assert.Equal(t, []string{"bytes */10"}, *ranges)
		assert.Zero(t, task.BytesSent)
	})

	t.Run("Should report an interruption when the status query does not complete", func(t *testing.T) {
		srv, ranges := newStorage(t, false)
		store := checkpoint.NewMemoryStore()
		task := &UploadTask{Identity: file.Identity, SessionURL: srv.URL, BytesAcknowledged: 10}

		err := newExecutor(store).Transfer(context.Background(), task, file, key, func(int64) {})

		assert.ErrorIs(t, err, ErrTransferInterrupted)
		for _, cr := range *ranges {
			assert.Equal(t, "bytes */10", cr)
		}
		cp, err := store.Get(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, int64(10), cp.UploadedBytes)
	})
}

func TestExecutorTransferSavesProbedOffset(t *testing.T) {
	t.Run("Should save the lower offset the storage reports after a failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get(api.HeaderContentRange) == "bytes */10" {
				w.Header().Set(api.HeaderRange, "bytes=0-3")
				w.WriteHeader(api.StatusResumeIncomplete)
				return
			}
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		store := newRecordingStore()
		storage := api.NewStorageClient(api.Options{Timeout: 5 * time.Second, RetryWait: time.Millisecond})
		e := NewExecutor(storage, store, ExecutorOptions{}, zerolog.Nop())
		file := BytesFile("shrunk.bin", "", payload(10))
		key := checkpointKey(testScope, file.Identity)
		task := &UploadTask{Identity: file.Identity, SessionURL: srv.URL, BytesAcknowledged: 6}
		require.NoError(t, store.Put(context.Background(), key, &checkpoint.Checkpoint{
			SessionURL:    srv.URL,
			UploadedBytes: 6,
			FileSize:      10,
			SavedAt:       time.Now(),
		}))

		err := e.Transfer(context.Background(), task, file, key, func(int64) {})

		assert.ErrorIs(t, err, ErrTransferInterrupted)
		assert.Equal(t, int64(4), task.BytesAcknowledged)
		assert.Equal(t, []int64{6, 4}, store.offsets(key), "the stored offset follows what storage holds")
	})
}
