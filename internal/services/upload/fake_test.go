package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"vstage-upload/internal/api"
	"vstage-upload/internal/capacity"
	"vstage-upload/internal/checkpoint"

	"github.com/rs/zerolog"
)

type span struct {
	start, end int64
}

// fakeSession is one resumable session held by the fake storage endpoint
type fakeSession struct {
	id       string
	name     string
	size     int64
	data     []byte
	complete bool
	invalid  bool
	failData bool
	// failAt accepts bytes up to this offset and then answers 503 once
	failAt int64
	// maxAccept caps the bytes taken from a single request
	maxAccept int64
	// finalizeOnQuery answers 308 to the request carrying the last byte and
	// completes the upload on the next status query
	finalizeOnQuery bool

	spans  []span
	ranges []string
	probes int
}

// fakeCloud implements the backend of record and the storage endpoint
type fakeCloud struct {
	srv *httptest.Server

	mu       sync.Mutex
	seq      int
	sessions map[string]*fakeSession
	records  map[string]string

	negotiations      []negotiationRequest
	negotiateFailures int
	confirms          []confirmRequest
	confirmKeys       []string
	deletes           []compensateRequest

	failData    map[string]bool
	failConfirm map[string]bool
	failDelete  map[string]bool
	failAt      map[string]int64
	maxAccept   int64

	finalizeOnQuery map[string]bool
}

func newFakeCloud(t *testing.T) *fakeCloud {
	f := &fakeCloud{
		sessions:    map[string]*fakeSession{},
		records:     map[string]string{},
		failData:    map[string]bool{},
		failConfirm: map[string]bool{},
		failDelete:  map[string]bool{},
		failAt:      map[string]int64{},

		finalizeOnQuery: map[string]bool{},
	}
	f.srv = httptest.NewServer(f)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeCloud) URL() string {
	return f.srv.URL
}

func (f *fakeCloud) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.URL.Path == "/uploads":
		f.serveBackend(w, r)
	case strings.HasPrefix(r.URL.Path, "/storage/start/"):
		f.serveStart(w, r, strings.TrimPrefix(r.URL.Path, "/storage/start/"))
	case strings.HasPrefix(r.URL.Path, "/storage/session/"):
		f.serveSession(w, r, strings.TrimPrefix(r.URL.Path, "/storage/session/"))
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeCloud) serveBackend(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req negotiationRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.negotiations = append(f.negotiations, req)
		if f.negotiateFailures > 0 {
			f.negotiateFailures--
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": "out of descriptors"})
			return
		}
		name := req.Files[0].FileName
		sess := f.newSession(name)
		sess.failData = f.failData[name]
		sess.failAt = f.failAt[name]
		sess.maxAccept = f.maxAccept
		sess.finalizeOnQuery = f.finalizeOnQuery[name]
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"uploadInstructions": []map[string]string{{
				"uploadUrl":  f.srv.URL + "/storage/start/" + sess.id,
				"publicUrl":  "https://cdn.example/" + name,
				"objectPath": "uploads/" + sess.id + "/" + name,
			}},
		})

	case http.MethodPut:
		var req confirmRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.confirms = append(f.confirms, req)
		f.confirmKeys = append(f.confirmKeys, r.Header.Get(HeaderIdempotencyKey))
		name := req.Uploads[0].FileName
		if f.failConfirm[name] {
			writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "rejected"})
			return
		}
		f.seq++
		id := f.seq
		f.records[strconv.Itoa(id)] = name
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"photos":  []map[string]any{{"photo_id": id, "job_id": fmt.Sprintf("job-%d", id)}},
		})

	case http.MethodDelete:
		var req compensateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.deletes = append(f.deletes, req)
		if f.failDelete[req.PhotoID] {
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": "locked"})
			return
		}
		delete(f.records, req.PhotoID)
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeCloud) serveStart(w http.ResponseWriter, r *http.Request, id string) {
	sess := f.sessions[id]
	if sess == nil || r.Header.Get(api.HeaderResumable) != "start" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.Header().Set(api.HeaderLocation, f.srv.URL+"/storage/session/"+id)
	w.WriteHeader(http.StatusOK)
}

func (f *fakeCloud) serveSession(w http.ResponseWriter, r *http.Request, id string) {
	sess := f.sessions[id]
	if sess == nil || sess.invalid {
		http.NotFound(w, r)
		return
	}

	cr := r.Header.Get(api.HeaderContentRange)
	body, _ := io.ReadAll(r.Body)

	if strings.HasPrefix(cr, "bytes */") {
		sess.probes++
		if sess.finalizeOnQuery && sess.size > 0 && int64(len(sess.data)) == sess.size {
			sess.complete = true
		}
		if sess.complete {
			w.WriteHeader(http.StatusOK)
			return
		}
		writeIncomplete(w, sess)
		return
	}

	sess.ranges = append(sess.ranges, cr)
	start, size := int64(0), int64(len(body))
	if cr != "" {
		var end int64
		if _, err := fmt.Sscanf(cr, "bytes %d-%d/%d", &start, &end, &size); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}
	sess.size = size
	sess.spans = append(sess.spans, span{start, start + int64(len(body))})

	if sess.failData {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if start != int64(len(sess.data)) {
		writeIncomplete(w, sess)
		return
	}

	accept := body
	if sess.failAt > start && start+int64(len(accept)) > sess.failAt {
		sess.data = append(sess.data, accept[:sess.failAt-start]...)
		sess.failAt = 0
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if sess.maxAccept > 0 && int64(len(accept)) > sess.maxAccept {
		accept = accept[:sess.maxAccept]
	}
	sess.data = append(sess.data, accept...)

	if int64(len(sess.data)) == size && !sess.finalizeOnQuery {
		sess.complete = true
		writeJSON(w, http.StatusOK, map[string]string{"name": sess.name})
		return
	}
	writeIncomplete(w, sess)
}

func (f *fakeCloud) newSession(name string) *fakeSession {
	f.seq++
	sess := &fakeSession{id: fmt.Sprintf("s%d", f.seq), name: name}
	f.sessions[sess.id] = sess
	return sess
}

// seedSession opens a session that already holds the first received bytes
// of data, as left behind by an earlier run
func (f *fakeCloud) seedSession(name string, data []byte, received int64) (*fakeSession, string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sess := f.newSession(name)
	sess.size = int64(len(data))
	sess.data = append([]byte(nil), data[:received]...)
	sess.complete = received == int64(len(data))
	return sess, f.srv.URL + "/storage/session/" + sess.id
}

// sessionsFor returns every session negotiated or seeded for name
func (f *fakeCloud) sessionsFor(name string) []*fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*fakeSession
	for i := 1; i <= f.seq; i++ {
		if s, ok := f.sessions[fmt.Sprintf("s%d", i)]; ok && s.name == name {
			out = append(out, s)
		}
	}
	return out
}

func writeIncomplete(w http.ResponseWriter, sess *fakeSession) {
	if n := len(sess.data); n > 0 {
		w.Header().Set(api.HeaderRange, fmt.Sprintf("bytes=0-%d", n-1))
	}
	w.WriteHeader(api.StatusResumeIncomplete)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// recordingStore remembers every offset written per key
type recordingStore struct {
	*checkpoint.MemoryStore

	mu   sync.Mutex
	puts map[checkpoint.Key][]int64
}

func newRecordingStore() *recordingStore {
	return &recordingStore{MemoryStore: checkpoint.NewMemoryStore(), puts: map[checkpoint.Key][]int64{}}
}

func (s *recordingStore) Put(ctx context.Context, key checkpoint.Key, cp *checkpoint.Checkpoint) error {
	s.mu.Lock()
	s.puts[key] = append(s.puts[key], cp.UploadedBytes)
	s.mu.Unlock()
	return s.MemoryStore.Put(ctx, key, cp)
}

func (s *recordingStore) offsets(key checkpoint.Key) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.puts[key]...)
}

const testScope = "project-1"

type harness struct {
	cloud *fakeCloud
	store *recordingStore
	orch  *Orchestrator
}

func newHarness(t *testing.T, chunkSize int64, tune func(*Options)) *harness {
	t.Helper()
	log := zerolog.Nop()
	cloud := newFakeCloud(t)
	store := newRecordingStore()

	httpOpts := api.Options{
		Timeout:      10 * time.Second,
		RetryCount:   1,
		RetryWait:    time.Millisecond,
		RetryMaxWait: 2 * time.Millisecond,
		Logger:       log,
	}
	backend := api.NewClient(cloud.URL(), httpOpts)
	storage := api.NewStorageClient(httpOpts)

	opts := Options{Concurrency: 4, RetryAttempts: 3, RetryBaseDelay: time.Millisecond}
	if tune != nil {
		tune(&opts)
	}

	orch := NewOrchestrator(
		NewNegotiator(backend, storage, log),
		NewExecutor(storage, store, ExecutorOptions{ChunkSize: chunkSize, CheckpointStep: 5}, log),
		NewConfirmer(backend, log),
		store,
		opts,
		log,
	)
	return &harness{cloud: cloud, store: store, orch: orch}
}

func (h *harness) run(ctx context.Context, files ...File) *BatchResult {
	return h.orch.RunBatch(ctx, BatchRequest{Scope: testScope, Files: files}, roomyPool())
}

func roomyPool() *capacity.Pool {
	return capacity.NewPool([]capacity.Slot{{ID: "svc-1", Remaining: 100}})
}

// payload returns n deterministic bytes
func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte((i*31 + i/251) % 251)
	}
	return b
}

func seedCheckpoint(t *testing.T, store checkpoint.Store, f File, sessionURL string, uploaded int64, savedAt time.Time) {
	t.Helper()
	err := store.Put(context.Background(), checkpointKey(testScope, f.Identity), &checkpoint.Checkpoint{
		SessionURL:    sessionURL,
		UploadedBytes: uploaded,
		Destination: checkpoint.Destination{
			PublicURL:   "https://cdn.example/" + f.Identity.Name,
			ObjectPath:  "uploads/seeded/" + f.Identity.Name,
			ServiceSlot: "svc-old",
		},
		FileSize:    f.Identity.Size,
		ContentType: f.Identity.ContentType,
		SavedAt:     savedAt,
	})
	if err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}
}

func names(failed []FailedFile) []string {
	out := make([]string, len(failed))
	for i, f := range failed {
		out[i] = f.Identity.Name
	}
	return out
}
