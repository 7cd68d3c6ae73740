package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/pastiche/internal/assets"
	"github.com/ternarybob/pastiche/internal/common"
	"github.com/ternarybob/pastiche/internal/interfaces"
	"github.com/ternarybob/pastiche/internal/models"
	"github.com/ternarybob/pastiche/internal/pubsub"
	"github.com/ternarybob/pastiche/internal/queue"
	"github.com/ternarybob/pastiche/internal/services/jobs"
	badgerstore "github.com/ternarybob/pastiche/internal/storage/badger"
)

type noopTerminator struct{}

func (noopTerminator) Terminate(string) bool { return false }

type downBroker struct {
	interfaces.Broker
}

func (downBroker) Enqueue(ctx context.Context, msg queue.Message) error {
	return errors.New("connection refused")
}

// gatedStatuses holds status lookups until gate is closed
type gatedStatuses struct {
	StatusLookup
	gate chan struct{}
}

func (g gatedStatuses) GetStatus(ctx context.Context, jobID string) (*models.JobStatus, error) {
	<-g.gate
	return g.StatusLookup.GetStatus(ctx, jobID)
}

type testServer struct {
	*httptest.Server
	transport interfaces.PubSubTransport
	memory    *pubsub.MemoryTransport
	mr        *miniredis.Miniredis
	store     interfaces.JobStatusStorage
	broker    interfaces.Broker
	assets    *assets.Store
	relay     *WebSocketHandler
}

type serverOptions struct {
	submit     common.SubmitConfig
	brokerDown bool
	redis      bool
	bufferSize int
	statusGate chan struct{}
}

func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()
	logger := arbor.NewLogger()
	dir := t.TempDir()

	db, err := badgerstore.NewBadgerDB(logger, &common.BadgerConfig{Path: filepath.Join(dir, "db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var broker interfaces.Broker
	broker, err = queue.NewBadgerManager(db.DB(), "test_jobs")
	require.NoError(t, err)
	if opts.brokerDown {
		broker = downBroker{broker}
	}

	assetStore := assets.NewStore(common.FilesystemConfig{
		Uploads: filepath.Join(dir, "uploads"),
		Outputs: filepath.Join(dir, "outputs"),
	}, 1, logger)
	require.NoError(t, assetStore.Reset())

	if opts.bufferSize == 0 {
		opts.bufferSize = 64
	}
	var (
		transport interfaces.PubSubTransport
		memory    *pubsub.MemoryTransport
		mr        *miniredis.Miniredis
	)
	if opts.redis {
		mr = miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		transport = pubsub.NewRedisTransport(rdb, opts.bufferSize, logger)
	} else {
		memory = pubsub.NewMemoryTransport(opts.bufferSize, logger)
		transport = memory
	}
	t.Cleanup(func() { _ = transport.Close() })

	store := badgerstore.NewJobStatusStorage(db, logger)
	var statuses StatusLookup = store
	if opts.statusGate != nil {
		statuses = gatedStatuses{StatusLookup: store, gate: opts.statusGate}
	}
	defaults := models.JobParams{LearningRate: 0.001, Epochs: 10, Alpha: 1, Beta: 0.01}
	svc := jobs.NewService(broker, transport, store, noopTerminator{}, assetStore, defaults, "instance-test", logger)

	if opts.submit.MaxUploadMB == 0 {
		opts.submit.MaxUploadMB = 1
	}
	jobHandler := NewJobHandler(svc, opts.submit, logger)
	relay := NewWebSocketHandler(transport, statuses, &common.WebSocketConfig{PingInterval: "50ms", WriteTimeout: "1s"}, logger)
	t.Cleanup(relay.Shutdown)

	router := chi.NewRouter()
	router.Post("/generate", jobHandler.GenerateHandler)
	router.Post("/stop/{jobId}", jobHandler.StopHandler)
	router.Get("/jobs/{jobId}", jobHandler.GetJobHandler)
	router.Get("/outputs/{jobId}", jobHandler.OutputHandler)
	router.Get("/status/{jobId}", relay.HandleStatus)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testServer{
		Server:    server,
		transport: transport,
		memory:    memory,
		mr:        mr,
		store:     store,
		broker:    broker,
		assets:    assetStore,
		relay:     relay,
	}
}

func multipartBody(t *testing.T, files map[string]string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for field, filename := range files {
		part, err := mw.CreateFormFile(field, filename)
		require.NoError(t, err)
		_, err = part.Write([]byte("image-bytes"))
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return body, mw.FormDataContentType()
}

func (s *testServer) generate(t *testing.T, files map[string]string, fields map[string]string) *http.Response {
	t.Helper()
	body, contentType := multipartBody(t, files, fields)
	resp, err := http.Post(s.URL+"/generate", contentType, body)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

var bothImages = map[string]string{"content_img": "content.jpg", "style_img": "style.png"}

func decodeBody(t *testing.T, resp *http.Response) map[string]string {
	t.Helper()
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestGenerateHandler_Accepts(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	resp := s.generate(t, bothImages, map[string]string{"lr": "0.01", "epochs": "3"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	id := decodeBody(t, resp)["id"]
	require.True(t, common.IsValidJobID(id))

	status, err := s.store.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateQueued, status.State)

	n, err := s.broker.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGenerateHandler_BadRequests(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	tests := []struct {
		name   string
		files  map[string]string
		fields map[string]string
	}{
		{"missing style", map[string]string{"content_img": "content.jpg"}, nil},
		{"missing content", map[string]string{"style_img": "style.jpg"}, nil},
		{"unsupported extension", map[string]string{"content_img": "content.txt", "style_img": "style.jpg"}, nil},
		{"non-numeric lr", bothImages, map[string]string{"lr": "fast"}},
		{"fractional epochs", bothImages, map[string]string{"epochs": "2.5"}},
		{"zero epochs", bothImages, map[string]string{"epochs": "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.generate(t, tt.files, tt.fields)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "error", decodeBody(t, resp)["status"])
		})
	}

	n, err := s.broker.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "rejected submissions must not be queued")
}

func TestGenerateHandler_RateLimited(t *testing.T) {
	s := newTestServer(t, serverOptions{submit: common.SubmitConfig{RatePerSecond: 0.001, Burst: 1}})

	first := s.generate(t, bothImages, nil)
	assert.Equal(t, http.StatusCreated, first.StatusCode)

	second := s.generate(t, bothImages, nil)
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
}

func TestGenerateHandler_BrokerDown(t *testing.T) {
	s := newTestServer(t, serverOptions{brokerDown: true})

	resp := s.generate(t, bothImages, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStopHandler_AlwaysSucceeds(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	resp := s.generate(t, bothImages, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := decodeBody(t, resp)["id"]

	// Queued, already cancelled, unknown and malformed ids all report success
	for _, target := range []string{id, id, common.NewJobID(), "not-a-job"} {
		stop, err := http.Post(s.URL+"/stop/"+target, "application/json", nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, stop.StatusCode)
		assert.Equal(t, map[string]string{"cancel": "success"}, decodeBody(t, stop))
		stop.Body.Close()
	}

	status, err := s.store.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCancelled, status.State)
	assert.Zero(t, status.Completed)

	n, err := s.broker.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGetJobHandler(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	resp := s.generate(t, bothImages, nil)
	id := decodeBody(t, resp)["id"]

	tests := []struct {
		name string
		id   string
		code int
	}{
		{"known", id, http.StatusOK},
		{"unknown", common.NewJobID(), http.StatusNotFound},
		{"malformed", "not-a-job", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := http.Get(s.URL + "/jobs/" + tt.id)
			require.NoError(t, err)
			defer r.Body.Close()
			assert.Equal(t, tt.code, r.StatusCode)
		})
	}
}

func TestOutputHandler(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, serverOptions{})

	resp := s.generate(t, bothImages, nil)
	id := decodeBody(t, resp)["id"]

	r, err := http.Get(s.URL + "/outputs/" + id)
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusNotFound, r.StatusCode, "queued job has no artifact")

	require.NoError(t, os.WriteFile(s.assets.OutputPath(id), []byte("jpeg-bytes"), 0644))
	require.NoError(t, s.store.MarkRunning(ctx, id, 1))
	_, err = s.store.MarkFinished(ctx, id, models.JobStateSucceeded, "")
	require.NoError(t, err)

	r, err = http.Get(s.URL + "/outputs/" + id)
	require.NoError(t, err)
	defer r.Body.Close()
	require.Equal(t, http.StatusOK, r.StatusCode)
	assert.Equal(t, "image/jpeg", r.Header.Get("Content-Type"))

	data, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data))
}

func TestConcurrentSubmissionsGetDistinctIDs(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	const n = 8
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		body, contentType := multipartBody(t, bothImages, nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Post(s.URL+"/generate", contentType, body)
			if err != nil {
				return
			}
			defer resp.Body.Close()
			var out map[string]string
			if json.NewDecoder(resp.Body).Decode(&out) == nil {
				ids <- out["id"]
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}
