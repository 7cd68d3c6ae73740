package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/pastiche/internal/app"
	"github.com/ternarybob/pastiche/internal/common"
	"github.com/ternarybob/pastiche/internal/models"
)

func newTestApp(t *testing.T) *httptest.Server {
	t.Helper()
	dir := t.TempDir()

	cfg := common.NewDefaultConfig()
	cfg.Queue.Backend = "badger"
	cfg.Queue.PollInterval = "50ms"
	cfg.PubSub.Backend = "memory"
	cfg.Storage.Badger.Path = filepath.Join(dir, "db")
	cfg.Storage.Filesystem.Uploads = filepath.Join(dir, "uploads")
	cfg.Storage.Filesystem.Outputs = filepath.Join(dir, "outputs")
	cfg.Stylize.ImageSize = 16
	cfg.Stylize.Defaults.Epochs = 3
	cfg.Submit.RatePerSecond = 0
	cfg.Maintenance.Schedule = ""
	require.NoError(t, cfg.Validate())

	a, err := app.New(cfg, arbor.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	server := httptest.NewServer(New(a).Handler())
	t.Cleanup(server.Close)
	return server
}

func encodeImage(t *testing.T, name string, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 24, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 24; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if strings.HasSuffix(name, ".png") {
		require.NoError(t, png.Encode(&buf, img))
	} else {
		require.NoError(t, jpeg.Encode(&buf, img, nil))
	}
	return buf.Bytes()
}

func TestIndexAndHealth(t *testing.T) {
	server := newTestApp(t)

	resp, err := http.Get(server.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "pastiche", body["name"])
	assert.Equal(t, common.GetVersion(), body["version"])

	health, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestNotFoundIsJSON(t *testing.T) {
	server := newTestApp(t)

	resp, err := http.Get(server.URL + "/no/such/route")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestCORSPreflight(t *testing.T) {
	server := newTestApp(t)

	req, err := http.NewRequest(http.MethodOptions, server.URL+"/generate", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	server := newTestApp(t)

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "pastiche_jobs_submitted_total")
}

// Submit, watch the relay to completion, then download the artifact
func TestStylizeEndToEnd(t *testing.T) {
	server := newTestApp(t)

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for field, name := range map[string]string{"content_img": "content.jpg", "style_img": "style.png"} {
		part, err := mw.CreateFormFile(field, name)
		require.NoError(t, err)
		c := color.RGBA{R: 200, G: 40, B: 40, A: 255}
		if field == "style_img" {
			c = color.RGBA{R: 20, G: 60, B: 220, A: 255}
		}
		_, err = part.Write(encodeImage(t, name, c))
		require.NoError(t, err)
	}
	require.NoError(t, mw.WriteField("lr", "0.5"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(server.URL+"/generate", mw.FormDataContentType(), body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	id := created["id"]

	// The job may finish before the relay subscribes; either way the
	// last frame is the terminal one.
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/status/" + id
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	var last models.ProgressEvent
	for {
		var event models.ProgressEvent
		err := conn.ReadJSON(&event)
		if err != nil {
			var closeErr *websocket.CloseError
			require.True(t, errors.As(err, &closeErr), "unexpected read error: %v", err)
			assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
			break
		}
		assert.LessOrEqual(t, event.Completed, event.Total)
		assert.GreaterOrEqual(t, event.Completed, last.Completed, "progress is monotonic")
		last = event
	}
	require.Equal(t, models.JobStateSucceeded, last.State, last.Error)
	assert.Equal(t, 3, last.Total)
	assert.Equal(t, 3, last.Completed)

	out, err := http.Get(server.URL + "/outputs/" + id)
	require.NoError(t, err)
	defer out.Body.Close()
	require.Equal(t, http.StatusOK, out.StatusCode)

	img, err := jpeg.Decode(out.Body)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 16, 13), img.Bounds())
}
