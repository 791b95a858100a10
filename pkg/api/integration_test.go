package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearth/hearth/config"
	"github.com/hearth/hearth/pkg/engine"
	"github.com/hearth/hearth/pkg/logger"
	"github.com/hearth/hearth/pkg/remote"
	"github.com/hearth/hearth/pkg/storage"
	badgerstore "github.com/hearth/hearth/pkg/storage/badger"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Port = 0
	cfg.Storage.Badger.InMemory = true
	cfg.Embedding.Dimension = 64
	cfg.Embedding.Debounce = time.Millisecond
	cfg.Patterns.ReclusterInterval = time.Hour
	cfg.Remote.Type = "memory"
	cfg.Sync.Interval = time.Hour
	cfg.Sync.ProbeInterval = time.Hour
	return cfg
}

func setupEngine(t testing.TB, cfg *config.Config) *engine.Engine {
	t.Helper()
	store, err := badgerstore.NewBadgerStorage(&badgerstore.Config{InMemory: true})
	require.NoError(t, err)

	eng, err := engine.New(cfg, logger.Nop(), engine.WithStore(store), engine.WithRemote(remote.NewInProcessStore()))
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
		_ = store.Close()
	})
	return eng
}

func setupIntegrationTest(t testing.TB) *httptest.Server {
	t.Helper()
	cfg := testConfig()
	eng := setupEngine(t, cfg)
	srv := httptest.NewServer(NewRouter(cfg, logger.Nop(), NewHandlers(eng, nil)))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t testing.TB, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func TestIntegration_StoreAndSearch(t *testing.T) {
	srv := setupIntegrationTest(t)

	resp := postJSON(t, srv.URL+"/api/v1/memories", map[string]any{
		"content":    "use pgx pool for postgres connections",
		"project_id": "proj",
		"metadata":   map[string]string{"lang": "go"},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var stored engine.StoreResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stored))
	require.NotEmpty(t, stored.ID)
	assert.True(t, stored.Embedded)

	getResp, err := http.Get(srv.URL + "/api/v1/memories/" + stored.ID)
	require.NoError(t, err)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusOK, getResp.StatusCode)

	searchResp := postJSON(t, srv.URL+"/api/v1/search", map[string]any{
		"query":      "use pgx pool for postgres connections",
		"project_id": "proj",
	})
	defer searchResp.Body.Close()
	require.Equal(t, http.StatusOK, searchResp.StatusCode)

	var found engine.SearchResponse
	require.NoError(t, json.NewDecoder(searchResp.Body).Decode(&found))
	assert.Equal(t, engine.SearchModeVector, found.Mode)
	require.NotEmpty(t, found.Results)
	assert.Equal(t, stored.ID, found.Results[0].Memory.ID)

	findResp, err := http.Get(srv.URL + "/api/v1/memories?project_id=proj&meta.lang=go")
	require.NoError(t, err)
	defer findResp.Body.Close()
	require.Equal(t, http.StatusOK, findResp.StatusCode)

	var listed struct {
		Memories []storage.Memory `json:"memories"`
		Count    int              `json:"count"`
	}
	require.NoError(t, json.NewDecoder(findResp.Body).Decode(&listed))
	require.Equal(t, 1, listed.Count)
	assert.Equal(t, stored.ID, listed.Memories[0].ID)
}

func TestIntegration_HealthChecks(t *testing.T) {
	srv := setupIntegrationTest(t)

	for _, path := range []string{"/health", "/ready", "/status"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.NotEmpty(t, resp.Header.Get("X-Request-ID"), path)
	}
}

func TestIntegration_ErrorHandling(t *testing.T) {
	srv := setupIntegrationTest(t)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{"missing memory", http.MethodGet, "/api/v1/memories/does-not-exist", "", http.StatusNotFound},
		{"invalid json", http.MethodPost, "/api/v1/memories", "{", http.StatusBadRequest},
		{"missing project", http.MethodPost, "/api/v1/search", `{"query":"x"}`, http.StatusBadRequest},
		{"unknown route", http.MethodGet, "/api/v1/nothing", "", http.StatusNotFound},
		{"wrong method", http.MethodDelete, "/api/v1/stats", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, srv.URL+tt.path, bytes.NewBufferString(tt.body))
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}

func TestIntegration_SyncEndpoints(t *testing.T) {
	srv := setupIntegrationTest(t)

	resp := postJSON(t, srv.URL+"/api/v1/memories", map[string]any{"content": "sync me", "project_id": "proj"})
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	require.Eventually(t, func() bool {
		resp, err := http.Post(srv.URL+"/api/v1/sync", "application/json", nil)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	statusResp, err := http.Get(srv.URL + "/api/v1/sync/status")
	require.NoError(t, err)
	defer statusResp.Body.Close()
	var st engine.SyncStatus
	require.NoError(t, json.NewDecoder(statusResp.Body).Decode(&st))
	assert.True(t, st.Enabled)
	assert.Equal(t, 0, st.Queue.Pending)
}

func TestIntegration_ConcurrentStores(t *testing.T) {
	srv := setupIntegrationTest(t)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, _ := json.Marshal(map[string]any{"content": fmt.Sprintf("note %d", i), "project_id": "proj"})
			resp, err := http.Post(srv.URL+"/api/v1/memories", "application/json", bytes.NewReader(data))
			if err != nil {
				errs <- err
				return
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusCreated {
				errs <- fmt.Errorf("status %d", resp.StatusCode)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	resp, err := http.Get(srv.URL + "/api/v1/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	var st engine.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, n, st.Cache.Records)
}

func TestHTTPServer_ServeAndShutdown(t *testing.T) {
	cfg := testConfig()
	eng := setupEngine(t, cfg)
	server := NewHTTPServer(cfg, logger.Nop(), NewHandlers(eng, nil))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- server.Serve(ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))
	assert.NoError(t, <-done)
}

func TestNewHTTPServer_Addr(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 7420
	server := NewHTTPServer(cfg, logger.Nop(), &Handlers{})
	assert.Equal(t, "127.0.0.1:7420", server.Addr())
	assert.NotNil(t, server.Handler())
}

func BenchmarkHealthCheck(b *testing.B) {
	srv := setupIntegrationTest(b)
	client := srv.Client()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		resp, err := client.Get(srv.URL + "/health")
		if err != nil {
			b.Fatal(err)
		}
		resp.Body.Close()
	}
}

func BenchmarkSearch(b *testing.B) {
	srv := setupIntegrationTest(b)
	for i := 0; i < 100; i++ {
		resp := postJSON(b, srv.URL+"/api/v1/memories", map[string]any{"content": fmt.Sprintf("memory number %d", i), "project_id": "bench"})
		resp.Body.Close()
	}
	body, _ := json.Marshal(map[string]any{"query": "memory number 42", "project_id": "bench"})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		resp, err := http.Post(srv.URL+"/api/v1/search", "application/json", bytes.NewReader(body))
		if err != nil {
			b.Fatal(err)
		}
		resp.Body.Close()
	}
}
