package integrationtest

import (
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/alicebob/miniredis/v2"
)

var (
	miniRedisMock *miniredis.Miniredis
)

func createMockRedisServer() {
	miniRedisMock = miniredis.NewMiniRedis()
	err := miniRedisMock.StartAddr(":16379")
	if err != nil {
		panic(err)
	}
}

// mockProvider is a stand-in OpenWeatherMap server whose per-city responses
// tests swap out between cases.
type mockProvider struct {
	mu        sync.Mutex
	responses map[string]mockResponse // keyed by the q= query parameter
	server    *httptest.Server
}

type mockResponse struct {
	Code int
	Body string
}

func newMockProvider() *mockProvider {
	p := &mockProvider{responses: make(map[string]mockResponse)}
	p.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		resp, ok := p.responses[r.URL.Query().Get("q")]
		p.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"cod":"404","message":"city not found"}`))
			return
		}
		w.WriteHeader(resp.Code)
		_, _ = w.Write([]byte(resp.Body))
	}))
	return p
}

func (p *mockProvider) respond(queryKey string, code int, body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses[queryKey] = mockResponse{Code: code, Body: body}
}

func (p *mockProvider) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = make(map[string]mockResponse)
}

func (p *mockProvider) close() {
	p.server.Close()
}
