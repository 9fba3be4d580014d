package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// MockBackend is a webhook receiver standing in for the service behind one
// template action. Responses are queued; the last one repeats.
type MockBackend struct {
	t      *testing.T
	action string
	server *httptest.Server

	mu        sync.Mutex
	responses []mockResponse
	current   int
	received  []*RecordedRequest
}

// RecordedRequest captures a delivered action call.
type RecordedRequest struct {
	IdempotencyKey string
	Body           map[string]any
	ReceivedAt     time.Time
}

type mockResponse struct {
	status    int
	body      any
	connError bool
}

func newMockBackend(t *testing.T, action string) *MockBackend {
	t.Helper()
	mb := &MockBackend{t: t, action: action}
	mb.server = httptest.NewServer(http.HandlerFunc(mb.handle))
	t.Cleanup(mb.server.Close)
	return mb
}

// URL returns the base URL of the mock backend server.
func (mb *MockBackend) URL() string {
	return mb.server.URL
}

// RespondWith queues a response with the given status and JSON body.
func (mb *MockBackend) RespondWith(status int, body any) *MockBackend {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.responses = append(mb.responses, mockResponse{status: status, body: body})
	return mb
}

// RespondWithConnectionError queues a response that drops the connection.
func (mb *MockBackend) RespondWithConnectionError() *MockBackend {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.responses = append(mb.responses, mockResponse{connError: true})
	return mb
}

func (mb *MockBackend) handle(w http.ResponseWriter, r *http.Request) {
	rec := &RecordedRequest{
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		ReceivedAt:     time.Now(),
	}
	if data, _ := io.ReadAll(r.Body); len(data) > 0 {
		_ = json.Unmarshal(data, &rec.Body)
	}

	mb.mu.Lock()
	mb.received = append(mb.received, rec)
	resp, ok := mb.next()
	mb.mu.Unlock()

	if !ok {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		return
	}
	if resp.connError {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, _ := hj.Hijack(); conn != nil {
				_ = conn.Close()
			}
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	if resp.body != nil {
		_ = json.NewEncoder(w).Encode(resp.body)
	}
}

// next must be called with mu held.
func (mb *MockBackend) next() (mockResponse, bool) {
	if len(mb.responses) == 0 {
		return mockResponse{}, false
	}
	idx := mb.current
	if idx >= len(mb.responses) {
		idx = len(mb.responses) - 1
	} else {
		mb.current++
	}
	return mb.responses[idx], true
}

// AssertCalled verifies the action was delivered the expected number of times.
func (mb *MockBackend) AssertCalled(t *testing.T, expectedCount int) {
	t.Helper()
	mb.mu.Lock()
	actual := len(mb.received)
	mb.mu.Unlock()
	if actual != expectedCount {
		t.Errorf("mock %s: called %d times, want %d", mb.action, actual, expectedCount)
	}
}

// LastRequest returns the last delivered call, or nil.
func (mb *MockBackend) LastRequest() *RecordedRequest {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if len(mb.received) == 0 {
		return nil
	}
	return mb.received[len(mb.received)-1]
}
