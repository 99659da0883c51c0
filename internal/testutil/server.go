package testutil

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"
)

// Test constants for consistent test data.
const (
	// TestOrg is the Azure DevOps organization used in tests.
	TestOrg = "contoso"

	// TestProject is an allowed project name.
	TestProject = "web-platform"

	// TestSecondProject is a second allowed project name.
	TestSecondProject = "data-platform"

	// TestToken is a bearer token for testing.
	TestToken = "test-bearer-token"

	// TestIdentity is a caller identity key.
	TestIdentity = "aad-oid-12345"
)

// Capture represents a captured HTTP request with timestamp.
type Capture struct {
	Method      string
	Path        string
	Query       url.Values
	Headers     http.Header
	Body        []byte
	ContentType string
	Timestamp   time.Time
}

// MockADOServer provides a mock Azure DevOps REST API server for testing.
type MockADOServer struct {
	*httptest.Server
	t        *testing.T
	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	captures []Capture
}

// NewMockServer creates a mock ADO API server.
// The server is automatically closed when the test completes.
func NewMockServer(t *testing.T) *MockADOServer {
	t.Helper()

	m := &MockADOServer{
		t:        t,
		handlers: make(map[string]http.HandlerFunc),
		captures: make([]Capture, 0),
	}

	m.Server = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.Server.Close)
	return m
}

func (m *MockADOServer) handle(w http.ResponseWriter, r *http.Request) {
	// Read body once for capture
	body, _ := io.ReadAll(r.Body)
	r.Body.Close()

	// Restore body for downstream handler
	r.Body = io.NopCloser(bytes.NewReader(body))

	m.mu.Lock()
	m.captures = append(m.captures, Capture{
		Method:      r.Method,
		Path:        r.URL.Path,
		Query:       r.URL.Query(),
		Headers:     r.Header.Clone(),
		Body:        body,
		ContentType: r.Header.Get("Content-Type"),
		Timestamp:   time.Now(),
	})

	// Find handler
	key := r.Method + ":" + r.URL.Path
	handler, exists := m.handlers[key]
	m.mu.Unlock()

	if exists {
		handler(w, r)
		return
	}

	// Default empty list response
	ReplyJSON(w, map[string]any{"count": 0, "value": []any{}})
}

// OnMethod registers a handler for a specific HTTP method and path.
func (m *MockADOServer) OnMethod(method, path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method+":"+path] = handler
}

// On registers a handler for a GET request (most common case).
func (m *MockADOServer) On(path string, handler http.HandlerFunc) {
	m.OnMethod("GET", path, handler)
}

// OnPost registers a handler for a POST request.
func (m *MockADOServer) OnPost(path string, handler http.HandlerFunc) {
	m.OnMethod("POST", path, handler)
}

// Captures returns all captured requests.
func (m *MockADOServer) Captures() []Capture {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Capture{}, m.captures...)
}

// LastCapture returns the most recent captured request.
func (m *MockADOServer) LastCapture() *Capture {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.captures) == 0 {
		return nil
	}
	return &m.captures[len(m.captures)-1]
}

// CaptureCount returns the total number of captured requests.
func (m *MockADOServer) CaptureCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.captures)
}

// ResetCaptures clears only captures, keeping handlers.
func (m *MockADOServer) ResetCaptures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captures = m.captures[:0]
}

// BaseURL returns the server's base URL.
// Use this as both the API and release base URL when creating clients.
func (m *MockADOServer) BaseURL() string {
	return m.Server.URL
}

// ProjectPath builds "/{org}/{project}/{path}" for handler registration.
func ProjectPath(path string) string {
	return "/" + TestOrg + "/" + TestProject + "/" + path
}
