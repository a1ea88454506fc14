package integration

import (
	"context"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"
)

// upstreamStub 模拟静态站点上游：按路径返回固定内容，并记录每次请求。
type upstreamStub struct {
	server   *http.Server
	listener net.Listener
	URL      string

	mu       sync.Mutex
	assets   map[string]string
	statuses map[string]int
	requests []RecordedRequest
}

// RecordedRequest 捕获每次请求的方法/路径/Host，便于断言代理行为。
type RecordedRequest struct {
	Method string
	Path   string
	Host   string
}

func newUpstreamStub(t *testing.T, assets map[string]string) *upstreamStub {
	t.Helper()

	stub := &upstreamStub{
		assets:   make(map[string]string, len(assets)),
		statuses: map[string]int{},
	}
	for path, body := range assets {
		stub.assets[path] = body
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("unable to start upstream stub listener: %v", err)
	}
	server := &http.Server{Handler: http.HandlerFunc(stub.serve)}

	stub.server = server
	stub.listener = listener
	stub.URL = "http://" + listener.Addr().String()

	go func() {
		_ = server.Serve(listener)
	}()

	t.Cleanup(stub.Close)
	return stub
}

func (s *upstreamStub) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, RecordedRequest{Method: r.Method, Path: r.URL.Path, Host: r.Host})
	body, ok := s.assets[r.URL.Path]
	status := s.statuses[r.URL.Path]
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// SetAsset 更新或新增一个资源。
func (s *upstreamStub) SetAsset(path, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[path] = body
}

// SetStatus 让 path 以指定状态码返回现有内容。
func (s *upstreamStub) SetStatus(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[path] = status
}

// Hits 返回 path 被请求的次数。
func (s *upstreamStub) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, req := range s.requests {
		if req.Path == path {
			count++
		}
	}
	return count
}

// Requests 返回请求记录副本。
func (s *upstreamStub) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedRequest(nil), s.requests...)
}

func (s *upstreamStub) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.server.Shutdown(ctx)
}
