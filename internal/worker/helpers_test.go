package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/any-hub/asset-hub/internal/cache"
)

const testOrigin = "https://zdevstack.com"

// fakeNetwork 模拟回源网络：按 URL 返回预设响应，并记录每次请求。
type fakeNetwork struct {
	mu        sync.Mutex
	responses map[string]fakeResponse
	calls     []string
	fail      error
}

type fakeResponse struct {
	status int
	body   string
	header http.Header
	// finalURL 模拟重定向后的最终地址。
	finalURL string
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{responses: map[string]fakeResponse{}}
}

func (n *fakeNetwork) set(rawURL string, status int, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.responses[rawURL] = fakeResponse{status: status, body: body}
}

func (n *fakeNetwork) setResponse(rawURL string, resp fakeResponse) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.responses[rawURL] = resp
}

func (n *fakeNetwork) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	n.calls = append(n.calls, req.Method+" "+req.URL.String())
	preset, ok := n.responses[req.URL.String()]
	fail := n.fail
	n.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fail != nil {
		return nil, fail
	}
	if !ok {
		preset = fakeResponse{status: http.StatusNotFound, body: "not found"}
	}
	header := preset.header.Clone()
	if header == nil {
		header = http.Header{}
	}
	final := req
	if preset.finalURL != "" {
		redirected := req.Clone(ctx)
		redirected.URL, _ = url.Parse(preset.finalURL)
		final = redirected
	}
	return &http.Response{
		StatusCode: preset.status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(preset.body)),
		Request:    final,
	}, nil
}

var errNetworkDown = errors.New("network unreachable")

type controllerFixture struct {
	controller *Controller
	storage    cache.Storage
	network    *fakeNetwork
}

func newControllerFixture(t *testing.T) *controllerFixture {
	t.Helper()
	backend, err := cache.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	origin, err := url.Parse(testOrigin)
	require.NoError(t, err)

	network := newFakeNetwork()
	storage := backend.Storage("zdevstack")
	controller, err := NewController(ControllerOptions{
		Site:        "zdevstack",
		Origin:      origin,
		Storage:     storage,
		Fetcher:     network,
		Concurrency: 4,
	})
	require.NoError(t, err)
	return &controllerFixture{controller: controller, storage: storage, network: network}
}

func newGet(t *testing.T, rawURL string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	require.NoError(t, err)
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	require.NotNil(t, resp)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func partitionKeys(t *testing.T, storage cache.Storage, name string) []string {
	t.Helper()
	ctx := context.Background()
	exists, err := storage.Has(ctx, name)
	require.NoError(t, err)
	if !exists {
		return nil
	}
	partition, err := storage.Open(ctx, name)
	require.NoError(t, err)
	keys, err := partition.Keys(ctx)
	require.NoError(t, err)
	return keys
}
