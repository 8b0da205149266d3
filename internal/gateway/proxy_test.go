package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/moonkev/flexdisco/internal/common/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProxyRoutesAndRewrites(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.URL.Path+"?"+r.URL.RawQuery)
	}))
	defer upstream.Close()

	p, s := newSync(t)
	require.NoError(t, s.Handle(context.Background(), registered(inst(t, types.BloggingAPI, upstream.URL), t0)))

	gw := httptest.NewServer(NewProxy(p, nil))
	defer gw.Close()

	resp, err := http.Get(gw.URL + "/blogging/posts/7?draft=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/api/posts/7?draft=1", string(body))
}

func TestProxyNoRoute(t *testing.T) {
	p, _ := newSync(t)
	rec := httptest.NewRecorder()
	NewProxy(p, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProxyNoDestination(t *testing.T) {
	p, s := newSync(t)
	require.NoError(t, s.Handle(context.Background(), registered(inst(t, types.BloggingAPI, "http://10.0.0.1:5000"), t0)))

	empty := PickerFunc(func(*http.Request, ClusterDescriptor) (string, bool) { return "", false })
	rec := httptest.NewRecorder()
	NewProxy(p, empty).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/blogging/x", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestProxyUpstreamDown(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	addr := upstream.URL
	upstream.Close()

	p, s := newSync(t)
	require.NoError(t, s.Handle(context.Background(), registered(inst(t, types.IdentityAPI, addr), t0)))

	rec := httptest.NewRecorder()
	NewProxy(p, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/identity/me", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestPickers(t *testing.T) {
	c := ClusterDescriptor{ClusterID: "x", Destinations: map[string]string{"x-b-0": "http://b", "x-a-0": "http://a"}}

	addr, ok := FirstPicker{}.Pick(nil, c)
	require.True(t, ok)
	assert.Equal(t, "http://a", addr)

	addr, ok = RandomPicker{}.Pick(nil, c)
	require.True(t, ok)
	assert.Contains(t, []string{"http://a", "http://b"}, addr)

	_, ok = RandomPicker{}.Pick(nil, ClusterDescriptor{})
	assert.False(t, ok)
	_, ok = FirstPicker{}.Pick(nil, ClusterDescriptor{})
	assert.False(t, ok)
}
