package gateway

import (
	"log/slog"
	"maps"
	"math/rand/v2"
	"net/http"
	"net/http/httputil"
	"net/url"
	"slices"
)

// Picker chooses the address a request is sent to
type Picker interface {
	Pick(r *http.Request, cluster ClusterDescriptor) (string, bool)
}

// PickerFunc adapts a function to Picker
type PickerFunc func(r *http.Request, cluster ClusterDescriptor) (string, bool)

func (f PickerFunc) Pick(r *http.Request, cluster ClusterDescriptor) (string, bool) {
	return f(r, cluster)
}

// FirstPicker always picks the destination with the lowest id
type FirstPicker struct{}

func (FirstPicker) Pick(_ *http.Request, cluster ClusterDescriptor) (string, bool) {
	if len(cluster.Destinations) == 0 {
		return "", false
	}
	ids := slices.Sorted(maps.Keys(cluster.Destinations))
	return cluster.Destinations[ids[0]], true
}

// RandomPicker picks a destination uniformly at random
type RandomPicker struct{}

func (RandomPicker) Pick(_ *http.Request, cluster ClusterDescriptor) (string, bool) {
	if len(cluster.Destinations) == 0 {
		return "", false
	}
	ids := slices.Sorted(maps.Keys(cluster.Destinations))
	return cluster.Destinations[ids[rand.IntN(len(ids))]], true
}

// Proxy routes each request with the snapshot current at its arrival
type Proxy struct {
	reader    RouteTableReader
	picker    Picker
	transport http.RoundTripper
}

// NewProxy creates a proxy; a nil picker means FirstPicker
func NewProxy(reader RouteTableReader, picker Picker) *Proxy {
	if picker == nil {
		picker = FirstPicker{}
	}
	return &Proxy{reader: reader, picker: picker, transport: http.DefaultTransport}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap := p.reader.Snapshot()
	route, upstreamPath, ok := snap.Match(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	cluster, ok := snap.Cluster(route.ClusterID)
	if !ok {
		http.Error(w, "no destinations for "+route.ClusterID, http.StatusServiceUnavailable)
		return
	}
	addr, ok := p.picker.Pick(r, cluster)
	if !ok {
		http.Error(w, "no destinations for "+route.ClusterID, http.StatusServiceUnavailable)
		return
	}
	target, err := url.Parse(addr)
	if err != nil || target.Host == "" {
		slog.Error("Unroutable destination address", "cluster", route.ClusterID, "address", addr, "error", err)
		http.Error(w, "bad destination", http.StatusBadGateway)
		return
	}

	rp := &httputil.ReverseProxy{
		Transport: p.transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Path = upstreamPath
			pr.Out.URL.RawPath = ""
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			slog.Warn("Upstream request failed", "route", route.RouteID, "target", addr, "error", err)
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	rp.ServeHTTP(w, r)
}
