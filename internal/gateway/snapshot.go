// Package gateway turns membership events into an immutable routing snapshot and serves
// requests from whichever snapshot is current.
package gateway

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/moonkev/flexdisco/internal/common/types"
	"github.com/moonkev/flexdisco/internal/pathmap"
)

// RouteDescriptor binds a public path pattern to a cluster
type RouteDescriptor struct {
	RouteID     string `json:"routeId"`
	ClusterID   string `json:"clusterId"`
	MatchPath   string `json:"matchPath"`
	RewritePath string `json:"rewritePath"`
}

// ClusterDescriptor is every destination of one service type, keyed by destination id.
// The map of a published snapshot is never modified.
type ClusterDescriptor struct {
	ClusterID    string            `json:"clusterId"`
	Destinations map[string]string `json:"destinations"`
}

// RouteID numbers the routes of a service type from 1 in path table order
func RouteID(st types.ServiceType, position int) string {
	return fmt.Sprintf("%s-route-%d", st, position)
}

// DestinationID identifies one address of one instance; index refers to the normalised
// address list.
func DestinationID(st types.ServiceType, id uuid.UUID, index int) string {
	return fmt.Sprintf("%s%d", destinationPrefix(st, id), index)
}

func destinationPrefix(st types.ServiceType, id uuid.UUID) string {
	return st.String() + "-" + id.String() + "-"
}

// ChangeToken is signalled once, when the snapshot carrying it is replaced
type ChangeToken struct {
	ch   chan struct{}
	once sync.Once
}

func newChangeToken() *ChangeToken {
	return &ChangeToken{ch: make(chan struct{})}
}

// Changed is closed when a newer snapshot has been installed
func (t *ChangeToken) Changed() <-chan struct{} { return t.ch }

func (t *ChangeToken) HasChanged() bool {
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

func (t *ChangeToken) invalidate() {
	t.once.Do(func() { close(t.ch) })
}

type compiledRoute struct {
	route   RouteDescriptor
	mapping pathmap.Mapping
}

// ConfigSnapshot is the complete set of routes and clusters in effect. It is never modified
// after it is installed, so readers may hold on to it without locking.
type ConfigSnapshot struct {
	version  uint64
	routes   []RouteDescriptor
	clusters []ClusterDescriptor
	index    map[string]int
	// most specific route first
	matchOrder []compiledRoute
	token      *ChangeToken
}

// NewConfigSnapshot builds an uninstalled snapshot. Routes keep their relative order within
// a cluster; clusters are ordered by id.
func NewConfigSnapshot(routes []RouteDescriptor, clusters []ClusterDescriptor) *ConfigSnapshot {
	s := &ConfigSnapshot{
		routes:   slices.Clone(routes),
		clusters: slices.Clone(clusters),
		token:    newChangeToken(),
	}
	slices.SortStableFunc(s.routes, func(a, b RouteDescriptor) int {
		return strings.Compare(a.ClusterID, b.ClusterID)
	})
	slices.SortFunc(s.clusters, func(a, b ClusterDescriptor) int {
		return strings.Compare(a.ClusterID, b.ClusterID)
	})
	s.index = make(map[string]int, len(s.clusters))
	for i, c := range s.clusters {
		s.index[c.ClusterID] = i
	}
	for _, r := range s.routes {
		m, err := pathmap.NewMapping(r.MatchPath, r.RewritePath)
		if err != nil {
			slog.Error("Route not routable", "routeId", r.RouteID, "error", err)
			continue
		}
		s.matchOrder = append(s.matchOrder, compiledRoute{route: r, mapping: m})
	}
	slices.SortStableFunc(s.matchOrder, func(a, b compiledRoute) int {
		return len(b.mapping.Match.Literal()) - len(a.mapping.Match.Literal())
	})
	return s
}

func emptySnapshot() *ConfigSnapshot {
	return NewConfigSnapshot(nil, nil)
}

// Version increases by one with every installed change; the initial snapshot is 0.
func (s *ConfigSnapshot) Version() uint64 { return s.version }

func (s *ConfigSnapshot) ChangeToken() *ChangeToken { return s.token }

// Routes returns a copy of the routes ordered by cluster id then table position
func (s *ConfigSnapshot) Routes() []RouteDescriptor { return slices.Clone(s.routes) }

// Clusters returns a deep copy of the clusters ordered by id
func (s *ConfigSnapshot) Clusters() []ClusterDescriptor {
	out := make([]ClusterDescriptor, len(s.clusters))
	for i, c := range s.clusters {
		out[i] = ClusterDescriptor{ClusterID: c.ClusterID, Destinations: maps.Clone(c.Destinations)}
	}
	return out
}

// Cluster looks up a cluster. The returned destinations must not be modified.
func (s *ConfigSnapshot) Cluster(id string) (ClusterDescriptor, bool) {
	i, ok := s.index[id]
	if !ok {
		return ClusterDescriptor{}, false
	}
	return s.clusters[i], true
}

// Match finds the most specific route for path and the upstream path it rewrites to
func (s *ConfigSnapshot) Match(path string) (RouteDescriptor, string, bool) {
	for _, cr := range s.matchOrder {
		if upstream, ok := cr.mapping.Resolve(path); ok {
			return cr.route, upstream, true
		}
	}
	return RouteDescriptor{}, "", false
}

// SameContent reports whether both snapshots carry the same routes and clusters
func (s *ConfigSnapshot) SameContent(o *ConfigSnapshot) bool {
	if !slices.Equal(s.routes, o.routes) || len(s.clusters) != len(o.clusters) {
		return false
	}
	for i := range s.clusters {
		if s.clusters[i].ClusterID != o.clusters[i].ClusterID ||
			!maps.Equal(s.clusters[i].Destinations, o.clusters[i].Destinations) {
			return false
		}
	}
	return true
}

// withCluster returns a copy with c added or replacing the cluster of the same id, and
// routes appended.
func (s *ConfigSnapshot) withCluster(c ClusterDescriptor, routes []RouteDescriptor) *ConfigSnapshot {
	clusters := slices.Clone(s.clusters)
	if i, ok := s.index[c.ClusterID]; ok {
		clusters[i] = c
	} else {
		clusters = append(clusters, c)
	}
	return NewConfigSnapshot(append(slices.Clone(s.routes), routes...), clusters)
}

// withoutCluster returns a copy without the cluster and every route bound to it
func (s *ConfigSnapshot) withoutCluster(id string) *ConfigSnapshot {
	clusters := slices.DeleteFunc(slices.Clone(s.clusters), func(c ClusterDescriptor) bool {
		return c.ClusterID == id
	})
	routes := slices.DeleteFunc(slices.Clone(s.routes), func(r RouteDescriptor) bool {
		return r.ClusterID == id
	})
	return NewConfigSnapshot(routes, clusters)
}

func (s *ConfigSnapshot) stamp(version uint64) *ConfigSnapshot {
	out := *s
	out.version = version
	out.token = newChangeToken()
	return &out
}

type snapshotView struct {
	Version  uint64              `json:"version"`
	Routes   []RouteDescriptor   `json:"routes"`
	Clusters []ClusterDescriptor `json:"clusters"`
}

func (s *ConfigSnapshot) MarshalJSON() ([]byte, error) {
	view := snapshotView{Version: s.version, Routes: s.routes, Clusters: s.clusters}
	if view.Routes == nil {
		view.Routes = []RouteDescriptor{}
	}
	if view.Clusters == nil {
		view.Clusters = []ClusterDescriptor{}
	}
	return sonic.ConfigStd.Marshal(view)
}
