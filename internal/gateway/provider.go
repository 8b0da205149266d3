package gateway

import (
	"log/slog"
	"sync/atomic"

	"github.com/moonkev/flexdisco/internal/common/telemetry"
)

// Mutation derives the next snapshot from the current one. It must not modify current and
// may run more than once per update. Returning current, or an equal snapshot, is a no-op.
type Mutation func(current *ConfigSnapshot) (*ConfigSnapshot, error)

// RouteTableReader gives lock-free access to the current snapshot
type RouteTableReader interface {
	Snapshot() *ConfigSnapshot
}

// RouteTableWriter installs snapshots
type RouteTableWriter interface {
	Apply(m Mutation) (*ConfigSnapshot, error)
}

// SnapshotProvider holds the current snapshot. Writers race through a compare-and-swap loop,
// so concurrent updates are all applied and none is lost.
type SnapshotProvider struct {
	current atomic.Pointer[ConfigSnapshot]
}

func NewSnapshotProvider() *SnapshotProvider {
	p := &SnapshotProvider{}
	p.current.Store(emptySnapshot())
	return p
}

func (p *SnapshotProvider) Snapshot() *ConfigSnapshot {
	return p.current.Load()
}

// Apply installs the result of m and invalidates the previous snapshot's change token. When
// m fails nothing is installed and the current snapshot is returned with the error.
func (p *SnapshotProvider) Apply(m Mutation) (*ConfigSnapshot, error) {
	for {
		cur := p.current.Load()
		next, err := m(cur)
		if err != nil {
			return cur, err
		}
		if next == nil || next == cur || next.SameContent(cur) {
			return cur, nil
		}
		next = next.stamp(cur.version + 1)
		if p.current.CompareAndSwap(cur, next) {
			cur.token.invalidate()
			telemetry.MetricSnapshotsInstalled.Inc()
			telemetry.MetricGatewayClusters.Set(float64(len(next.clusters)))
			telemetry.MetricGatewayRoutes.Set(float64(len(next.routes)))
			slog.Debug("Installed config snapshot",
				"version", next.version,
				"clusters", len(next.clusters),
				"routes", len(next.routes))
			return next, nil
		}
		telemetry.MetricSnapshotConflicts.Inc()
	}
}
