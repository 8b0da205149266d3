package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/moonkev/flexdisco/internal/common/types"
	"github.com/moonkev/flexdisco/internal/events"
	"github.com/moonkev/flexdisco/internal/pathmap"
)

// PathTable supplies the routes of a service type
type PathTable interface {
	GetMatchingPaths(st types.ServiceType) ([]pathmap.Mapping, error)
}

const maxTombstones = 65536

// RouteSynchronizer applies membership events to the route table. Every update is recomputed
// from the current snapshot's content, so redelivered events converge to the same state.
type RouteSynchronizer struct {
	table  PathTable
	writer RouteTableWriter
	// instanceId -> OccurredAt of its latest Unregistered
	tombstones *expirable.LRU[uuid.UUID, time.Time]
}

// NewRouteSynchronizer remembers unregistered instances for tombstoneTTL so a late duplicate
// Registered cannot bring them back.
func NewRouteSynchronizer(table PathTable, writer RouteTableWriter, tombstoneTTL time.Duration) *RouteSynchronizer {
	return &RouteSynchronizer{
		table:      table,
		writer:     writer,
		tombstones: expirable.NewLRU[uuid.UUID, time.Time](maxTombstones, nil, tombstoneTTL),
	}
}

// Handle dispatches membership events and ignores every other kind
func (s *RouteSynchronizer) Handle(ctx context.Context, ev events.Event) error {
	switch ev.Kind {
	case events.KindRegistered:
		return s.HandleRegistered(ctx, ev)
	case events.KindUnregistered:
		return s.HandleUnregistered(ctx, ev)
	default:
		return nil
	}
}

// HandleRegistered merges the instance's destinations into its cluster, creating the cluster
// and its routes on first sight. An unmapped service type fails with
// pathmap.ErrUnknownServiceType and installs nothing.
//
// The instance's previous destinations are replaced wholesale, without comparing
// OccurredAt against the last Registered. A redelivered Registered that arrives after a
// newer one therefore reinstalls its older addresses until the next registration. Only
// tombstones order events, so this stays an accepted gap while addresses rarely change
// within one instance lifetime.
func (s *RouteSynchronizer) HandleRegistered(_ context.Context, ev events.Event) error {
	inst := ev.Instance()
	st := inst.ServiceType
	addrs := types.NormalizeAddresses(inst.Addresses)

	stale := false
	snap, err := s.writer.Apply(func(cur *ConfigSnapshot) (*ConfigSnapshot, error) {
		stale = s.isStale(inst.InstanceID, ev.OccurredAt)
		if stale {
			return cur, nil
		}

		dests := make(map[string]string, len(addrs))
		var routes []RouteDescriptor
		existing, ok := cur.Cluster(st.String())
		if ok {
			maps.Copy(dests, existing.Destinations)
		} else {
			paths, err := s.table.GetMatchingPaths(st)
			if err != nil {
				return nil, fmt.Errorf("create cluster %s: %w", st, err)
			}
			if len(paths) == 0 {
				return nil, fmt.Errorf("create cluster %s: %w: no routes", st, pathmap.ErrUnknownServiceType)
			}
			for i, p := range paths {
				routes = append(routes, RouteDescriptor{
					RouteID:     RouteID(st, i+1),
					ClusterID:   st.String(),
					MatchPath:   p.Match.String(),
					RewritePath: p.Rewrite.String(),
				})
			}
		}
		removeInstance(dests, st, inst.InstanceID)
		for i, addr := range addrs {
			dests[DestinationID(st, inst.InstanceID, i)] = addr
		}
		return cur.withCluster(ClusterDescriptor{ClusterID: st.String(), Destinations: dests}, routes), nil
	})
	if err != nil {
		return err
	}
	if stale {
		slog.Info("Ignoring stale registration", ev.LogAttrs()...)
		return nil
	}
	if t, ok := s.tombstones.Peek(inst.InstanceID); ok && ev.OccurredAt.After(t) {
		s.tombstones.Remove(inst.InstanceID)
	}
	slog.Debug("Instance routed", append(ev.LogAttrs(), "version", snap.Version())...)
	return nil
}

// HandleUnregistered removes the instance's destinations, dropping the cluster and its routes
// once no destination is left.
func (s *RouteSynchronizer) HandleUnregistered(_ context.Context, ev events.Event) error {
	st := ev.ServiceType
	if t, ok := s.tombstones.Peek(ev.InstanceID); !ok || ev.OccurredAt.After(t) {
		s.tombstones.Add(ev.InstanceID, ev.OccurredAt)
	}

	snap, err := s.writer.Apply(func(cur *ConfigSnapshot) (*ConfigSnapshot, error) {
		existing, ok := cur.Cluster(st.String())
		if !ok {
			return cur, nil
		}
		dests := maps.Clone(existing.Destinations)
		removeInstance(dests, st, ev.InstanceID)
		if len(dests) == 0 {
			return cur.withoutCluster(st.String()), nil
		}
		return cur.withCluster(ClusterDescriptor{ClusterID: st.String(), Destinations: dests}, nil), nil
	})
	if err != nil {
		return err
	}
	slog.Debug("Instance unrouted", append(ev.LogAttrs(), "version", snap.Version())...)
	return nil
}

func (s *RouteSynchronizer) isStale(id uuid.UUID, at time.Time) bool {
	t, ok := s.tombstones.Peek(id)
	return ok && !at.After(t)
}

func removeInstance(dests map[string]string, st types.ServiceType, id uuid.UUID) {
	prefix := destinationPrefix(st, id)
	maps.DeleteFunc(dests, func(k, _ string) bool {
		return strings.HasPrefix(k, prefix)
	})
}
