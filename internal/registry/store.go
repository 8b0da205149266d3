// Package registry holds service membership as one TTL-bound key per instance.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/moonkev/flexdisco/internal/common/telemetry"
	"github.com/moonkev/flexdisco/internal/common/types"
)

// Store is the membership registry. Every operation touches a single key and is atomic on
// its own.
type Store interface {
	// Register creates or overwrites the entry and reports whether the key is new.
	Register(ctx context.Context, inst types.ServiceInstance, ttl time.Duration) (bool, error)
	// Refresh extends the entry by the TTL it was registered with and reports whether it exists.
	Refresh(ctx context.Context, inst types.ServiceInstance) (bool, error)
	// Unregister deletes the entry and reports whether it existed.
	Unregister(ctx context.Context, inst types.ServiceInstance) (bool, error)
	ListAll(ctx context.Context) (map[types.ServiceType][]types.ServiceInstance, error)
	ListByType(ctx context.Context, st types.ServiceType) ([]types.ServiceInstance, error)
	// Expirations streams raw keys removed by TTL expiry until ctx is done or the store
	// closes, at which point the channel is closed.
	Expirations(ctx context.Context) (<-chan string, error)
	Close() error
}

var errBadTTL = errors.New("ttl must be positive")

// record is the stored value of a key
type record struct {
	Instance types.ServiceInstance `json:"instance"`
	TTLMs    int64                 `json:"ttlMs"`
}

func (r record) ttl() time.Duration {
	return time.Duration(r.TTLMs) * time.Millisecond
}

func encodeRecord(inst types.ServiceInstance, ttl time.Duration) (string, error) {
	return sonic.ConfigStd.MarshalToString(record{Instance: inst, TTLMs: ttl.Milliseconds()})
}

func decodeRecord(raw string) (record, error) {
	var r record
	if err := sonic.ConfigStd.UnmarshalFromString(raw, &r); err != nil {
		return record{}, err
	}
	if len(r.Instance.Addresses) == 0 {
		return record{}, types.ErrNoAddresses
	}
	return r, nil
}

func checkTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("%w: %s", errBadTTL, ttl)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

func observe(op string, err error) {
	telemetry.MetricRegistryOps.WithLabelValues(op, telemetry.Result(err)).Inc()
}

// group buckets instances by type, each bucket sorted by instance id
func group(instances []types.ServiceInstance) map[types.ServiceType][]types.ServiceInstance {
	out := make(map[types.ServiceType][]types.ServiceInstance)
	for _, inst := range instances {
		out[inst.ServiceType] = append(out[inst.ServiceType], inst)
	}
	for _, list := range out {
		sortInstances(list)
	}
	return out
}

func sortInstances(list []types.ServiceInstance) {
	slices.SortFunc(list, func(a, b types.ServiceInstance) int {
		return strings.Compare(a.InstanceID.String(), b.InstanceID.String())
	})
}
