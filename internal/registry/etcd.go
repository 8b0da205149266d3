package registry

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/moonkev/flexdisco/internal/common/telemetry"
	"github.com/moonkev/flexdisco/internal/common/types"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdStore attaches every key to its own lease so a key expires independently of the others.
// Expiry is observed as a DELETE on the registry prefix that this store did not issue.
type EtcdStore struct {
	client *clientv3.Client

	// revision of each delete issued by Unregister, so the watch can tell it from an expiry
	ownDeletes *expirable.LRU[string, int64]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEtcdStore wraps client; the client is owned by the caller.
func NewEtcdStore(client *clientv3.Client) *EtcdStore {
	ctx, cancel := context.WithCancel(context.Background())
	return &EtcdStore{
		client:     client,
		ownDeletes: expirable.NewLRU[string, int64](4096, nil, time.Minute),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func leaseSeconds(ttl time.Duration) int64 {
	return int64(math.Max(1, math.Ceil(ttl.Seconds())))
}

func (s *EtcdStore) Register(ctx context.Context, inst types.ServiceInstance, ttl time.Duration) (created bool, err error) {
	defer func() { observe("register", err) }()
	if err := checkTTL(ttl); err != nil {
		return false, err
	}
	val, err := encodeRecord(inst, ttl)
	if err != nil {
		return false, err
	}

	lease, err := s.client.Grant(ctx, leaseSeconds(ttl))
	if err != nil {
		return false, unavailable("grant", err)
	}
	resp, err := s.client.Put(ctx, KeyOf(inst), val, clientv3.WithLease(lease.ID), clientv3.WithPrevKV())
	if err != nil {
		s.revoke(lease.ID)
		return false, unavailable("put", err)
	}
	if resp.PrevKv == nil {
		return true, nil
	}
	if old := clientv3.LeaseID(resp.PrevKv.Lease); old != clientv3.NoLease && old != lease.ID {
		s.revoke(old)
	}
	return false, nil
}

func (s *EtcdStore) Refresh(ctx context.Context, inst types.ServiceInstance) (exists bool, err error) {
	defer func() { observe("refresh", err) }()
	resp, err := s.client.Get(ctx, KeyOf(inst))
	if err != nil {
		return false, unavailable("get", err)
	}
	if len(resp.Kvs) == 0 {
		return false, nil
	}
	_, err = s.client.KeepAliveOnce(ctx, clientv3.LeaseID(resp.Kvs[0].Lease))
	if errors.Is(err, rpctypes.ErrLeaseNotFound) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("keepalive", err)
	}
	return true, nil
}

func (s *EtcdStore) Unregister(ctx context.Context, inst types.ServiceInstance) (existed bool, err error) {
	defer func() { observe("unregister", err) }()
	key := KeyOf(inst)
	resp, err := s.client.Delete(ctx, key, clientv3.WithPrevKV())
	if err != nil {
		return false, unavailable("delete", err)
	}
	if resp.Deleted == 0 {
		return false, nil
	}
	s.ownDeletes.Add(key, resp.Header.Revision)
	for _, kv := range resp.PrevKvs {
		if kv.Lease != 0 {
			s.revoke(clientv3.LeaseID(kv.Lease))
		}
	}
	return true, nil
}

// revoke releases a lease that no longer carries a key. Failures only delay its expiry.
func (s *EtcdStore) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	if _, err := s.client.Revoke(ctx, id); err != nil && !errors.Is(err, rpctypes.ErrLeaseNotFound) {
		slog.Warn("Failed to revoke etcd lease", "lease", id, "error", err)
	}
}

func (s *EtcdStore) ListAll(ctx context.Context) (map[types.ServiceType][]types.ServiceInstance, error) {
	list, err := s.list(ctx, KeyPrefix+keySep)
	if err != nil {
		return nil, err
	}
	return group(list), nil
}

func (s *EtcdStore) ListByType(ctx context.Context, st types.ServiceType) ([]types.ServiceInstance, error) {
	list, err := s.list(ctx, KeyPrefix+keySep+st.String()+keySep)
	if err != nil {
		return nil, err
	}
	sortInstances(list)
	return list, nil
}

func (s *EtcdStore) list(ctx context.Context, prefix string) (out []types.ServiceInstance, err error) {
	defer func() { observe("list", err) }()
	resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, unavailable("get", err)
	}
	for _, kv := range resp.Kvs {
		rec, err := decodeRecord(string(kv.Value))
		if err != nil {
			slog.Error("Skipping undecodable registry entry", "key", string(kv.Key), "error", err)
			continue
		}
		out = append(out, rec.Instance)
	}
	return out, nil
}

// Expirations watches the registry prefix for deletes. A delete racing the bookkeeping of
// its own Unregister can surface as an expiry; consumers treat removal idempotently.
func (s *EtcdStore) Expirations(ctx context.Context) (<-chan string, error) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-s.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	wch := s.client.Watch(clientv3.WithRequireLeader(ctx), KeyPrefix+keySep,
		clientv3.WithPrefix(), clientv3.WithFilterPut())

	out := make(chan string, 16)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(out)
		defer cancel()
		for wresp := range wch {
			if err := wresp.Err(); err != nil {
				slog.Error("Etcd watch error", "error", err)
				continue
			}
			for _, ev := range wresp.Events {
				if ev.Type != mvccpb.DELETE {
					continue
				}
				key := string(ev.Kv.Key)
				if rev, ok := s.ownDeletes.Get(key); ok && rev == ev.Kv.ModRevision {
					s.ownDeletes.Remove(key)
					continue
				}
				telemetry.MetricRegistryExpirations.Inc()
				select {
				case out <- key:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	slog.Info("Watching etcd key expirations", "prefix", KeyPrefix+keySep)
	return out, nil
}

// Close stops every watch; the client is owned by the caller.
func (s *EtcdStore) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}
