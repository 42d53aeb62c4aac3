package metadata

import (
	"context"
	"encoding/json"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// DefaultEtcdKey is where the configuration document lives in etcd.
const DefaultEtcdKey = "/zephyr/metadata/cluster"

// EtcdStore keeps the configuration as a single JSON document in etcd. The
// document's ModRevision is the store revision, so Commit is a compare and
// swap on it.
type EtcdStore struct {
	kv  clientv3.KV
	key string
}

// NewEtcdStore returns a store over kv; an empty key selects
// DefaultEtcdKey.
func NewEtcdStore(kv clientv3.KV, key string) *EtcdStore {
	if key == "" {
		key = DefaultEtcdKey
	}
	return &EtcdStore{kv: kv, key: key}
}

func (s *EtcdStore) Snapshot(ctx context.Context) (Snapshot, error) {
	resp, err := s.kv.Get(ctx, s.key)
	if err != nil {
		return Snapshot{}, fmt.Errorf("metadata.EtcdStore.Snapshot: get failed: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return Snapshot{Config: NewCluster()}, nil
	}
	doc, err := DecodeCluster(resp.Kvs[0].Value)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Config: doc, Revision: resp.Kvs[0].ModRevision}, nil
}

func (s *EtcdStore) Commit(ctx context.Context, rev int64, c *Cluster) (int64, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return 0, fmt.Errorf("metadata.EtcdStore.Commit: encode failed: %w", err)
	}
	resp, err := s.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(s.key), "=", rev)).
		Then(clientv3.OpPut(s.key, string(b))).
		Commit()
	if err != nil {
		return 0, fmt.Errorf("metadata.EtcdStore.Commit: txn failed: %w", err)
	}
	if !resp.Succeeded {
		return 0, fmt.Errorf("metadata.EtcdStore.Commit: base %d: %w", rev, ErrConflict)
	}
	return resp.Header.Revision, nil
}
