package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// DefaultPrefix is the etcd key prefix under which peers register.
const DefaultPrefix = "/zephyr/peers/"

// Registrar publishes this node's business card in etcd under a lease and
// keeps a Directory in sync with everyone else's.
type Registrar struct {
	kv      clientv3.KV
	lease   clientv3.Lease
	watcher clientv3.Watcher
	dir     *Directory
	prefix  string
	ttl     int64
	logger  *zap.Logger
}

type RegistrarConfig struct {
	Prefix string
	// TTL of the registration lease, in seconds.
	TTL int64
}

func NewRegistrar(cli *clientv3.Client, dir *Directory, cfg RegistrarConfig, logger *zap.Logger) *Registrar {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if !strings.HasSuffix(cfg.Prefix, "/") {
		cfg.Prefix += "/"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registrar{
		kv:      cli.KV,
		lease:   cli.Lease,
		watcher: cli.Watcher,
		dir:     dir,
		prefix:  cfg.Prefix,
		ttl:     cfg.TTL,
		logger:  logger.Named("directory"),
	}
}

// Register puts self under a fresh lease and keeps the lease alive until
// ctx ends or the returned stop function is called. stop revokes the lease
// so peers drop this node immediately.
func (r *Registrar) Register(ctx context.Context, self Peer) (stop func(), err error) {
	b, err := json.Marshal(self)
	if err != nil {
		return nil, fmt.Errorf("directory.Registrar.Register: encode failed: %w", err)
	}
	grant, err := r.lease.Grant(ctx, r.ttl)
	if err != nil {
		return nil, fmt.Errorf("directory.Registrar.Register: lease grant failed: %w", err)
	}
	if _, err := r.kv.Put(ctx, r.prefix+self.ID.String(), string(b), clientv3.WithLease(grant.ID)); err != nil {
		return nil, fmt.Errorf("directory.Registrar.Register: put failed: %w", err)
	}

	kctx, cancel := context.WithCancel(ctx)
	ch, err := r.lease.KeepAlive(kctx, grant.ID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("directory.Registrar.Register: keepalive failed: %w", err)
	}
	go func() {
		for range ch {
		}
		if kctx.Err() == nil {
			r.logger.Warn("registration lease lost", zap.String("peer", self.ID.String()))
		}
	}()
	r.logger.Info("registered", zap.String("peer", self.ID.String()), zap.String("mailbox", self.Mailbox))

	return func() {
		cancel()
		rctx, rcancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer rcancel()
		_, _ = r.lease.Revoke(rctx, grant.ID)
	}, nil
}

// Run loads the registered peers and follows changes until ctx ends. Watch
// interruptions, including compaction, trigger a full reload.
func (r *Registrar) Run(ctx context.Context) error {
	backoff := 100 * time.Millisecond
	for {
		rev, err := r.load(ctx)
		if err == nil {
			backoff = 100 * time.Millisecond
			err = r.watch(ctx, rev)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.Warn("peer watch interrupted; reloading", zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(2*backoff, 5*time.Second)
	}
}

func (r *Registrar) load(ctx context.Context) (int64, error) {
	resp, err := r.kv.Get(ctx, r.prefix, clientv3.WithPrefix())
	if err != nil {
		return 0, fmt.Errorf("directory.Registrar.load: get failed: %w", err)
	}
	snap := make(Snapshot, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		snap = r.put(snap, kv)
	}
	r.dir.Replace(snap)
	r.logger.Debug("peers loaded", zap.Int("count", len(snap)), zap.Int64("revision", resp.Header.Revision))
	return resp.Header.Revision, nil
}

func (r *Registrar) watch(ctx context.Context, rev int64) error {
	wch := r.watcher.Watch(ctx, r.prefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1))
	for wr := range wch {
		if err := wr.Err(); err != nil {
			return err
		}
		snap := r.dir.Snapshot()
		next := make(Snapshot, len(snap)+len(wr.Events))
		for id, p := range snap {
			next[id] = p
		}
		for _, ev := range wr.Events {
			next = r.apply(next, ev)
		}
		r.dir.Replace(next)
	}
	return errors.New("watch channel closed")
}

// apply folds one watch event into snap, which it owns.
func (r *Registrar) apply(snap Snapshot, ev *clientv3.Event) Snapshot {
	switch ev.Type {
	case mvccpb.PUT:
		return r.put(snap, ev.Kv)
	case mvccpb.DELETE:
		id, err := uuid.Parse(strings.TrimPrefix(string(ev.Kv.Key), r.prefix))
		if err == nil {
			delete(snap, id)
			r.logger.Info("peer left", zap.String("peer", id.String()))
		}
	}
	return snap
}

func (r *Registrar) put(snap Snapshot, kv *mvccpb.KeyValue) Snapshot {
	var p Peer
	if err := json.Unmarshal(kv.Value, &p); err != nil {
		r.logger.Warn("ignoring malformed business card", zap.ByteString("key", kv.Key), zap.Error(err))
		return snap
	}
	if id, err := uuid.Parse(strings.TrimPrefix(string(kv.Key), r.prefix)); err != nil || id != p.ID {
		r.logger.Warn("ignoring business card under foreign key", zap.ByteString("key", kv.Key))
		return snap
	}
	if _, known := snap[p.ID]; !known {
		r.logger.Info("peer joined", zap.String("peer", p.ID.String()), zap.String("name", p.Name))
	}
	snap[p.ID] = p
	return snap
}
