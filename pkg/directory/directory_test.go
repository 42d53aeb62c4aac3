package directory

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyradmin/pkg/apierr"
	"github.com/ryandielhenn/zephyradmin/pkg/wire"
)

func peer(name string) Peer {
	return Peer{
		ID:        uuid.New(),
		Name:      name,
		Mailbox:   "zephyr.mailbox." + name,
		AdminAddr: name + ":8081",
		Started:   time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestDirectorySnapshots(t *testing.T) {
	a, b := peer("a"), peer("b")
	d := New(a)

	old := d.Snapshot()
	d.Replace(Snapshot{a.ID: a, b.ID: b})

	assert.Len(t, old, 1, "earlier snapshot must not change")
	assert.Len(t, d.Snapshot(), 2)
	got, ok := d.Lookup(b.ID)
	assert.True(t, ok)
	assert.Equal(t, b, got)
	_, ok = d.Lookup(uuid.New())
	assert.False(t, ok)
}

func TestAppServesReadOnlySnapshot(t *testing.T) {
	a := peer("a")
	app := NewApp(New(a))
	ctx := context.Background()

	resp, err := app.Handle(ctx, &wire.Request{Method: wire.MethodGet, Path: wire.MustPath("/" + a.ID.String() + "/mailbox")})
	require.NoError(t, err)
	assert.JSONEq(t, `"zephyr.mailbox.a"`, string(resp.Body))

	resp, err = app.Handle(ctx, &wire.Request{Method: wire.MethodGet, Path: wire.MustPath("/")})
	require.NoError(t, err)
	var root map[string]Peer
	require.NoError(t, json.Unmarshal(resp.Body, &root))
	assert.Equal(t, a.Name, root[a.ID.String()].Name)

	_, err = app.Handle(ctx, &wire.Request{Method: wire.MethodGet, Path: wire.MustPath("/" + uuid.NewString())})
	assert.True(t, apierr.Is(err, apierr.NotFound))

	_, err = app.Handle(ctx, &wire.Request{
		Method: wire.MethodPost,
		Path:   wire.MustPath("/" + a.ID.String() + "/name"),
		Body:   []byte(`"renamed"`),
	})
	assert.True(t, apierr.Is(err, apierr.PermissionDenied))

	v, err := app.RootJSON(ctx)
	require.NoError(t, err)
	assert.Contains(t, v, a.ID.String())
}

type fakeEtcd struct {
	clientv3.KV
	clientv3.Lease

	mu      sync.Mutex
	rev     int64
	values  map[string][]byte
	revoked []clientv3.LeaseID
}

func newFakeEtcd() *fakeEtcd { return &fakeEtcd{values: make(map[string][]byte)} }

func (f *fakeEtcd) Put(_ context.Context, key, val string, _ ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rev++
	f.values[key] = []byte(val)
	return &clientv3.PutResponse{Header: &pb.ResponseHeader{Revision: f.rev}}, nil
}

func (f *fakeEtcd) Get(_ context.Context, key string, _ ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := &clientv3.GetResponse{Header: &pb.ResponseHeader{Revision: f.rev}}
	for k, v := range f.values {
		if len(k) >= len(key) && k[:len(key)] == key {
			resp.Kvs = append(resp.Kvs, &mvccpb.KeyValue{Key: []byte(k), Value: v})
		}
	}
	return resp, nil
}

func (f *fakeEtcd) Grant(context.Context, int64) (*clientv3.LeaseGrantResponse, error) {
	return &clientv3.LeaseGrantResponse{ID: 42}, nil
}

func (f *fakeEtcd) KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error) {
	ch := make(chan *clientv3.LeaseKeepAliveResponse)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (f *fakeEtcd) Revoke(_ context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, id)
	return &clientv3.LeaseRevokeResponse{}, nil
}

func newTestRegistrar(f *fakeEtcd, dir *Directory) *Registrar {
	return &Registrar{kv: f, lease: f, dir: dir, prefix: DefaultPrefix, ttl: 5, logger: zap.NewNop()}
}

func TestRegisterAndLoad(t *testing.T) {
	f := newFakeEtcd()
	dir := New()
	r := newTestRegistrar(f, dir)
	self, other := peer("self"), peer("other")

	stop, err := r.Register(context.Background(), self)
	require.NoError(t, err)
	_, err = f.Put(context.Background(), DefaultPrefix+other.ID.String(), mustJSON(t, other))
	require.NoError(t, err)
	_, err = f.Put(context.Background(), DefaultPrefix+"garbage", "{")
	require.NoError(t, err)

	rev, err := r.load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), rev)
	snap := dir.Snapshot()
	assert.Len(t, snap, 2)
	assert.Equal(t, self.Mailbox, snap[self.ID].Mailbox)

	stop()
	assert.Equal(t, []clientv3.LeaseID{42}, f.revoked)
}

func TestApplyWatchEvents(t *testing.T) {
	r := newTestRegistrar(newFakeEtcd(), New())
	a, b := peer("a"), peer("b")
	snap := Snapshot{a.ID: a}

	snap = r.apply(snap, &clientv3.Event{Type: mvccpb.PUT, Kv: &mvccpb.KeyValue{
		Key:   []byte(DefaultPrefix + b.ID.String()),
		Value: []byte(mustJSON(t, b)),
	}})
	assert.Len(t, snap, 2)

	// a card filed under someone else's key is ignored
	c := peer("c")
	snap = r.apply(snap, &clientv3.Event{Type: mvccpb.PUT, Kv: &mvccpb.KeyValue{
		Key:   []byte(DefaultPrefix + a.ID.String()),
		Value: []byte(mustJSON(t, c)),
	}})
	assert.Equal(t, "a", snap[a.ID].Name)

	snap = r.apply(snap, &clientv3.Event{Type: mvccpb.DELETE, Kv: &mvccpb.KeyValue{
		Key: []byte(DefaultPrefix + a.ID.String()),
	}})
	assert.Len(t, snap, 1)
	assert.Contains(t, snap, b.ID)
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}
