// Package directory tracks the peers currently known to this node and the
// business cards they advertise.
package directory

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ryandielhenn/zephyradmin/pkg/adapter"
	"github.com/ryandielhenn/zephyradmin/pkg/wire"
)

// Peer is the business card a node publishes so others can reach it.
type Peer struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Mailbox   string    `json:"mailbox"`
	AdminAddr string    `json:"admin_addr"`
	Started   time.Time `json:"started"`
}

// Snapshot is an immutable view of the known peers. Callers must not
// modify it.
type Snapshot map[uuid.UUID]Peer

// Directory holds the current snapshot. Readers always see a whole
// snapshot, never a partial update.
type Directory struct {
	cur atomic.Pointer[Snapshot]
}

func New(peers ...Peer) *Directory {
	d := &Directory{}
	snap := make(Snapshot, len(peers))
	for _, p := range peers {
		snap[p.ID] = p
	}
	d.cur.Store(&snap)
	return d
}

// Snapshot returns the current peers.
func (d *Directory) Snapshot() Snapshot { return *d.cur.Load() }

// Replace swaps in a new snapshot.
func (d *Directory) Replace(s Snapshot) { d.cur.Store(&s) }

// Lookup returns the peer with id from the current snapshot.
func (d *Directory) Lookup(id uuid.UUID) (Peer, bool) {
	p, ok := d.Snapshot()[id]
	return p, ok
}

// App serves the current snapshot read-only at
// /<peer-id>[/<field>].
type App struct {
	dir *Directory
}

func NewApp(dir *Directory) *App { return &App{dir: dir} }

func (a *App) Handle(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	snap := a.dir.Snapshot()
	node, err := adapter.Resolve(adapter.ReflectReadOnly(&snap, nil), req.Path)
	if err != nil {
		return nil, err
	}
	v, err := adapter.Serve(node, req.Method, req.Body)
	if err != nil {
		return nil, err
	}
	return wire.JSONResponse(v)
}

// RootJSON implements route.JSONApp.
func (a *App) RootJSON(ctx context.Context) (any, error) {
	snap := a.dir.Snapshot()
	return adapter.ReflectReadOnly(&snap, nil).Render()
}
