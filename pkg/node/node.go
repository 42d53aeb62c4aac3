// Package node serves the local process's operational endpoints.
package node

import (
	"time"

	"github.com/ryandielhenn/zephyradmin/pkg/directory"
	"github.com/ryandielhenn/zephyradmin/pkg/logstore"
	"github.com/ryandielhenn/zephyradmin/pkg/metadata"
)

// Node is this process as seen from the ops listener.
type Node struct {
	self    directory.Peer
	dir     *directory.Directory
	meta    metadata.Store
	logs    *logstore.Store
	started time.Time
}

func NewNode(self directory.Peer, dir *directory.Directory, meta metadata.Store, logs *logstore.Store) *Node {
	started := self.Started
	if started.IsZero() {
		started = time.Now()
	}
	return &Node{self: self, dir: dir, meta: meta, logs: logs, started: started}
}

// Self returns the business card this node advertises.
func (n *Node) Self() directory.Peer {
	return n.self
}

func (n *Node) Addr() string {
	return n.self.AdminAddr
}
