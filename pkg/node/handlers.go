package node

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"sort"
	"time"
)

// healthTimeout bounds how long Healthz waits on the metadata store.
const healthTimeout = 2 * time.Second

// Healthz returns 200 OK while the metadata store answers, 503 otherwise.
func (n *Node) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if _, err := n.meta.Snapshot(ctx); err != nil {
		http.Error(w, "metadata store unavailable: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type peerInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AdminAddr string `json:"admin_addr"`
}

// Info writes a JSON payload describing this process, the peers it knows
// and the state of its local stores.
func (n *Node) Info(w http.ResponseWriter, r *http.Request) {
	type resp struct {
		PID      int        `json:"pid"`
		ID       string     `json:"id"`
		Name     string     `json:"name"`
		Now      time.Time  `json:"now"`
		Uptime   string     `json:"uptime"`
		Revision int64      `json:"metadata_revision"`
		LogLines int        `json:"log_lines"`
		Peers    []peerInfo `json:"peers"`
	}
	out := resp{
		PID:      os.Getpid(),
		ID:       n.self.ID.String(),
		Name:     n.self.Name,
		Now:      time.Now(),
		Uptime:   time.Since(n.started).Round(time.Second).String(),
		Revision: -1,
		Peers:    make([]peerInfo, 0),
	}
	if n.logs != nil {
		out.LogLines = n.logs.Len()
	}
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if snap, err := n.meta.Snapshot(ctx); err == nil {
		out.Revision = snap.Revision
	}
	for _, p := range n.dir.Snapshot() {
		out.Peers = append(out.Peers, peerInfo{
			ID:        p.ID.String(),
			Name:      p.Name,
			AdminAddr: NormalizeHostPort(p.AdminAddr, DefaultAdminPort),
		})
	}
	sort.Slice(out.Peers, func(i, j int) bool { return out.Peers[i].ID < out.Peers[j].ID })

	data, _ := json.Marshal(out)
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
