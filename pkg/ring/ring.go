// Package ring implements the consistent hash ring used to place table
// shard replicas on servers.
package ring

import (
	"encoding/binary"
	"hash/fnv"
	"slices"
	"sort"
	"sync"
)

type Hasher func([]byte) uint32

// FNV32a is the default hasher.
func FNV32a(b []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(b)
	return h.Sum32()
}

type HashRing struct {
	mu       sync.RWMutex
	replicas int
	hash     Hasher
	points   []uint32          // sorted
	owners   map[uint32]string // point -> server id
	members  map[string]struct{}
}

// New returns an empty ring with replicas virtual points per member.
func New(replicas int, h Hasher) *HashRing {
	if replicas <= 0 {
		replicas = 128
	}
	if h == nil {
		h = FNV32a
	}
	return &HashRing{
		replicas: replicas,
		hash:     h,
		owners:   make(map[uint32]string),
		members:  make(map[string]struct{}),
	}
}

// Add places id on the ring. Adding a present member is a no-op.
func (r *HashRing) Add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[id]; ok {
		return
	}
	r.members[id] = struct{}{}
	for i := 0; i < r.replicas; i++ {
		pt := r.hash(pointKey(id, i))
		r.owners[pt] = id
		r.points = append(r.points, pt)
	}
	slices.Sort(r.points)
}

// Remove takes id off the ring.
func (r *HashRing) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[id]; !ok {
		return
	}
	delete(r.members, id)
	r.rebuild()
}

// Clear removes every member.
func (r *HashRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.members)
	r.rebuild()
}

func (r *HashRing) rebuild() {
	r.points = r.points[:0]
	clear(r.owners)
	for id := range r.members {
		for i := 0; i < r.replicas; i++ {
			pt := r.hash(pointKey(id, i))
			r.owners[pt] = id
			r.points = append(r.points, pt)
		}
	}
	slices.Sort(r.points)
}

// Len is the number of members.
func (r *HashRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Lookup returns the member owning key, or "" on an empty ring.
func (r *HashRing) Lookup(key []byte) string {
	owners := r.LookupN(key, 1)
	if len(owners) == 0 {
		return ""
	}
	return owners[0]
}

// LookupN returns up to n distinct members walking clockwise from key. The
// first entry is the primary.
func (r *HashRing) LookupN(key []byte, n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 || n <= 0 {
		return nil
	}
	h := r.hash(key)
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if idx == len(r.points) {
		idx = 0
	}

	seen := make(map[string]struct{}, n)
	out := make([]string, 0, n)
	for i := 0; i < len(r.points) && len(out) < n; i++ {
		id := r.owners[r.points[(idx+i)%len(r.points)]]
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func pointKey(id string, i int) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(i))
	return append([]byte(id), buf[:]...)
}
