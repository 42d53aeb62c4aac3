package metadata

import (
	"bytes"
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/ryandielhenn/zephyradmin/pkg/apierr"
	"github.com/ryandielhenn/zephyradmin/pkg/ring"
	"github.com/ryandielhenn/zephyradmin/pkg/wire"
)

// Hint tells the validator which sub-resource a mutation addressed.
type Hint struct {
	Method wire.Method
	Path   wire.Path
}

// Table returns the table the hint points into, if any.
func (h Hint) Table() (uuid.UUID, bool) {
	segs := h.Path.Segments()
	if len(segs) < 2 || segs[0] != "tables" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(segs[1])
	return id, err == nil
}

// Validator checks a proposed configuration and fills in derived fields.
// Errors that are not *apierr.Error are reported as ValidationFailed.
type Validator func(ctx context.Context, next *Cluster, hint Hint) error

// ringReplicas is the number of virtual points per server in placement.
const ringReplicas = 64

// DefaultValidator enforces naming and sizing rules and derives shard
// placement for changed tables.
func DefaultValidator(ctx context.Context, c *Cluster, hint Hint) error {
	if err := checkNames(c); err != nil {
		return err
	}
	only, scoped := hint.Table()
	for _, id := range sortedIDs(c.Tables) {
		t := c.Tables[id]
		if t == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if t.Shards.Value < 1 {
			return apierr.New(apierr.ValidationFailed, "table %q: shards must be at least 1", t.Name.Value)
		}
		if t.Replicas.Value < 1 {
			return apierr.New(apierr.ValidationFailed, "table %q: replicas must be at least 1", t.Name.Value)
		}
		if scoped && id != only && len(t.Placement) == t.Shards.Value {
			continue
		}
		placement, err := Place(c, id)
		if err != nil {
			return err
		}
		t.Placement = placement
	}
	return nil
}

func checkNames(c *Cluster) error {
	dbNames := make(map[string]bool)
	for _, id := range sortedIDs(c.Databases) {
		db := c.Databases[id]
		if db == nil {
			continue
		}
		if db.Name.Value == "" {
			return apierr.New(apierr.ValidationFailed, "database %s has no name", id)
		}
		if dbNames[db.Name.Value] {
			return apierr.New(apierr.ValidationFailed, "database name %q is already in use", db.Name.Value)
		}
		dbNames[db.Name.Value] = true
	}

	tableNames := make(map[uuid.UUID]map[string]bool)
	for _, id := range sortedIDs(c.Tables) {
		t := c.Tables[id]
		if t == nil {
			continue
		}
		if t.Name.Value == "" {
			return apierr.New(apierr.ValidationFailed, "table %s has no name", id)
		}
		dbID := t.Database.Value
		if db, ok := c.Databases[dbID]; !ok || db == nil {
			return apierr.New(apierr.ValidationFailed, "table %q: database %s does not exist", t.Name.Value, dbID)
		}
		names := tableNames[dbID]
		if names == nil {
			names = make(map[string]bool)
			tableNames[dbID] = names
		}
		if names[t.Name.Value] {
			return apierr.New(apierr.ValidationFailed, "table name %q is already in use in database %q",
				t.Name.Value, c.Databases[dbID].Name.Value)
		}
		names[t.Name.Value] = true
	}
	return nil
}

// Place derives the shard placement of table id over the live servers
// carrying the table's server tag.
func Place(c *Cluster, id uuid.UUID) ([]Shard, error) {
	t := c.Tables[id]
	if t == nil {
		return nil, apierr.New(apierr.Gone, "table %s has been deleted", id)
	}
	r := ring.New(ringReplicas, ring.FNV32a)
	for sid, s := range c.Servers {
		if s != nil && s.HasTag(t.ServerTag.Value) {
			r.Add(sid.String())
		}
	}
	if r.Len() < t.Replicas.Value {
		return nil, apierr.New(apierr.ValidationFailed,
			"no valid placement exists for table %q: %d replicas requested but %d servers match tag %q",
			t.Name.Value, t.Replicas.Value, r.Len(), t.ServerTag.Value)
	}

	out := make([]Shard, t.Shards.Value)
	for i := range out {
		owners := r.LookupN([]byte(fmt.Sprintf("%s/%d", id, i)), t.Replicas.Value)
		shard := Shard{Servers: make([]uuid.UUID, 0, len(owners))}
		for _, o := range owners {
			sid, err := uuid.Parse(o)
			if err != nil {
				return nil, fmt.Errorf("metadata.Place: bad ring member %q: %w", o, err)
			}
			shard.Servers = append(shard.Servers, sid)
		}
		out[i] = shard
	}
	return out, nil
}

func sortedIDs[T any](m map[uuid.UUID]*T) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })
	return ids
}
