package storage

import (
	"encoding/json"
	"sort"

	"github.com/dreamware/torua-transcode/internal/cluster"
)

// NodeDirectory persists the set of peers a node has seen via RegisterNode,
// backed by a Store so the directory can later move to a persistent
// implementation without changing callers. Adapts the teacher's generic
// key-value Store (storage/store.go) to hold JSON-encoded NodeDesc entries
// keyed by node_id.
type NodeDirectory struct {
	store Store
}

// NewNodeDirectory wraps store as a node directory.
func NewNodeDirectory(store Store) *NodeDirectory {
	return &NodeDirectory{store: store}
}

// Put records or updates desc.
func (d *NodeDirectory) Put(desc cluster.NodeDesc) error {
	b, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	return d.store.Put(desc.NodeID, b)
}

// All returns every recorded node, ordered by node_id for deterministic
// output.
func (d *NodeDirectory) All() []cluster.NodeDesc {
	keys := d.store.List()
	sort.Strings(keys)

	out := make([]cluster.NodeDesc, 0, len(keys))
	for _, k := range keys {
		b, err := d.store.Get(k)
		if err != nil {
			continue
		}
		var desc cluster.NodeDesc
		if err := json.Unmarshal(b, &desc); err != nil {
			continue
		}
		out = append(out, desc)
	}
	return out
}

// Len reports how many nodes are recorded.
func (d *NodeDirectory) Len() int {
	return len(d.store.List())
}
