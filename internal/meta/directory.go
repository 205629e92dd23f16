package meta

import (
	"sort"
	"time"
)

// ChunkRecord is the placement and lease state of one chunk.
type ChunkRecord struct {
	ID              string    `json:"id"`
	Path            string    `json:"path"`
	Replicas        []string  `json:"replicas"`
	Primary         string    `json:"primary"`
	Version         uint64    `json:"version"`
	LeaseExpiration time.Time `json:"lease_expiration"`
	Degraded        bool      `json:"degraded,omitempty"`
}

func (r *ChunkRecord) clone() *ChunkRecord {
	c := *r
	c.Replicas = append([]string(nil), r.Replicas...)
	return &c
}

// HasReplica reports whether nodeID is in the replica set.
func (r *ChunkRecord) HasReplica(nodeID string) bool {
	for _, n := range r.Replicas {
		if n == nodeID {
			return true
		}
	}
	return false
}

// Directory is the in-memory chunk index. Not safe for concurrent use;
// Service guards it.
type Directory struct {
	records map[string]*ChunkRecord
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{records: make(map[string]*ChunkRecord)}
}

// Get returns the record for id.
func (d *Directory) Get(id string) (*ChunkRecord, bool) {
	r, ok := d.records[id]
	return r, ok
}

// Put inserts or replaces a record.
func (d *Directory) Put(r *ChunkRecord) {
	d.records[r.ID] = r
}

// Remove deletes the record for id.
func (d *Directory) Remove(id string) {
	delete(d.records, id)
}

// Len returns the number of records.
func (d *Directory) Len() int {
	return len(d.records)
}

// All returns every record sorted by owning path, then ID.
func (d *Directory) All() []*ChunkRecord {
	out := make([]*ChunkRecord, 0, len(d.records))
	for _, r := range d.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// DegradedCount returns the number of records marked degraded.
func (d *Directory) DegradedCount() int {
	n := 0
	for _, r := range d.records {
		if r.Degraded {
			n++
		}
	}
	return n
}
