package meta

import (
	"strings"
	"time"

	"github.com/emirpasic/gods/trees/redblacktree"
)

// FileEntry maps a path to its ordered chunk sequence.
type FileEntry struct {
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	Chunks    []string  `json:"chunks"`
}

func (e *FileEntry) clone() *FileEntry {
	c := *e
	c.Chunks = append([]string(nil), e.Chunks...)
	return &c
}

// Namespace is the in-memory path index, ordered by path so that prefix
// listings come out sorted. Not safe for concurrent use; Service guards it.
type Namespace struct {
	tree *redblacktree.Tree
}

// NewNamespace creates an empty namespace.
func NewNamespace() *Namespace {
	return &Namespace{tree: redblacktree.NewWithStringComparator()}
}

// Get returns the entry at path.
func (n *Namespace) Get(path string) (*FileEntry, bool) {
	v, ok := n.tree.Get(path)
	if !ok {
		return nil, false
	}
	return v.(*FileEntry), true
}

// Put inserts or replaces the entry at e.Path.
func (n *Namespace) Put(e *FileEntry) {
	n.tree.Put(e.Path, e)
}

// Remove deletes the entry at path.
func (n *Namespace) Remove(path string) {
	n.tree.Remove(path)
}

// Len returns the number of files.
func (n *Namespace) Len() int {
	return n.tree.Size()
}

// List returns entries whose path starts with prefix, in path order.
// The match is a plain string prefix: "/dfs/docs/" does not match
// "/dfs/documents/x".
func (n *Namespace) List(prefix string) []*FileEntry {
	node, ok := n.tree.Ceiling(prefix)
	if !ok {
		return nil
	}
	var out []*FileEntry
	for it := n.tree.IteratorAt(node); ; {
		if !strings.HasPrefix(it.Key().(string), prefix) {
			// Keys are sorted, so nothing later can match.
			break
		}
		out = append(out, it.Value().(*FileEntry))
		if !it.Next() {
			break
		}
	}
	return out
}
