// Package tree holds an observable JSON-shaped document. Every mutation is
// tagged with the path it touched and delivered to the watchers whose prefix
// overlaps that path.
package tree

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Change describes one mutation.
type Change struct {
	Path    []string
	Value   any
	Deleted bool
}

// WatchFunc receives changes. It runs on the mutating goroutine after the
// tree's lock is released.
type WatchFunc func(Change)

type watcher struct {
	id     int
	prefix []string
	fn     WatchFunc
}

// Tree is safe for concurrent use.
type Tree struct {
	mu       sync.RWMutex
	root     map[string]any
	watchers []*watcher
	nextID   int
}

// New returns a tree seeded with a copy of initial.
func New(initial map[string]any) (*Tree, error) {
	t := &Tree{root: map[string]any{}}
	if initial != nil {
		v, err := Normalize(initial)
		if err != nil {
			return nil, err
		}
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("tree root must be an object")
		}
		t.root = m
	}
	return t, nil
}

// Split normalizes a dot or slash separated path into its segments. Empty
// segments are dropped, so "", "/" and "." all address the root.
func Split(path string) []string {
	fields := strings.FieldsFunc(path, func(r rune) bool {
		return r == '.' || r == '/'
	})
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// Join renders segments in the canonical dotted form.
func Join(segments []string) string {
	return strings.Join(segments, ".")
}

// Get returns a deep copy of the value at path.
func (t *Tree) Get(path string) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := lookup(t.root, Split(path))
	if !ok {
		return nil, false
	}
	return clone(v), true
}

// Snapshot returns a deep copy of the whole document.
func (t *Tree) Snapshot() map[string]any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return clone(t.root).(map[string]any)
}

// Set stores v at path, creating intermediate objects as needed. Setting the
// root requires an object.
func (t *Tree) Set(path string, v any) error {
	nv, err := Normalize(v)
	if err != nil {
		return err
	}
	segs := Split(path)

	t.mu.Lock()
	if len(segs) == 0 {
		m, ok := nv.(map[string]any)
		if !ok {
			t.mu.Unlock()
			return fmt.Errorf("tree root must be an object")
		}
		t.root = m
	} else {
		parent := t.root
		for i, s := range segs[:len(segs)-1] {
			next, ok := parent[s].(map[string]any)
			if !ok {
				if _, exists := parent[s]; exists {
					t.mu.Unlock()
					return fmt.Errorf("cannot set %q: %q is not an object", path, Join(segs[:i+1]))
				}
				next = map[string]any{}
				parent[s] = next
			}
			parent = next
		}
		parent[segs[len(segs)-1]] = nv
	}
	watchers := t.matching(segs)
	t.mu.Unlock()

	t.notify(watchers, Change{Path: segs, Value: nv})
	return nil
}

// Delete removes the value at path. It reports whether anything was removed.
// Deleting the root empties the tree.
func (t *Tree) Delete(path string) bool {
	segs := Split(path)

	t.mu.Lock()
	if len(segs) == 0 {
		t.root = map[string]any{}
	} else {
		v, ok := lookup(t.root, segs[:len(segs)-1])
		parent, isMap := v.(map[string]any)
		if !ok || !isMap {
			t.mu.Unlock()
			return false
		}
		if _, exists := parent[segs[len(segs)-1]]; !exists {
			t.mu.Unlock()
			return false
		}
		delete(parent, segs[len(segs)-1])
	}
	watchers := t.matching(segs)
	t.mu.Unlock()

	t.notify(watchers, Change{Path: segs, Deleted: true})
	return true
}

// Watch registers fn for changes at, below, or above prefix. The returned
// function removes the watcher.
func (t *Tree) Watch(prefix string, fn WatchFunc) func() {
	t.mu.Lock()
	t.nextID++
	w := &watcher{id: t.nextID, prefix: Split(prefix), fn: fn}
	t.watchers = append(t.watchers, w)
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			for i, cur := range t.watchers {
				if cur.id == w.id {
					t.watchers = append(t.watchers[:i:i], t.watchers[i+1:]...)
					return
				}
			}
		})
	}
}

// Watchers returns the number of registered watchers.
func (t *Tree) Watchers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.watchers)
}

// Keys lists the child keys of the object at path, sorted.
func (t *Tree) Keys(path string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, _ := lookup(t.root, Split(path))
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MarshalJSON encodes the whole document.
func (t *Tree) MarshalJSON() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return json.Marshal(t.root)
}

func (t *Tree) matching(changed []string) []*watcher {
	var out []*watcher
	for _, w := range t.watchers {
		if overlaps(w.prefix, changed) {
			out = append(out, w)
		}
	}
	return out
}

func (t *Tree) notify(watchers []*watcher, c Change) {
	for _, w := range watchers {
		w.fn(Change{Path: c.Path, Value: clone(c.Value), Deleted: c.Deleted})
	}
}

// overlaps reports whether one path is a prefix of the other.
func overlaps(a, b []string) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func lookup(root map[string]any, segs []string) (any, bool) {
	var cur any = root
	for _, s := range segs {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[s]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(s)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Normalize converts v into plain JSON values so the tree never aliases
// caller-owned data.
func Normalize(v any) (any, error) {
	switch v.(type) {
	case nil, bool, string, float64:
		return v, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("value is not JSON encodable: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("value is not JSON encodable: %w", err)
	}
	return out, nil
}

func clone(v any) any {
	switch node := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, child := range node {
			out[k] = clone(child)
		}
		return out
	case []any:
		out := make([]any, len(node))
		for i, child := range node {
			out[i] = clone(child)
		}
		return out
	default:
		return v
	}
}
