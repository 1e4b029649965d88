// pkg/testutil/registry.go - in-memory registry for inspector and installer tests.

package testutil

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/windowsadmins/cimiscan/pkg/catalog"
	"github.com/windowsadmins/cimiscan/pkg/status"
)

type regKey struct {
	hive catalog.Hive
	view catalog.View
	path string
}

func keyOf(hive catalog.Hive, view catalog.View, path string) regKey {
	return regKey{hive: hive, view: view, path: strings.ToLower(strings.Trim(path, `\`))}
}

// Registry is a status.Registry backed by maps. Paths compare case-insensitively
// and parent keys exist implicitly once a child is added.
type Registry struct {
	mu     sync.Mutex
	keys   map[regKey]map[string]string
	names  map[regKey]string
	denied map[regKey]bool
	opens  int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		keys:   make(map[regKey]map[string]string),
		names:  make(map[regKey]string),
		denied: make(map[regKey]bool),
	}
}

// AddKey creates hive\path in view with the given string values.
func (r *Registry) AddKey(hive catalog.Hive, view catalog.View, path string, values map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	path = strings.Trim(path, `\`)
	parts := strings.Split(path, `\`)
	for i := 1; i <= len(parts); i++ {
		p := strings.Join(parts[:i], `\`)
		k := keyOf(hive, view, p)
		if _, ok := r.keys[k]; !ok {
			r.keys[k] = make(map[string]string)
			r.names[k] = parts[i-1]
		}
	}
	k := keyOf(hive, view, path)
	for name, v := range values {
		r.keys[k][strings.ToLower(name)] = v
	}
}

// DeleteKey removes hive\path and everything below it.
func (r *Registry) DeleteKey(hive catalog.Hive, view catalog.View, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	target := keyOf(hive, view, path)
	for k := range r.keys {
		if k.hive == target.hive && k.view == target.view &&
			(k.path == target.path || strings.HasPrefix(k.path, target.path+`\`)) {
			delete(r.keys, k)
			delete(r.names, k)
		}
	}
}

// Deny makes opening hive\path fail with status.ErrAccessDenied.
func (r *Registry) Deny(hive catalog.Hive, view catalog.View, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.denied[keyOf(hive, view, path)] = true
}

// Opens returns how many keys were opened.
func (r *Registry) Opens() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opens
}

func (r *Registry) OpenKey(hive catalog.Hive, view catalog.View, path string) (status.Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opens++
	k := keyOf(hive, view, path)
	if r.denied[k] {
		return nil, fmt.Errorf("%w: %s\\%s", status.ErrAccessDenied, hive, path)
	}
	values, ok := r.keys[k]
	if !ok {
		return nil, fmt.Errorf("%w: %s\\%s", status.ErrNotExist, hive, path)
	}
	snapshot := make(map[string]string, len(values))
	for n, v := range values {
		snapshot[n] = v
	}

	var subs []string
	for child, name := range r.names {
		if child.hive != k.hive || child.view != k.view {
			continue
		}
		if rest, ok := strings.CutPrefix(child.path, k.path+`\`); ok && !strings.Contains(rest, `\`) {
			subs = append(subs, name)
		}
	}
	sort.Strings(subs)
	return &memKey{values: snapshot, subs: subs}, nil
}

type memKey struct {
	values map[string]string
	subs   []string
}

func (m *memKey) GetStringValue(name string) (string, error) {
	v, ok := m.values[strings.ToLower(name)]
	if !ok {
		return "", fmt.Errorf("%w: value %s", status.ErrNotExist, name)
	}
	return v, nil
}

func (m *memKey) SubKeyNames() ([]string, error) { return m.subs, nil }

func (m *memKey) Close() error { return nil }
