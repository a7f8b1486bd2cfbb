package cache

import (
	"container/list"
	"context"
	"sort"
	"sync"
)

// lruEntry links the request key and the entry to the list element.
type lruEntry struct {
	key   string
	size  int64
	value *Entry
}

// MemoryManager keeps partitions in process memory. Each partition is an LRU with a hard byte limit.
type MemoryManager struct {
	mutex      sync.Mutex
	partitions map[string]*memoryPartition
	maxBytes   int64
	closed     bool
}

// NewMemoryManager creates a manager whose partitions each hold at most maxMB megabytes.
func NewMemoryManager(maxMB int) *MemoryManager {
	return &MemoryManager{
		partitions: make(map[string]*memoryPartition),
		maxBytes:   int64(maxMB) * 1024 * 1024,
	}
}

func (m *MemoryManager) Open(ctx context.Context, name string) (Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if p, ok := m.partitions[name]; ok {
		return p, nil
	}
	p := &memoryPartition{
		name:     name,
		lru:      list.New(),
		cache:    make(map[string]*list.Element),
		maxBytes: m.maxBytes,
	}
	m.partitions[name] = p
	return p, nil
}

func (m *MemoryManager) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	names := make([]string, 0, len(m.partitions))
	for name := range m.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryManager) PurgeExcept(ctx context.Context, keep []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	keepSet := make(map[string]struct{}, len(keep))
	for _, name := range keep {
		keepSet[name] = struct{}{}
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for name, p := range m.partitions {
		if _, ok := keepSet[name]; ok {
			continue
		}
		p.drop()
		delete(m.partitions, name)
	}
	return nil
}

// Close drops every partition. Partitions handed out earlier return ErrClosed afterwards.
func (m *MemoryManager) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, p := range m.partitions {
		p.drop()
	}
	m.partitions = map[string]*memoryPartition{}
	m.closed = true
	return nil
}

type memoryPartition struct {
	name  string
	mutex sync.RWMutex
	// Doubly linked list for LRU order
	lru   *list.List
	cache map[string]*list.Element
	// Hard memory limit in bytes
	maxBytes int64
	// Current total size of all stored items
	currentBytes int64
	dropped      bool
}

func (p *memoryPartition) Name() string { return p.name }

// Match returns a copy of the entry and moves it to the front of the list (MRU).
func (p *memoryPartition) Match(ctx context.Context, key string) (*Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.dropped {
		return nil, false, ErrClosed
	}
	element, ok := p.cache[key]
	if !ok {
		return nil, false, nil
	}
	p.lru.MoveToFront(element)
	return element.Value.(*lruEntry).value.Clone(), true, nil
}

// Put replaces an entry, evicting least recently used entries if the hard memory limit is hit.
func (p *memoryPartition) Put(ctx context.Context, key string, entry *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stored := entry.Clone()
	itemSize := stored.Size()

	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.dropped {
		return ErrClosed
	}

	if element, ok := p.cache[key]; ok {
		oldEntry := element.Value.(*lruEntry)
		p.currentBytes -= oldEntry.size
		oldEntry.size = itemSize
		oldEntry.value = stored
		p.currentBytes += itemSize
		p.lru.MoveToFront(element)
	} else {
		element := p.lru.PushFront(&lruEntry{key: key, size: itemSize, value: stored})
		p.cache[key] = element
		p.currentBytes += itemSize
	}

	// Eviction
	for p.maxBytes > 0 && p.currentBytes > p.maxBytes {
		lruElement := p.lru.Back()
		if lruElement == nil {
			break
		}
		evicted := p.lru.Remove(lruElement).(*lruEntry)
		delete(p.cache, evicted.key)
		p.currentBytes -= evicted.size
	}
	return nil
}

func (p *memoryPartition) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if element, ok := p.cache[key]; ok {
		evicted := p.lru.Remove(element).(*lruEntry)
		delete(p.cache, evicted.key)
		p.currentBytes -= evicted.size
	}
	return nil
}

func (p *memoryPartition) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	keys := make([]string, 0, len(p.cache))
	for key := range p.cache {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (p *memoryPartition) drop() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.lru.Init()
	p.cache = map[string]*list.Element{}
	p.currentBytes = 0
	p.dropped = true
}

var _ Manager = (*MemoryManager)(nil)
