package store

import (
	"context"
	"sync"

	"cipher.share/internal/models"
)

// Compile-time interface checks
var (
	_ Backend     = (*MemoryStore)(nil)
	_ ObjectStore = (*memoryObjects)(nil)
)

// MemoryStore keeps everything in process memory. Each entry carries its
// own mutex; the map lock is only held for lookup, insert and removal, so
// unrelated keys never wait on each other.
type MemoryStore struct {
	objects *memoryObjects
	posts   *memoryPosts
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	return &MemoryStore{
		objects: &memoryObjects{entries: make(map[string]*objectEntry), now: o.clock},
		posts:   &memoryPosts{entries: make(map[string]*postEntry), now: o.clock},
	}
}

func (s *MemoryStore) Objects() ObjectStore { return s.objects }

func (s *MemoryStore) Posts() PostStore { return s.posts }

func (s *MemoryStore) Close() error {
	s.objects.mu.Lock()
	s.objects.entries = make(map[string]*objectEntry)
	s.objects.mu.Unlock()

	s.posts.mu.Lock()
	s.posts.entries = make(map[string]*postEntry)
	s.posts.mu.Unlock()
	return nil
}

type objectEntry struct {
	mu      sync.Mutex
	obj     models.Object
	deleted bool
}

type memoryObjects struct {
	mu      sync.RWMutex
	entries map[string]*objectEntry
	now     Clock
}

func (s *memoryObjects) Put(ctx context.Context, obj *models.Object) error {
	if err := validateObject(obj); err != nil {
		return err
	}
	obj.CreatedAt = s.now()
	obj.RemainingReads = obj.MaxReads

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[obj.ID] = &objectEntry{obj: *obj}
	return nil
}

func (s *memoryObjects) Get(ctx context.Context, id string) (*models.Object, error) {
	e := s.lookup(id)
	if e == nil {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.deleted || !e.obj.Alive(s.now()) {
		return nil, ErrNotFound
	}
	obj := e.obj
	return &obj, nil
}

func (s *memoryObjects) Consume(ctx context.Context, id string) (int, error) {
	e := s.lookup(id)
	if e == nil {
		return 0, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.deleted {
		return 0, ErrNotFound
	}
	if !e.obj.Alive(s.now()) {
		s.remove(id, e)
		return 0, ErrNotFound
	}
	if e.obj.Unlimited() {
		return Unlimited, nil
	}

	e.obj.RemainingReads--

	// Last read succeeds, then the object goes.
	if e.obj.RemainingReads <= 0 {
		s.remove(id, e)
	}
	return e.obj.RemainingReads, nil
}

func (s *memoryObjects) Delete(ctx context.Context, id string) error {
	e := s.lookup(id)
	if e == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.deleted {
		s.remove(id, e)
	}
	return nil
}

func (s *memoryObjects) DeleteExpired(ctx context.Context) (int, error) {
	s.mu.RLock()
	snapshot := make(map[string]*objectEntry, len(s.entries))
	for id, e := range s.entries {
		snapshot[id] = e
	}
	s.mu.RUnlock()

	now := s.now()
	removed := 0
	for id, e := range snapshot {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		e.mu.Lock()
		if !e.deleted && !e.obj.Alive(now) {
			s.remove(id, e)
			removed++
		}
		e.mu.Unlock()
	}
	return removed, nil
}

func (s *memoryObjects) lookup(id string) *objectEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

// remove must be called with e.mu held.
func (s *memoryObjects) remove(id string, e *objectEntry) {
	e.deleted = true

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entries[id] == e {
		delete(s.entries, id)
	}
}
