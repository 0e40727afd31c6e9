package docstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps documents in process. Content is stored as encoded
// JSON so callers never share maps with the store.
type MemoryStore struct {
	binding

	mu    sync.RWMutex
	docs  map[string]*memDoc
	order []string
	named map[string]map[string][]byte // controller -> name -> body
	now   func() time.Time
}

type memDoc struct {
	family     string
	controller string
	body       []byte
	signature  string
	created    time.Time
	updated    time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:  make(map[string]*memDoc),
		named: make(map[string]map[string][]byte),
		now:   time.Now,
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) CreateDocument(ctx context.Context, family string, content Content) (*Document, error) {
	s, err := m.sign(content)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	id := uuid.NewString()

	m.mu.Lock()
	m.docs[id] = &memDoc{family: family, controller: s.controller, body: s.body, signature: s.signature, created: now, updated: now}
	m.order = append(m.order, id)
	m.mu.Unlock()

	return m.LoadDocument(ctx, id)
}

func (m *MemoryStore) UpdateDocument(ctx context.Context, id string, content Content) error {
	s, err := m.sign(content)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok || d.controller != s.controller {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	d.body, d.signature, d.updated = s.body, s.signature, m.now().UTC()
	return nil
}

func (m *MemoryStore) LoadDocument(ctx context.Context, id string) (*Document, error) {
	m.mu.RLock()
	d, ok := m.docs[id]
	if !ok {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	doc := &Document{
		ID:         id,
		Family:     d.family,
		Controller: d.controller,
		Signature:  d.signature,
		CreatedAt:  d.created,
		UpdatedAt:  d.updated,
	}
	body := d.body
	m.mu.RUnlock()

	content, err := decodeContent(body)
	if err != nil {
		return nil, err
	}
	doc.Content = content
	return doc, nil
}

// Documents returns the ids of every document of family in creation order.
func (m *MemoryStore) Documents(family string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for _, id := range m.order {
		if m.docs[id].family == family {
			ids = append(ids, id)
		}
	}
	return ids
}

func (m *MemoryStore) ReadNamed(ctx context.Context, name string) (Content, error) {
	signer, err := m.current()
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	body, ok := m.named[signer.DID()][name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return decodeContent(body)
}

func (m *MemoryStore) SetNamed(ctx context.Context, name string, content Content) error {
	s, err := m.sign(content)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.named[s.controller] == nil {
		m.named[s.controller] = make(map[string][]byte)
	}
	m.named[s.controller][name] = s.body
	return nil
}
