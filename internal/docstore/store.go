// Package docstore is the document store events are written to. Every
// write is attributed to the identity bound with Bind.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ComUnity/web3analytics/internal/identity"
)

var (
	ErrNotFound         = errors.New("docstore: not found")
	ErrNotAuthenticated = errors.New("docstore: no identity bound")
)

// Content is a document body.
type Content map[string]any

type Document struct {
	ID         string
	Family     string
	Controller string // DID that owns the document
	Content    Content
	Signature  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// URL is the stable reference stored in indexes.
func (d *Document) URL() string { return "docstore://" + d.ID }

type Store interface {
	identity.Binder
	CreateDocument(ctx context.Context, family string, content Content) (*Document, error)
	UpdateDocument(ctx context.Context, id string, content Content) error
	LoadDocument(ctx context.Context, id string) (*Document, error)
	// ReadNamed returns ErrNotFound when the bound identity has no
	// document under name.
	ReadNamed(ctx context.Context, name string) (Content, error)
	SetNamed(ctx context.Context, name string, content Content) error
	Ping(ctx context.Context) error
}

// binding is the single signer slot shared by the implementations.
type binding struct {
	mu     sync.RWMutex
	signer identity.Signer
}

func (b *binding) Bind(s identity.Signer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signer = s
}

func (b *binding) current() (identity.Signer, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.signer == nil {
		return nil, ErrNotAuthenticated
	}
	return b.signer, nil
}

// signed is a content body ready to persist.
type signed struct {
	controller string
	body       []byte
	signature  string
}

func (b *binding) sign(content Content) (signed, error) {
	s, err := b.current()
	if err != nil {
		return signed{}, err
	}
	if content == nil {
		content = Content{}
	}
	body, err := json.Marshal(content)
	if err != nil {
		return signed{}, fmt.Errorf("docstore: encode content: %w", err)
	}
	sig, err := s.SignPayload(body)
	if err != nil {
		return signed{}, fmt.Errorf("docstore: sign content: %w", err)
	}
	return signed{controller: s.DID(), body: body, signature: sig}, nil
}

func decodeContent(b []byte) (Content, error) {
	var c Content
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("docstore: decode content: %w", err)
	}
	if c == nil {
		c = Content{}
	}
	return c, nil
}
