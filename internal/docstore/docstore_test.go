package docstore

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSigner struct{ did string }

func (f fakeSigner) DID() string { return f.did }

func (f fakeSigner) SignPayload(payload []byte) (string, error) {
	return "sig:" + f.did, nil
}

const (
	didA = "did:key:zQ3shA"
	didB = "did:key:zQ3shB"
)

func TestMemoryStoreRequiresBoundIdentity(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	_, err := m.CreateDocument(ctx, "Event", Content{"a": 1})
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.ErrorIs(t, m.SetNamed(ctx, "events", Content{}), ErrNotAuthenticated)
	_, err = m.ReadNamed(ctx, "events")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestMemoryStoreDocumentLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	m.Bind(fakeSigner{didA})

	doc, err := m.CreateDocument(ctx, "Event", Content{"event": "click"})
	require.NoError(t, err)
	assert.Equal(t, didA, doc.Controller)
	assert.Equal(t, "sig:"+didA, doc.Signature)
	assert.Equal(t, "docstore://"+doc.ID, doc.URL())

	doc.Content["id"] = doc.ID
	require.NoError(t, m.UpdateDocument(ctx, doc.ID, doc.Content))

	loaded, err := m.LoadDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, loaded.Content["id"])
	assert.Equal(t, []string{doc.ID}, m.Documents("Event"))

	// another identity cannot update it
	m.Bind(fakeSigner{didB})
	assert.ErrorIs(t, m.UpdateDocument(ctx, doc.ID, Content{}), ErrNotFound)
	assert.ErrorIs(t, m.UpdateDocument(ctx, "missing", Content{}), ErrNotFound)
}

func TestMemoryStoreNamedDocumentsAreScopedToIdentity(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	m.Bind(fakeSigner{didA})

	_, err := m.ReadNamed(ctx, "events")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.SetNamed(ctx, "events", Content{"events": []any{"x"}}))
	got, err := m.ReadNamed(ctx, "events")
	require.NoError(t, err)
	assert.Equal(t, Content{"events": []any{"x"}}, got)

	m.Bind(fakeSigner{didB})
	_, err = m.ReadNamed(ctx, "events")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreRejectsUnencodableContent(t *testing.T) {
	m := NewMemoryStore()
	m.Bind(fakeSigner{didA})
	_, err := m.CreateDocument(context.Background(), "Event", Content{"ch": make(chan int)})
	assert.Error(t, err)
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s := NewPostgresStoreWithDB(db)
	s.Bind(fakeSigner{didA})
	return s, mock
}

func TestPostgresCreateDocument(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`INSERT INTO documents`).
		WithArgs(sqlmock.AnyArg(), "Event", didA, []byte(`{"event":"click"}`), "sig:"+didA).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	doc, err := s.CreateDocument(context.Background(), "Event", Content{"event": "click"})
	require.NoError(t, err)
	assert.Equal(t, "click", doc.Content["event"])
	assert.Equal(t, now, doc.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateDocument(t *testing.T) {
	s, mock := newMockStore(t)
	id := "6f1c1c2e-8a43-4d2b-9d55-0d8f4b1f9a10"

	mock.ExpectExec(`UPDATE documents`).
		WithArgs([]byte(`{"id":"`+id+`"}`), "sig:"+didA, id, didA).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.UpdateDocument(context.Background(), id, Content{"id": id}))

	mock.ExpectExec(`UPDATE documents`).WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, s.UpdateDocument(context.Background(), id, Content{}), ErrNotFound)

	assert.ErrorIs(t, s.UpdateDocument(context.Background(), "not-a-uuid", Content{}), ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReadNamed(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT content FROM named_documents`).
		WithArgs(didA, "events").
		WillReturnRows(sqlmock.NewRows([]string{"content"}).AddRow([]byte(`{"events":[{"id":"a"}]}`)))
	got, err := s.ReadNamed(context.Background(), "events")
	require.NoError(t, err)
	assert.Equal(t, Content{"events": []any{map[string]any{"id": "a"}}}, got)

	mock.ExpectQuery(`SELECT content FROM named_documents`).WillReturnError(sql.ErrNoRows)
	_, err = s.ReadNamed(context.Background(), "events")
	assert.ErrorIs(t, err, ErrNotFound)

	mock.ExpectQuery(`SELECT content FROM named_documents`).WillReturnError(errors.New("conn reset"))
	_, err = s.ReadNamed(context.Background(), "events")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSetNamedUpserts(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO named_documents .* ON CONFLICT \(controller, name\) DO UPDATE`).
		WithArgs(didA, "events", []byte(`{"events":[]}`), "sig:"+didA).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SetNamed(context.Background(), "events", Content{"events": []any{}}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEnsureSchema(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS documents`).WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
