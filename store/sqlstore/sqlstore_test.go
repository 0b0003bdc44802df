package sqlstore

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/unkn0wn-root/cacheaside/store"
)

type widget struct {
	ID        string         `json:"id" gorm:"primaryKey"`
	Name      string         `json:"name" gorm:"not null"`
	Color     string         `json:"color"`
	Rank      int            `json:"rank" gorm:"column:position"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// gadget has no soft-delete field and no json tags.
type gadget struct {
	ID   string `gorm:"primaryKey"`
	Name string
}

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(context.Background(), SQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })
	require.NoError(t, db.AutoMigrate(&widget{}, &gadget{}))
	return db
}

func setupStore(t *testing.T) *Store[widget] {
	t.Helper()
	s, err := New[widget](openDB(t))
	require.NoError(t, err)
	return s
}

func seed(t *testing.T, s *Store[widget], ws ...widget) {
	t.Helper()
	for _, w := range ws {
		_, err := s.Insert(context.Background(), w)
		require.NoError(t, err)
	}
}

func TestInsertAssignsUUID(t *testing.T) {
	s := setupStore(t)
	w, err := s.Insert(context.Background(), widget{Name: "a"})
	require.NoError(t, err)
	assert.Len(t, w.ID, 36)

	got, ok, err := s.FindOne(context.Background(), store.Query{Filter: store.Filter{"id": w.ID}})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", got.Name)

	kept, err := s.Insert(context.Background(), widget{ID: "w9", Name: "b"})
	require.NoError(t, err)
	assert.Equal(t, "w9", kept.ID)
}

func TestFindFilterOrderPage(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	seed(t, s,
		widget{ID: "w1", Name: "a", Color: "red", Rank: 3},
		widget{ID: "w2", Name: "b", Color: "red", Rank: 1},
		widget{ID: "w3", Name: "c", Color: "blue", Rank: 2},
		widget{ID: "w4", Name: "d", Color: "red", Rank: 2},
	)

	rows, err := s.Find(ctx, store.Query{
		Filter: store.Filter{"color": "red"},
		Order:  []store.Order{{Field: "rank", Desc: true}, {Field: "name"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"w1", "w4", "w2"}, ids(rows))

	rows, err = s.Find(ctx, store.Query{Order: []store.Order{{Field: "name"}}, Offset: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"w2", "w3"}, ids(rows))

	rows, err = s.Find(ctx, store.Query{Order: []store.Order{{Field: "name"}}, Offset: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"w4"}, ids(rows))

	n, err := s.Count(ctx, store.Query{Filter: store.Filter{"color": "red"}, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestUnknownFieldsAreRejected(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	_, err := s.Find(ctx, store.Query{Filter: store.Filter{"nope": 1}})
	assert.ErrorIs(t, err, store.ErrUnknownField)
	_, err = s.Find(ctx, store.Query{Order: []store.Order{{Field: "nope"}}})
	assert.ErrorIs(t, err, store.ErrUnknownField)
	_, err = s.Update(ctx, store.Filter{"id": "w1"}, store.Changes{"nope": 1})
	assert.ErrorIs(t, err, store.ErrUnknownField)

	assert.True(t, s.HasField("color"))
	assert.True(t, s.HasField("rank"))
	assert.False(t, s.HasField("position"))
	assert.False(t, s.HasField("deleted_at"))
}

func TestSoftDeleteVisibility(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	seed(t, s, widget{ID: "w1", Name: "a"}, widget{ID: "w2", Name: "b"})

	n, err := s.SoftDelete(ctx, store.Filter{"id": "w1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// already deleted rows are not touched again
	n, err = s.SoftDelete(ctx, store.Filter{"id": "w1"})
	require.NoError(t, err)
	assert.Zero(t, n)

	_, ok, err := s.FindOne(ctx, store.Query{Filter: store.Filter{"id": "w1"}})
	require.NoError(t, err)
	assert.False(t, ok)

	w, ok, err := s.FindOne(ctx, store.Query{Filter: store.Filter{"id": "w1"}, WithDeleted: true})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", w.Name)

	count, err := s.Count(ctx, store.Query{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// updates reach soft-deleted rows
	n, err = s.Update(ctx, store.Filter{"id": "w1"}, store.Changes{"name": "z"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Delete(ctx, store.Filter{"id": "w1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, ok, err = s.FindOne(ctx, store.Query{Filter: store.Filter{"id": "w1"}, WithDeleted: true})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSoftDeleteRequiresDeletedAt(t *testing.T) {
	ctx := context.Background()
	s, err := New[gadget](openDB(t))
	require.NoError(t, err)
	assert.True(t, s.HasField("name"))

	_, err = s.Insert(ctx, gadget{ID: "g1", Name: "x"})
	require.NoError(t, err)
	_, err = s.SoftDelete(ctx, store.Filter{"id": "g1"})
	assert.ErrorIs(t, err, ErrNoSoftDelete)

	n, err := s.Delete(ctx, store.Filter{"id": "g1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestNewRejectsBadModels(t *testing.T) {
	_, err := New[widget](nil)
	assert.Error(t, err)
	_, err = New[int](openDB(t))
	assert.Error(t, err)
}

func TestPostgresQueryShape(t *testing.T) {
	// never dialed: dry run only renders SQL
	conn, err := sql.Open("pgx", "postgres://localhost:1/none")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: conn}), &gorm.Config{DryRun: true, DisableAutomaticPing: true})
	require.NoError(t, err)

	s, err := New[widget](db)
	require.NoError(t, err)
	tx, err := s.query(context.Background(), store.Query{
		Filter: store.Filter{"name": "a", "color": nil},
		Order:  []store.Order{{Field: "rank", Desc: true}},
		Limit:  10,
	})
	require.NoError(t, err)
	var out []widget
	sqlText := tx.Find(&out).Statement.SQL.String()

	assert.Contains(t, sqlText, `"color" IS NULL`)
	assert.Contains(t, sqlText, `"name" = $1`)
	assert.Contains(t, sqlText, `"widgets"."deleted_at" IS NULL`)
	assert.Contains(t, sqlText, `ORDER BY "position" DESC`)
	assert.Contains(t, sqlText, "LIMIT")
}

func TestParseDialect(t *testing.T) {
	for in, want := range map[string]Dialect{"sqlite": SQLite, "SQLite3": SQLite, "postgres": Postgres, "postgresql": Postgres} {
		d, err := ParseDialect(in)
		require.NoError(t, err)
		assert.Equal(t, want, d, in)
	}
	_, err := ParseDialect("mysql")
	assert.Error(t, err)
}

func ids(ws []widget) []string {
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = w.ID
	}
	return out
}
