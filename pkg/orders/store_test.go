package orders

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xayed7x/smartorderAI/pkg/catalog"
)

func TestPostgresStore_Insert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO orders (id, product_id, customer_details, status, idempotency_key, created_at)")).
		WithArgs("o-1", "p-1", []byte(`{"source":"button"}`), "pending", nil, created).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = NewPostgresStore(db).Insert(context.Background(), &Order{
		ID: "o-1", ProductID: "p-1", CustomerDetails: ButtonDetails(), Status: StatusPending, CreatedAt: created,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertDuplicateKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (idempotency_key) DO NOTHING")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM orders WHERE idempotency_key = $1")).
		WithArgs("k-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("o-original"))

	err = NewPostgresStore(db).Insert(context.Background(), &Order{
		ID: "o-2", ProductID: "p-1", CustomerDetails: ButtonDetails(), Status: StatusPending, IdempotencyKey: "k-1",
	})
	require.ErrorIs(t, err, ErrDuplicateOrder)
	var dup *DuplicateOrderError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "o-original", dup.OrderID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_List(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY o.created_at DESC LIMIT $1")).
		WithArgs(20).
		WillReturnRows(sqlmock.NewRows([]string{"id", "product_id", "customer_details", "status", "idempotency_key", "created_at", "product_name", "price"}).
			AddRow("o-2", "p-1", []byte(`{"source":"raw","raw":"Rahim"}`), "shipped", "", created, "Navy Polo", 1250.0).
			AddRow("o-1", "p-1", []byte(`{"source":"button"}`), "pending", "k-1", created.Add(-time.Hour), "Navy Polo", 1250.0))

	out, err := NewPostgresStore(db).List(context.Background(), 20)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, StatusShipped, out[0].Status)
	assert.Equal(t, "Rahim", out[0].CustomerDetails["raw"])
	assert.Equal(t, "Navy Polo", out[1].ProductName)
	assert.Equal(t, "k-1", out[1].IdempotencyKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateStatusNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE orders SET status = $1 WHERE id = $2")).
		WithArgs("delivered", "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = NewPostgresStore(db).UpdateStatus(context.Background(), "missing", StatusDelivered)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE o.id = $1")).WithArgs("x").WillReturnError(sql.ErrNoRows)
	_, err = NewPostgresStore(db).Get(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func newSQLiteStores(t *testing.T) (*catalog.SQLiteStore, *SQLiteStore) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	cat, err := catalog.NewSQLiteStore(db)
	require.NoError(t, err)
	st, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return cat, st
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	cat, st := newSQLiteStores(t)
	ctx := context.Background()
	require.NoError(t, cat.Upsert(ctx, catalog.Product{ID: "p-1", Name: "Navy Polo", Code: "PS-B", Price: 1250, Stock: 3}))

	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, st.Insert(ctx, &Order{ID: "o-1", ProductID: "p-1", CustomerDetails: ButtonDetails(), Status: StatusPending, CreatedAt: base, IdempotencyKey: "k-1"}))
	require.NoError(t, st.Insert(ctx, &Order{ID: "o-2", ProductID: "p-1", CustomerDetails: RawDetails("Rahim"), Status: StatusPending, CreatedAt: base.Add(time.Minute)}))
	require.NoError(t, st.Insert(ctx, &Order{ID: "o-3", ProductID: "p-1", CustomerDetails: ButtonDetails(), Status: StatusPending, CreatedAt: base.Add(2 * time.Minute)}))

	err := st.Insert(ctx, &Order{ID: "o-4", ProductID: "p-1", CustomerDetails: ButtonDetails(), Status: StatusPending, CreatedAt: base, IdempotencyKey: "k-1"})
	var dup *DuplicateOrderError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "o-1", dup.OrderID)

	out, err := st.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, []string{"o-3", "o-2", "o-1"}, []string{out[0].ID, out[1].ID, out[2].ID})
	assert.Equal(t, "Navy Polo", out[0].ProductName)
	assert.Equal(t, "Rahim", out[1].CustomerDetails["raw"])
	assert.True(t, out[2].CreatedAt.Equal(base))

	require.NoError(t, st.UpdateStatus(ctx, "o-2", StatusCancelled))
	o, err := st.Get(ctx, "o-2")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, o.Status)

	_, err = st.Get(ctx, "o-9")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, st.UpdateStatus(ctx, "o-9", StatusShipped), ErrNotFound)
}
