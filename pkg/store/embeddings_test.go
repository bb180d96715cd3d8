package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatVector(t *testing.T) {
	assert.Equal(t, "[]", formatVector(nil))
	assert.Equal(t, "[0.5,-1,0.25]", formatVector(Embedding{0.5, -1, 0.25}))
}

func TestOpenAIEmbedder_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "text-embedding-3-small", body["model"])

		vec := make([]float32, EmbeddingDimensions)
		vec[0] = 1
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{{"embedding": vec}}})
	}))
	defer srv.Close()

	v, err := NewOpenAIEmbedder("sk").WithBaseURL(srv.URL).Embed(context.Background(), "navy polo shirt")
	require.NoError(t, err)
	assert.Len(t, v, EmbeddingDimensions)
	assert.Equal(t, float32(1), v[0])
}

func TestOpenAIEmbedder_WrongDimensions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"embedding":[0.1,0.2]}]}`))
	}))
	defer srv.Close()

	_, err := NewOpenAIEmbedder("sk").WithBaseURL(srv.URL).Embed(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 dimensions")
}

func TestOpenAIEmbedder_MissingKey(t *testing.T) {
	_, err := NewOpenAIEmbedder("").Embed(context.Background(), "x")
	assert.Error(t, err)
}

func TestPGVectorStore_Store(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO product_embeddings")).
		WithArgs("p-1", "[0.5,1]", "navy polo", []byte(`{"name":"Polo"}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = NewPGVectorStore(db).Store(context.Background(), "p-1", "navy polo", Embedding{0.5, 1}, map[string]string{"name": "Polo"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGVectorStore_Search(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM product_embeddings")).
		WithArgs("[1,0]", sqlmock.AnyArg(), 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "text", "metadata", "score"}).
			AddRow("p-9", "red mug", []byte(`{"code":"M-1"}`), 0.93))

	res, err := NewPGVectorStore(db).Search(context.Background(), Embedding{1, 0}, 0.8, 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "p-9", res[0].ID)
	assert.Equal(t, "M-1", res[0].Metadata["code"])
	assert.InDelta(t, 0.93, res[0].Score, 1e-6)
	assert.NoError(t, mock.ExpectationsWereMet())
}
