package threadlinesdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListRunsSendsQueryAndToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/runs", r.URL.Path)
		assert.Equal(t, "partial", r.URL.Query().Get("status"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.Equal(t, "2024-01-01T00:00:00Z|abc", r.URL.Query().Get("cursor"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"items":[{"id":"r1","status":"partial","persisted":12}],"next_cursor":"x|y"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	page, err := c.ListRuns(context.Background(), RunQuery{Status: "partial", Limit: 5, Cursor: "2024-01-01T00:00:00Z|abc"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, 12, page.Items[0].Persisted)
	assert.Equal(t, "x|y", page.NextCursor)
}

func TestAPIErrorDecodesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":"not_found","message":"not found"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "tok").Transcript(context.Background(), "missing", "bubble")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Code)
}
