package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRESTAdapterCreateSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/todos", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"server_id":"srv-7"}`))
	}))
	defer srv.Close()

	a := NewRESTAdapter(srv.URL, "secret", time.Second)
	out, err := a.Create(context.Background(), "todos", "todo-1", json.RawMessage(`{"title":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, out.Result)
	assert.Equal(t, "srv-7", out.ServerID)
}

func TestRESTAdapterConflictCarriesRemoteState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"remote":{"title":"their copy","version":4},"message":"version mismatch"}`))
	}))
	defer srv.Close()

	a := NewRESTAdapter(srv.URL, "", time.Second)
	out, err := a.Update(context.Background(), "todos", "todo-1", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, ResultConflict, out.Result)
	assert.True(t, out.RemoteExists)
	assert.JSONEq(t, `{"title":"their copy","version":4}`, string(out.RemotePayload))
	assert.Equal(t, "version mismatch", out.Message)
}

func TestRESTAdapterConflictDeletedRemotely(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"deleted":true}`))
	}))
	defer srv.Close()

	a := NewRESTAdapter(srv.URL, "", time.Second)
	out, err := a.Update(context.Background(), "todos", "todo-1", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, ResultConflict, out.Result)
	assert.False(t, out.RemoteExists)
}

func TestRESTAdapterStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   Result
	}{
		{http.StatusOK, ResultSuccess},
		{http.StatusInternalServerError, ResultTransient},
		{http.StatusBadGateway, ResultTransient},
		{http.StatusTooManyRequests, ResultTransient},
		{http.StatusBadRequest, ResultNonRetryable},
		{http.StatusUnauthorized, ResultNonRetryable},
		{http.StatusPreconditionFailed, ResultConflict},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		a := NewRESTAdapter(srv.URL, "", time.Second)
		out, err := a.Delete(context.Background(), "todos", "todo-1", nil)
		require.NoError(t, err, "status %d", tc.status)
		assert.Equal(t, tc.want, out.Result, "status %d", tc.status)
		srv.Close()
	}
}

func TestRESTAdapterNetworkErrorReturnsError(t *testing.T) {
	a := NewRESTAdapter("http://127.0.0.1:1", "", 200*time.Millisecond)
	_, err := a.Create(context.Background(), "todos", "todo-1", json.RawMessage(`{}`))
	require.Error(t, err)
}

func TestRESTAdapterFetchUpdates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/todos", r.URL.Path)
		assert.NotEmpty(t, r.URL.Query().Get("since"))

		_, _ = w.Write([]byte(`[{"id":"todo-1","payload":{"title":"x"},"updated_at":"2026-01-02T10:00:00Z"}]`))
	}))
	defer srv.Close()

	a := NewRESTAdapter(srv.URL, "", time.Second)
	records, err := a.FetchUpdates(context.Background(), "todos", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "todo-1", records[0].ID)
	assert.False(t, records[0].Deleted)
}
