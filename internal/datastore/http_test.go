package datastore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainless/datastorer/internal/ingesterr"
)

type recordedCall struct {
	Action  string
	Auth    string
	Payload map[string]any
}

func newStoreServer(t *testing.T, handler func(action string, payload map[string]any, w http.ResponseWriter)) (*httptest.Server, *[]recordedCall) {
	var mu sync.Mutex
	var calls []recordedCall
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		action := r.URL.Path[len("/api/3/action/"):]

		mu.Lock()
		calls = append(calls, recordedCall{Action: action, Auth: r.Header.Get("Authorization"), Payload: payload})
		mu.Unlock()

		handler(action, payload, w)
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func TestHTTPStore_DeleteNotFound(t *testing.T) {
	server, _ := newStoreServer(t, func(action string, payload map[string]any, w http.ResponseWriter) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"success": false, "error": {"__type": "Not Found Error"}}`))
	})

	store := NewHTTPStore(server.URL, "key", time.Second, 0)
	err := store.Delete(context.Background(), "r1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHTTPStore_LoadSequence(t *testing.T) {
	server, calls := newStoreServer(t, func(action string, payload map[string]any, w http.ResponseWriter) {
		if action == "datastore_delete" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"success": true, "result": {}}`))
	})

	store := NewHTTPStore(server.URL+"/", "secret", time.Second, 100)
	n, err := NewLoader(store).Load(context.Background(), "r1", testColumns, countingSource(101), nil)
	require.NoError(t, err)
	assert.Equal(t, 101, n)

	require.Len(t, *calls, 4)
	var actions []string
	for _, c := range *calls {
		actions = append(actions, c.Action)
		assert.Equal(t, "secret", c.Auth)
		assert.Equal(t, "r1", c.Payload["resource_id"])
	}
	assert.Equal(t, []string{"datastore_delete", "datastore_create", "datastore_upsert", "datastore_upsert"}, actions)

	create := (*calls)[1].Payload
	assert.Equal(t, []any{
		map[string]any{"id": "n", "type": "numeric"},
		map[string]any{"id": "label", "type": "text"},
	}, create["fields"])
	assert.Equal(t, []any{}, create["records"])

	assert.Len(t, (*calls)[2].Payload["records"], 100)
	assert.Len(t, (*calls)[3].Payload["records"], 1)
	assert.Equal(t, "insert", (*calls)[3].Payload["method"])
}

func TestHTTPStore_ErrorResponse(t *testing.T) {
	server, _ := newStoreServer(t, func(action string, payload map[string]any, w http.ResponseWriter) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"success": false, "error": {"fields": ["bad type"]}}`))
	})

	store := NewHTTPStore(server.URL, "", time.Second, 0)
	err := store.Upsert(context.Background(), "r1", []Record{{"n": "1"}})
	require.Error(t, err)

	var ie *ingesterr.Error
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, ingesterr.StoreError, ie.Kind)
	assert.Equal(t, http.StatusConflict, ie.Status)
	assert.Contains(t, ie.Body, "bad type")
	assert.True(t, ingesterr.Retryable(err))

	// A failed delete other than 404 is not ErrNotFound.
	err = store.Delete(context.Background(), "r1")
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.True(t, ingesterr.Is(err, ingesterr.StoreError))
}

func TestHTTPStore_Search(t *testing.T) {
	server, calls := newStoreServer(t, func(action string, payload map[string]any, w http.ResponseWriter) {
		w.Write([]byte(`{"success": true, "result": {
			"fields": [{"id": "_id", "type": "int"}, {"id": "n", "type": "numeric"}],
			"records": [{"_id": 1, "n": "1"}, {"_id": 2, "n": "2"}],
			"total": 2
		}}`))
	})

	store := NewHTTPStore(server.URL, "", time.Second, 0)
	result, err := store.Search(context.Background(), SearchQuery{ResourceID: "r1", Limit: 10})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Total)
	require.Len(t, result.Records, 2)
	assert.Equal(t, "2", result.Records[1]["n"])
	assert.Equal(t, float64(10), (*calls)[0].Payload["limit"])
}

func TestHTTPStore_SearchNotFound(t *testing.T) {
	server, _ := newStoreServer(t, func(action string, payload map[string]any, w http.ResponseWriter) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"success": false, "error": {"__type": "Not Found Error"}}`))
	})

	store := NewHTTPStore(server.URL, "", time.Second, 0)
	_, err := store.Search(context.Background(), SearchQuery{ResourceID: "missing", Limit: 10})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHTTPStore_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	store := NewHTTPStore(url, "", time.Second, 0)
	err := store.Create(context.Background(), "r1", []Field{{ID: "a", Type: "text"}}, nil)
	assert.True(t, ingesterr.Is(err, ingesterr.StoreError))
}
