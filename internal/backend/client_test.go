package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SteamVC/SteamVC_Match/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEnvelope(w http.ResponseWriter, status int, env any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func TestClient_ListRooms(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/rooms", r.URL.Path)
		assert.Equal(t, "hostX", r.URL.Query().Get("host_id"))
		assert.Equal(t, "waiting", r.URL.Query().Get("status"))
		writeEnvelope(w, http.StatusOK, map[string]any{
			"status": "Success",
			"data":   []map[string]any{{"id": "r1", "host_id": "hostX", "status": "waiting"}},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", time.Second)
	rooms, err := c.ListRooms(context.Background(), RoomFilter{Status: models.RoomWaiting, HostID: "hostX"})
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "r1", rooms[0].ID)
	assert.Equal(t, models.RoomWaiting, rooms[0].Status)
}

func TestClient_ListRoomsEmptyData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, map[string]any{"status": "Success", "data": nil})
	}))
	defer srv.Close()

	rooms, err := NewClient(srv.URL, time.Second).ListRooms(context.Background(), RoomFilter{})
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestClient_JoinReturnsEnvelopeAsIs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "c1", body["caller_id"])
		assert.Equal(t, "hostX", body["host_id"])
		writeEnvelope(w, http.StatusOK, map[string]any{"status": "Success", "message": "Host unavailable"})
	}))
	defer srv.Close()

	env, err := NewClient(srv.URL, time.Second).Join(context.Background(), "c1", "hostX")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, env.Status)
	assert.Equal(t, "Host unavailable", env.Message)
}

func TestClient_JoinMissingStatusIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, map[string]any{"message": "ok"})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).Join(context.Background(), "c1", "hostX")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestClient_ErrorClasses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/rooms/status":
			w.WriteHeader(http.StatusBadGateway)
		case "/api/rooms/leave":
			http.Error(w, "gone", http.StatusNotFound)
		default:
			writeEnvelope(w, http.StatusOK, map[string]any{"status": "Error", "message": "denied"})
		}
	}))
	defer srv.Close()
	c := NewClient(srv.URL, time.Second)
	ctx := context.Background()

	err := c.UpdateRoomStatus(ctx, "hostX", models.RoomFinished)
	assert.ErrorIs(t, err, ErrTransport)

	err = c.CloseOccupancy(ctx, "c1", "hostX", "r1")
	var he *HTTPError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, http.StatusNotFound, he.StatusCode)
	assert.Equal(t, "gone", he.Body)

	err = c.post(ctx, "/api/other", []byte(`{}`))
	require.True(t, errors.As(err, &he))
	assert.Equal(t, "denied", he.Body)
}

func TestClient_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, time.Second).ListBroadcasters(context.Background())
	assert.ErrorIs(t, err, ErrTransport)
}

func TestClient_DeduplicatesConcurrentRequests(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.Copy(io.Discard, r.Body)
		<-release
		writeEnvelope(w, http.StatusOK, map[string]any{
			"status": "Success",
			"data":   []map[string]any{{"user_id": "b1", "host_id": "h1", "status": "in_call", "channel": "ch1"}},
		})
	}))
	defer srv.Close()
	c := NewClient(srv.URL, 2*time.Second)

	var wg sync.WaitGroup
	results := make([][]models.Broadcaster, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := c.ListBroadcasters(context.Background())
			assert.NoError(t, err)
			results[i] = out
		}(i)
	}
	assert.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
	for _, r := range results {
		require.Len(t, r, 1)
		assert.Equal(t, models.StatusInCall, r[0].Status)
	}
}
