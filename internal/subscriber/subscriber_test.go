package subscriber

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/Devolutions/devolutions-gateway-sub002/internal/trafficqueue"
)

func TestNotifier_DeliversAndAcks(t *testing.T) {
	var received atomic.Int32
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		var body []wireEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		received.Add(int32(len(body)))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q, err := trafficqueue.New(trafficqueue.Config{Clock: clockwork.NewRealClock()})
	require.NoError(t, err)
	_, err = q.Enqueue(trafficqueue.EventOpen, trafficqueue.Record{SessionID: "s1"})
	require.NoError(t, err)

	n, err := New(Config{
		URL:           srv.URL,
		BearerToken:   "secret",
		ClaimInterval: 10 * time.Millisecond,
	}, q)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	n.Run(ctx)

	require.Equal(t, int32(1), received.Load())
	require.Equal(t, "Bearer secret", gotAuth.Load())
	require.Equal(t, 0, q.Len())
}

func TestNotifier_LeavesEventQueuedOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	q, err := trafficqueue.New(trafficqueue.Config{Clock: clockwork.NewRealClock()})
	require.NoError(t, err)
	_, err = q.Enqueue(trafficqueue.EventOpen, trafficqueue.Record{SessionID: "s1"})
	require.NoError(t, err)

	n, err := New(Config{
		URL:            srv.URL,
		ClaimInterval:  10 * time.Millisecond,
		MaxElapsedTime: 50 * time.Millisecond,
		Lease:          time.Millisecond,
	}, q)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	n.Run(ctx)

	require.Equal(t, 1, q.Len())
}
