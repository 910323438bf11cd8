package monitor

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bararchive/creator/pkg/progress"
)

func TestHandleSnapshotServesLatestBoundSnapshot(t *testing.T) {
	s := New("127.0.0.1:0")
	agg := progress.New(nil).WithInterval(0)
	s.Bind(agg)

	agg.AddTotal(10, 1024)
	agg.AddDone(3, 300)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/progress", nil)
	s.handleSnapshot(rec, req)

	require.Equal(t, 200, rec.Code)
	var snap progress.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, int64(10), snap.Total.EntryCount)
	assert.Equal(t, int64(3), snap.Done.EntryCount)
}

func TestWebSocketClientReceivesBroadcastSnapshot(t *testing.T) {
	s := New("127.0.0.1:0")
	srv := httptest.NewServer(s.http.Handler)
	defer srv.Close()

	agg := progress.New(nil).WithInterval(0)
	s.Bind(agg)

	wsURL := "ws" + srv.URL[len("http"):] + "/progress/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The server registers the new connection on its own goroutine; wait for
	// it before publishing, or the broadcast below can race the handshake.
	require.Eventually(t, func() bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return len(s.clients) == 1
	}, time.Second, time.Millisecond)

	// Bind already pushed one snapshot synchronously before the client
	// connected; a second notify after connecting confirms live delivery.
	agg.AddTotal(5, 0)

	var snap progress.Snapshot
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, int64(5), snap.Total.EntryCount)
}
