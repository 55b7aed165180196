package chain

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsNotification(l map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "eth_subscription",
		"params": map[string]interface{}{
			"subscription": "0xsub",
			"result":       l,
		},
	}
}

func rawLog(block uint64, index uint) map[string]interface{} {
	return map[string]interface{}{
		"address":         common.HexToAddress("0xaa"),
		"topics":          []common.Hash{EventCreateCourse},
		"data":            "0x",
		"blockNumber":     hexU64(block),
		"transactionHash": common.BigToHash(big.NewInt(int64(block))),
		"logIndex":        hexU64(uint64(index)),
	}
}

func hexU64(v uint64) string {
	return "0x" + new(big.Int).SetUint64(v).Text(16)
}

func TestSubscriberDeliversNotifications(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var req RPCRequest
		if err := conn.ReadJSON(&req); err != nil {
			t.Errorf("read subscribe: %v", err)
			return
		}
		if req.Method != "eth_subscribe" {
			t.Errorf("unexpected method %s", req.Method)
		}
		_ = conn.WriteJSON(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": "0xsub"})
		_ = conn.WriteJSON(wsNotification(rawLog(10, 0)))
		_ = conn.WriteJSON(map[string]interface{}{"jsonrpc": "2.0", "method": "something_else"})
		_ = conn.WriteJSON(wsNotification(rawLog(11, 1)))

		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	sub, err := NewSubscriber(SubscriberConfig{WSURL: "ws" + strings.TrimPrefix(srv.URL, "http")}, nil)
	if err != nil {
		t.Fatalf("new subscriber: %v", err)
	}

	var mu sync.Mutex
	var got []types.Log
	received := make(chan struct{}, 2)
	s, err := sub.SubscribeLogs(context.Background(), ethereum.FilterQuery{}, func(l types.Log) {
		mu.Lock()
		got = append(got, l)
		mu.Unlock()
		received <- struct{}{}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for notifications")
		}
	}
	s.Unsubscribe()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[1].Index != 1 {
		t.Fatalf("unexpected logs %+v", got)
	}
	if s.LastBlock() != 11 {
		t.Fatalf("last block = %d, want 11", s.LastBlock())
	}
}

func TestSubscriberRejectsEmptyURL(t *testing.T) {
	if _, err := NewSubscriber(SubscriberConfig{}, nil); err == nil {
		t.Fatal("expected error")
	}
}

type fakeFetcher struct {
	mu      sync.Mutex
	head    uint64
	logs    []types.Log
	queries []ethereum.FilterQuery
}

func (f *fakeFetcher) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeFetcher) GetLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber >= q.FromBlock.Uint64() && l.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeFetcher) advance(l types.Log) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, l)
	if l.BlockNumber > f.head {
		f.head = l.BlockNumber
	}
}

func TestPollerDeliversOnlyNewBlocks(t *testing.T) {
	fetcher := &fakeFetcher{head: 100, logs: []types.Log{{BlockNumber: 100}}}
	poller := NewPoller(fetcher, 5*time.Millisecond, nil)

	received := make(chan types.Log, 4)
	sub, err := poller.SubscribeLogs(context.Background(), ethereum.FilterQuery{}, func(l types.Log) {
		received <- l
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	fetcher.advance(types.Log{BlockNumber: 101, Index: 4})

	select {
	case l := <-received:
		if l.BlockNumber != 101 {
			t.Fatalf("delivered block %d, want 101", l.BlockNumber)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for poll")
	}

	select {
	case l := <-received:
		t.Fatalf("unexpected extra log at block %d", l.BlockNumber)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestSubscriberBackfillsDropBeforeFirstNotification(t *testing.T) {
	drop := make(chan struct{})
	var mu sync.Mutex
	connections := 0
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var req RPCRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": "0xsub"})

		mu.Lock()
		connections++
		first := connections == 1
		mu.Unlock()
		if first {
			<-drop
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	fetcher := &fakeFetcher{head: 200}
	sub, err := NewSubscriber(SubscriberConfig{
		WSURL:          "ws" + strings.TrimPrefix(srv.URL, "http"),
		ReconnectDelay: 5 * time.Millisecond,
		Backfill:       fetcher,
	}, nil)
	require.NoError(t, err)

	received := make(chan types.Log, 4)
	s, err := sub.SubscribeLogs(context.Background(), ethereum.FilterQuery{}, func(l types.Log) {
		received <- l
	})
	require.NoError(t, err)
	defer s.Unsubscribe()
	assert.Equal(t, uint64(200), s.LastBlock(), "head recorded at subscribe time")

	// Mined while the first connection is still silent, then the connection drops.
	fetcher.advance(types.Log{BlockNumber: 205, Index: 3})
	close(drop)

	select {
	case l := <-received:
		assert.Equal(t, uint64(205), l.BlockNumber)
	case <-time.After(5 * time.Second):
		t.Fatal("log mined before the drop was not backfilled")
	}

	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	require.NotEmpty(t, fetcher.queries)
	assert.Equal(t, uint64(200), fetcher.queries[0].FromBlock.Uint64())
}

func TestSubscriberStartFailsWithoutHead(t *testing.T) {
	sub, err := NewSubscriber(SubscriberConfig{WSURL: "ws://127.0.0.1:1", Backfill: failingFetcher{}}, nil)
	require.NoError(t, err)
	_, err = sub.SubscribeLogs(context.Background(), ethereum.FilterQuery{}, func(types.Log) {})
	require.ErrorContains(t, err, "subscriber start")
}

type failingFetcher struct{}

func (failingFetcher) BlockNumber(context.Context) (uint64, error) {
	return 0, errors.New("node unavailable")
}

func (failingFetcher) GetLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return nil, errors.New("node unavailable")
}
