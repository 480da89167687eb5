package feed

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

func TestClientSendsPing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	msgCh := make(chan map[string]any, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept ws: %v", err)
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			select {
			case msgCh <- msg:
			default:
			}
		}
	}))
	defer server.Close()

	client := NewClient(wsURL(server), 10*time.Millisecond, 20*time.Millisecond, zap.NewNop())
	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go func() {
		_ = client.Run(runCtx, nil)
	}()

	select {
	case msg := <-msgCh:
		if msg["method"] != "ping" {
			t.Fatalf("expected ping message, got %v", msg)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for ping")
	}
}

type recordingSink struct {
	mu     sync.Mutex
	prices []*big.Int
	seen   chan struct{}
}

func (r *recordingSink) SetMarkPrice(price *big.Int) {
	r.mu.Lock()
	r.prices = append(r.prices, price)
	r.mu.Unlock()
	r.seen <- struct{}{}
}

func TestMarkFeedPushesPrices(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	subCh := make(chan subscription, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept ws: %v", err)
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var sub subscription
		_ = json.Unmarshal(data, &sub)
		subCh <- sub
		for _, msg := range []string{
			`{"channel":"markPrice","data":{"market":"BTC","price":"60000"}}`,
			`{"channel":"markPrice","data":{"market":"ETH","price":"-1"}}`,
			`{"channel":"trades","data":{}}`,
			`not json`,
			`{"channel":"markPrice","data":{"market":"eth","price":"2000.5"}}`,
		} {
			if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
				return
			}
		}
		<-ctx.Done()
	}))
	defer server.Close()

	sink := &recordingSink{seen: make(chan struct{}, 4)}
	client := NewClient(wsURL(server), 10*time.Millisecond, 0, zap.NewNop())
	feed := NewMarkFeed(client, "ETH", sink, zap.NewNop())
	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go func() {
		_ = feed.Run(runCtx)
	}()

	select {
	case sub := <-subCh:
		if sub.Method != "subscribe" || sub.Subscription["type"] != "markPrice" || sub.Subscription["market"] != "ETH" {
			t.Fatalf("unexpected subscription %+v", sub)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for subscription")
	}
	select {
	case <-sink.seen:
	case <-ctx.Done():
		t.Fatalf("timed out waiting for a price")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.prices) != 1 {
		t.Fatalf("expected only the ETH price, got %d prices", len(sink.prices))
	}
	want, _ := new(big.Int).SetString("2000500000000000000000", 10)
	if sink.prices[0].Cmp(want) != 0 {
		t.Fatalf("expected %s, got %s", want, sink.prices[0])
	}
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestBackoffDoublesToCap(t *testing.T) {
	base := 100 * time.Millisecond
	cases := map[int]time.Duration{
		0:  base,
		1:  base,
		2:  2 * base,
		3:  4 * base,
		5:  16 * base,
		50: 16 * base,
	}
	for failures, want := range cases {
		if got := backoff(base, failures); got != want {
			t.Fatalf("failures=%d: expected %s, got %s", failures, want, got)
		}
	}
}

func TestSubscribeDeduplicates(t *testing.T) {
	client := NewClient("ws://unused", time.Second, 0, nil)
	sub := subscription{Method: "subscribe", Subscription: map[string]string{"type": markChannel, "market": "ETH"}}
	for i := 0; i < 3; i++ {
		if err := client.Subscribe(context.Background(), sub); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	if len(client.subs) != 1 {
		t.Fatalf("expected one stored subscription, got %d", len(client.subs))
	}
	if client.Connected() {
		t.Fatalf("expected no live session")
	}
}
