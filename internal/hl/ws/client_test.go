package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
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

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client := New(wsURL, 10*time.Millisecond, 20*time.Millisecond, zap.NewNop())
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

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

func TestClientReplaysSubscriptionsAndDispatches(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	subCh := make(chan map[string]any, 1)
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
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err == nil {
			subCh <- msg
		}
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"channel":"subscriptionResponse","data":{}}`))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"channel":"pong"}`))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"channel":"activeAssetCtx","data":{"coin":"HYPE","ctx":{"funding":"0.0000125","markPx":"25.6"}}}`))
		<-ctx.Done()
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client := New(wsURL, 10*time.Millisecond, 0, zap.NewNop())
	if err := client.Subscribe(ctx, Subscription{Type: ChannelActiveAssetCtx, Coin: "HYPE"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	got := make(chan Message, 4)
	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go func() {
		_ = client.Run(runCtx, func(msg Message) { got <- msg })
	}()

	select {
	case sub := <-subCh:
		if sub["method"] != "subscribe" {
			t.Fatalf("expected subscribe request, got %v", sub)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for subscription")
	}
	select {
	case msg := <-got:
		if msg.Channel != ChannelActiveAssetCtx {
			t.Fatalf("expected activeAssetCtx first, got %s", msg.Channel)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for message")
	}
}
