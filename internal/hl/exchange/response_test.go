package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func decodeResponse(t *testing.T, raw string) Response {
	t.Helper()
	var resp Response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestOrderStatusFilled(t *testing.T) {
	resp := decodeResponse(t, `{"status":"ok","response":{"type":"order","data":{"statuses":[{"filled":{"totalSz":"0.02","avgPx":"1891.4","oid":292577153770,"cloid":"0x188a0f9ee162351d6d6af5b09b97b1c7"}}]}}}`)
	status, err := resp.firstOrderStatus()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Filled == nil || status.OrderID() != 292577153770 {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.Filled.TotalSz != "0.02" {
		t.Fatalf("unexpected total size %s", status.Filled.TotalSz)
	}
}

func TestOrderStatusResting(t *testing.T) {
	resp := decodeResponse(t, `{"status":"ok","response":{"type":"order","data":{"statuses":[{"resting":{"oid":77738308}}]}}}`)
	status, err := resp.firstOrderStatus()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Resting == nil || status.OrderID() != 77738308 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestOrderStatusErrorIsRejected(t *testing.T) {
	resp := decodeResponse(t, `{"status":"ok","response":{"type":"order","data":{"statuses":[{"error":"Order must have minimum value of $10."}]}}}`)
	if _, err := resp.firstOrderStatus(); !errors.Is(err, ErrActionRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestEnvelopeErrorIsRejected(t *testing.T) {
	resp := decodeResponse(t, `{"status":"err","response":"Insufficient margin"}`)
	if err := resp.err(); !errors.Is(err, ErrActionRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestCancelSuccess(t *testing.T) {
	resp := decodeResponse(t, `{"status":"ok","response":{"type":"cancel","data":{"statuses":["success"]}}}`)
	if err := resp.cancelError(); err != nil {
		t.Fatalf("unexpected cancel error: %v", err)
	}
	resp = decodeResponse(t, `{"status":"ok","response":{"type":"cancel","data":{"statuses":[{"error":"Order was never placed, already canceled, or filled."}]}}}`)
	if err := resp.cancelError(); !errors.Is(err, ErrActionRejected) {
		t.Fatalf("expected cancel rejection, got %v", err)
	}
}

func TestPlaceOrderRoundTrip(t *testing.T) {
	var received SignedAction
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &received); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok","response":{"type":"order","data":{"statuses":[{"resting":{"oid":42}}]}}}`))
	}))
	defer srv.Close()

	signer, err := NewSigner("4f3edf983ac636a65a842ce7c78d9aa706d3b113bce036f81af8f9b72d3d80b2", false)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	client, err := NewClient(srv.URL, time.Second, signer, "")
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	order, err := LimitOrderWire(10107, true, decimal.RequireFromString("1.5"), decimal.RequireFromString("25.679"), false, TifGtc, "0x00000000000000000000000000000001")
	if err != nil {
		t.Fatalf("order wire: %v", err)
	}
	status, err := client.PlaceOrder(context.Background(), order)
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if status.OrderID() != 42 {
		t.Fatalf("expected oid 42, got %d", status.OrderID())
	}
	if received.Nonce == 0 || received.Signature.R == "" {
		t.Fatalf("expected signed payload, got %+v", received)
	}
}

func TestUSDClassTransferRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"err","response":"Insufficient balance"}`))
	}))
	defer srv.Close()
	signer, err := NewSigner("4f3edf983ac636a65a842ce7c78d9aa706d3b113bce036f81af8f9b72d3d80b2", false)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	client, err := NewClient(srv.URL, time.Second, signer, "")
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	err = client.USDClassTransfer(context.Background(), decimal.RequireFromString("12.5"), true)
	if !errors.Is(err, ErrActionRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if err := client.USDClassTransfer(context.Background(), decimal.Zero, true); err == nil {
		t.Fatalf("expected error for zero amount")
	}
}
