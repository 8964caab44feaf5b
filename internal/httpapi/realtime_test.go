package httpapi

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"kasirbuku/backend/internal/domain"
	"kasirbuku/backend/internal/realtime"
)

func dialRealtime(t *testing.T, server *httptest.Server, params url.Values) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/realtime?" + params.Encode()
	return websocket.DefaultDialer.Dial(wsURL, nil)
}

func TestRealtimeStreamsBillInserts(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	server := httptest.NewServer(handler)
	defer server.Close()

	token := login(t, handler, "kasir", "kasir123")
	source := seededSource(t, handler, token)
	product := seededProduct(t, handler, token, source.ID)

	conn, _, err := dialRealtime(t, server, url.Values{
		"token":     {token},
		"source_id": {source.ID},
		"table":     {realtime.TableBills},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	rec := call(t, handler, http.MethodPost, "/api/v1/checkout", token, map[string]any{
		"source_id": source.ID,
		"items": []map[string]any{
			{"id": product.ID, "name": product.Name, "price": "15000", "quantity": 1, "type": "product"},
		},
		"paid_amount": "15000",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("checkout: %d %s", rec.Code, rec.Body.String())
	}
	result := decodeBody[domain.CheckoutResult](t, rec)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event realtime.Event
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if event.Table != realtime.TableBills || event.Action != realtime.ActionInsert || event.ID != result.Bill.ID {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.SourceID != source.ID {
		t.Fatalf("expected source %s, got %s", source.ID, event.SourceID)
	}
}

func TestRealtimeRejectsBadHandshakes(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	server := httptest.NewServer(handler)
	defer server.Close()

	admin := login(t, handler, "admin", "admin123")
	source := seededSource(t, handler, admin)
	kasir := login(t, handler, "kasir", "kasir123")

	cases := []struct {
		name   string
		params url.Values
		want   int
	}{
		{"missing token", url.Values{"source_id": {source.ID}}, http.StatusUnauthorized},
		{"bad token", url.Values{"token": {"nope"}, "source_id": {source.ID}}, http.StatusUnauthorized},
		{"user without source", url.Values{"token": {kasir}}, http.StatusBadRequest},
		{"unknown source", url.Values{"token": {kasir}, "source_id": {"src_missing"}}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn, resp, err := dialRealtime(t, server, tc.params)
			if err == nil {
				conn.Close()
				t.Fatalf("expected handshake to fail")
			}
			if resp == nil || resp.StatusCode != tc.want {
				got := 0
				if resp != nil {
					got = resp.StatusCode
				}
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}
}
