package main

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestHub(t *testing.T) {
	t.Run("Lines reach sinks and websocket clients", func(t *testing.T) {
		hub := NewHub(discard)
		sunk := make(chan Event, 4)
		hub.AddSink(func(ev Event) { sunk <- ev })

		srv := httptest.NewServer(&Server{Logger: discard, Modem: &fakeGateway{}, Events: hub})
		defer srv.Close()

		conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/events", nil)
		if err != nil {
			t.Fatalf("failed to connect: %v", err)
		}
		defer conn.Close()

		deadline := time.Now().Add(time.Second)
		for hub.Clients() != 1 {
			if time.Now().After(deadline) {
				t.Fatal("client was not registered")
			}
			time.Sleep(time.Millisecond)
		}

		urc := make(chan string, 1)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go hub.Run(ctx, urc)
		urc <- "*** Reset by watchdog"

		select {
		case ev := <-sunk:
			if ev.Line != "*** Reset by watchdog" {
				t.Errorf("unexpected sink event %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("sink not called")
		}

		conn.SetReadDeadline(time.Now().Add(time.Second))
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("failed to read event: %v", err)
		}
		if ev.Line != "*** Reset by watchdog" || ev.Time.IsZero() {
			t.Errorf("unexpected event %+v", ev)
		}
	})

	t.Run("Disconnected clients are removed", func(t *testing.T) {
		hub := NewHub(discard)
		srv := httptest.NewServer(hub)
		defer srv.Close()

		conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
		if err != nil {
			t.Fatalf("failed to connect: %v", err)
		}
		deadline := time.Now().Add(time.Second)
		for hub.Clients() != 1 {
			if time.Now().After(deadline) {
				t.Fatal("client was not registered")
			}
			time.Sleep(time.Millisecond)
		}
		conn.Close()

		for hub.Clients() != 0 {
			if time.Now().After(deadline) {
				t.Fatalf("expected no clients, got %d", hub.Clients())
			}
			time.Sleep(time.Millisecond)
		}
	})

	t.Run("Run stops when the channel closes", func(t *testing.T) {
		hub := NewHub(discard)
		urc := make(chan string)
		done := make(chan struct{})
		go func() {
			hub.Run(context.Background(), urc)
			close(done)
		}()
		close(urc)
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Run did not return")
		}
	})
}
