package com

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rallykart/rally/pkg/api"
	"github.com/rallykart/rally/pkg/logger"
)

func newTestServer(t *testing.T, onPacket func(c *Client, p api.In)) url.URL {
	t.Helper()
	co := NewConnector(WithOrigin("*"))
	log := logger.Default()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, err := co.NewServer(w, r, log)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		client.OnPacket(func(p api.In) { onPacket(client, p) })
		client.Listen()
	}))
	t.Cleanup(ts.Close)
	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	u.Scheme = "ws"
	return *u
}

func newTestClient(t *testing.T, addr url.URL, opts ...Option) *Client {
	t.Helper()
	c, err := NewConnector(opts...).NewClient(addr, logger.Default())
	if err != nil {
		t.Fatalf("connect %v: %v", addr.String(), err)
	}
	t.Cleanup(c.Close)
	c.Listen()
	return c
}

func TestCall(t *testing.T) {
	addr := newTestServer(t, func(c *Client, p api.In) { c.Route(p, p.Payload) })
	client := newTestClient(t, addr)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := client.Call("echo", "hello")
			if err != nil {
				t.Errorf("call: %v", err)
				return
			}
			if string(v) != `"hello"` {
				t.Errorf("got %s, want \"hello\"", v)
			}
		}()
	}
	wg.Wait()
}

func TestCallTimeout(t *testing.T) {
	addr := newTestServer(t, func(*Client, api.In) {}) // never replies
	client := newTestClient(t, addr, WithTimeout(50*time.Millisecond))

	if _, err := client.Call("echo", nil); err != ErrTimeout {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestCloseConcurrentWithWrites(t *testing.T) {
	addr := newTestServer(t, func(c *Client, p api.In) { c.Route(p, p.Payload) })
	client := newTestClient(t, addr)
	done := client.conn.Done

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				client.Notify("spam", j)
			}
		}()
	}
	time.Sleep(10 * time.Millisecond)
	client.Close()
	wg.Wait()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("the connection never shut down")
	}
}

func TestNotify(t *testing.T) {
	got := make(chan api.In, 1)
	addr := newTestServer(t, func(_ *Client, p api.In) { got <- p })
	client := newTestClient(t, addr)

	client.Notify("ping", map[string]int{"n": 1})
	select {
	case p := <-got:
		if p.T != "ping" || p.Id != "" {
			t.Errorf("got %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("notification never arrived")
	}
}
