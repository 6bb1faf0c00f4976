package session

import (
	"testing"
	"time"

	"github.com/rallykart/rally/pkg/logger"
)

func TestRegistrySelfFilter(t *testing.T) {
	r := NewRegistry(logger.Default())
	r.SetSelf("me")
	if r.AddPeer("me", "Self") {
		t.Error("adding the local id must be a no-op")
	}
	if r.AddPeer("", "Nameless") {
		t.Error("adding an empty id must be a no-op")
	}
	if r.Len() != 0 {
		t.Errorf("len = %v, want 0", r.Len())
	}
}

func TestRegistryEvents(t *testing.T) {
	r := NewRegistry(logger.Default())
	var joined, left []string
	r.OnEvents(
		func(p Peer) { joined = append(joined, p.Id) },
		func(id string) { left = append(left, id) },
	)
	r.SetSelf("me")

	if !r.AddPeer("a", "Alice") {
		t.Fatal("first add must report joined")
	}
	// a re-add only refreshes the name, no event
	if r.AddPeer("a", "Alicia") {
		t.Error("re-add must not report joined again")
	}
	if p := r.Peers(); len(p) != 1 || p[0].Name != "Alicia" {
		t.Errorf("roster = %+v", p)
	}
	if len(joined) != 1 {
		t.Errorf("joined events = %v, want [a]", joined)
	}

	if r.RemovePeer("ghost") {
		t.Error("removing an unknown id must be a no-op")
	}
	if !r.RemovePeer("a") {
		t.Error("remove must report left")
	}
	if len(left) != 1 || left[0] != "a" {
		t.Errorf("left events = %v, want [a]", left)
	}
}

func TestRegistryClear(t *testing.T) {
	r := NewRegistry(logger.Default())
	var left []string
	r.OnEvents(nil, func(id string) { left = append(left, id) })
	r.SetSelf("me")
	r.AddPeer("a", "")
	r.AddPeer("b", "")

	r.Clear()
	if len(left) != 2 {
		t.Errorf("left events = %v, want both peers", left)
	}
	if r.Len() != 0 || r.Self() != "" {
		t.Error("clear must empty the registry")
	}
}

func TestRegistryStale(t *testing.T) {
	r := NewRegistry(logger.Default())
	r.AddPeer("a", "")
	r.AddPeer("b", "")
	if ids := r.Stale(time.Minute); len(ids) != 0 {
		t.Errorf("fresh peers reported stale: %v", ids)
	}
	if !r.Touch("a", time.Now().Add(-time.Hour)) {
		t.Fatal("touch on a known peer failed")
	}
	ids := r.Stale(time.Minute)
	if len(ids) != 1 || ids[0] != "a" {
		t.Errorf("stale = %v, want [a]", ids)
	}
	if r.Touch("ghost", time.Now()) {
		t.Error("touch on an unknown peer must fail")
	}
}
