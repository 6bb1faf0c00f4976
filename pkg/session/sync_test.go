package session

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rallykart/rally/pkg/api"
	"github.com/rallykart/rally/pkg/logger"
)

type relayed struct {
	t       api.PT
	payload any
}

func newTestSync(selfId string) (*Synchronizer, *Registry, chan relayed) {
	log := logger.Default()
	reg := NewRegistry(log)
	reg.SetSelf(selfId)
	neg := newTestNegotiator(selfId, make(chan sentSignal, 1))
	s := NewSynchronizer(reg, neg, 50*time.Millisecond, log)
	out := make(chan relayed, 16)
	s.SetRelay(func(t api.PT, payload any) {
		select {
		case out <- relayed{t: t, payload: payload}:
		default:
		}
	})
	return s, reg, out
}

func TestInboundDispatch(t *testing.T) {
	s, reg, _ := newTestSync("me")
	reg.AddPeer("a", "Alice")

	var got []api.StateUpdate
	s.OnUpdate(func(u api.StateUpdate) { got = append(got, u) })

	s.HandleInbound(api.StateUpdate{PeerId: "a", Position: api.Vector3{X: 1}})
	s.HandleInbound(api.StateUpdate{PeerId: "ghost"}) // unknown, dropped
	s.HandleInbound(api.StateUpdate{})                // no id, dropped

	if len(got) != 1 || got[0].PeerId != "a" || got[0].Position.X != 1 {
		t.Errorf("dispatched = %+v, want one update from a", got)
	}
}

func TestInboundTouchesPeer(t *testing.T) {
	s, reg, _ := newTestSync("me")
	reg.AddPeer("a", "")
	reg.Touch("a", time.Now().Add(-time.Hour))

	s.HandleInbound(api.StateUpdate{PeerId: "a"})
	if ids := reg.Stale(time.Minute); len(ids) != 0 {
		t.Errorf("peer is still stale after an update: %v", ids)
	}
}

func TestBroadcastFallsBackToRelay(t *testing.T) {
	s, reg, out := newTestSync("me")
	reg.AddPeer("a", "") // no direct channel exists

	u := api.StateUpdate{PeerId: "me", Position: api.Vector3{X: 5.5}, Timestamp: 42}
	s.Broadcast(u)

	select {
	case r := <-out:
		if r.t != api.PlayerUpdateBinary {
			t.Fatalf("relayed as %v, want %v", r.t, api.PlayerUpdateBinary)
		}
		raw, err := base64.StdEncoding.DecodeString(r.payload.(string))
		if err != nil {
			t.Fatal(err)
		}
		got, err := api.DecodeState(raw)
		if err != nil {
			t.Fatal(err)
		}
		if got != u {
			t.Errorf("got %+v, want %+v", got, u)
		}
	case <-time.After(time.Second):
		t.Fatal("nothing was relayed")
	}
}

func TestBroadcastEmptyRoomStillRelays(t *testing.T) {
	s, _, out := newTestSync("me")
	s.Broadcast(api.StateUpdate{PeerId: "me"})
	select {
	case <-out:
	case <-time.After(time.Second):
		t.Fatal("an empty room broadcast must still hit the relay")
	}
}

func TestMarshalFallbackIsPerCall(t *testing.T) {
	s, reg, out := newTestSync("me")
	reg.AddPeer("a", "")

	fail := true
	s.encode = func(u api.StateUpdate) ([]byte, error) {
		if fail {
			return nil, errors.New("boom")
		}
		return api.EncodeState(u)
	}

	s.Broadcast(api.StateUpdate{PeerId: "me"})
	select {
	case r := <-out:
		if r.t != api.PlayerUpdate {
			t.Fatalf("relayed as %v, want the JSON route %v", r.t, api.PlayerUpdate)
		}
	case <-time.After(time.Second):
		t.Fatal("nothing was relayed")
	}

	// a transient failure must not stick
	fail = false
	s.Broadcast(api.StateUpdate{PeerId: "me"})
	select {
	case r := <-out:
		if r.t != api.PlayerUpdateBinary {
			t.Fatalf("relayed as %v, want the binary route back", r.t)
		}
	case <-time.After(time.Second):
		t.Fatal("nothing was relayed")
	}
}

func TestHandleRawStampsSender(t *testing.T) {
	s, reg, _ := newTestSync("me")
	reg.AddPeer("a", "")

	var got []api.StateUpdate
	s.OnUpdate(func(u api.StateUpdate) { got = append(got, u) })

	// a JSON frame without a peer id gets the sender's
	raw, _ := json.Marshal(api.StateUpdate{Position: api.Vector3{Y: 2}})
	s.HandleRaw("a", raw, true)

	// and so does a binary frame
	bin, err := api.EncodeState(api.StateUpdate{Position: api.Vector3{Z: 3}})
	if err != nil {
		t.Fatal(err)
	}
	s.HandleRaw("a", bin, false)

	if len(got) != 2 || got[0].PeerId != "a" || got[1].PeerId != "a" {
		t.Errorf("dispatched = %+v", got)
	}
}

func TestHandleRelayed(t *testing.T) {
	s, reg, _ := newTestSync("me")
	reg.AddPeer("a", "")

	var got []api.StateUpdate
	s.OnUpdate(func(u api.StateUpdate) { got = append(got, u) })

	u := api.StateUpdate{PeerId: "a", Position: api.Vector3{X: 9}, Timestamp: 7}

	j, _ := json.Marshal(u)
	s.HandleRelayed(j, false)

	bin, _ := api.EncodeState(u)
	b64, _ := json.Marshal(base64.StdEncoding.EncodeToString(bin))
	s.HandleRelayed(b64, true)

	s.HandleRelayed([]byte(`!garbage`), false)
	s.HandleRelayed([]byte(`"not base64!"`), true)

	if len(got) != 2 || got[0] != u || got[1] != u {
		t.Errorf("dispatched = %+v, want %+v twice", got, u)
	}
}

func TestHeartbeatResendsLastState(t *testing.T) {
	s, _, out := newTestSync("me")
	s.Start()
	defer s.Stop()

	s.Broadcast(api.StateUpdate{PeerId: "me", Position: api.Vector3{X: 1}})
	<-out // the broadcast itself

	// go quiet and wait for the heartbeat to re-send
	select {
	case r := <-out:
		if r.t != api.PlayerUpdateBinary {
			t.Errorf("heartbeat relayed as %v", r.t)
		}
	case <-time.After(time.Second):
		t.Fatal("the heartbeat never re-sent the state")
	}
}
