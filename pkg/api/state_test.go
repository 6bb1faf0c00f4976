package api

import (
	"testing"

	"github.com/goccy/go-json"
)

func TestVector3Unmarshal(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Vector3
	}{
		{name: "array", in: `[1.5,-2,3.25]`, want: Vector3{X: 1.5, Y: -2, Z: 3.25}},
		{name: "object", in: `{"x":1.5,"y":-2,"z":3.25}`, want: Vector3{X: 1.5, Y: -2, Z: 3.25}},
		{name: "short array", in: `[7]`, want: Vector3{X: 7}},
		{name: "numeric strings", in: `{"x":"1.5","y":"2","z":"0"}`, want: Vector3{X: 1.5, Y: 2}},
		{name: "garbage component", in: `{"x":"abc","y":2,"z":null}`, want: Vector3{Y: 2}},
		{name: "garbage in array", in: `[null,{"a":1},3]`, want: Vector3{Z: 3}},
		{name: "missing fields", in: `{}`, want: Vector3{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v Vector3
			if err := json.Unmarshal([]byte(tt.in), &v); err != nil {
				t.Fatalf("unmarshal %v: %v", tt.in, err)
			}
			if v != tt.want {
				t.Errorf("got %+v, want %+v", v, tt.want)
			}
		})
	}
}

func TestVector3Marshal(t *testing.T) {
	b, err := json.Marshal(Vector3{X: 1, Y: 2, Z: 3})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `[1,2,3]` {
		t.Errorf("got %s, want [1,2,3]", b)
	}
}

func TestStateRoundTrip(t *testing.T) {
	u := StateUpdate{
		PeerId:    "c9s3aklbl000pi3m0",
		Position:  Vector3{X: 12.25, Y: 0.5, Z: -300.75},
		Rotation:  1.5707964,
		Timestamp: 1700000000123,
	}
	bin, err := EncodeState(u)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeState(bin)
	if err != nil {
		t.Fatal(err)
	}
	if got != u {
		t.Errorf("got %+v, want %+v", got, u)
	}

	// the compact form should beat the JSON one
	j, _ := json.Marshal(u)
	if len(bin) >= len(j) {
		t.Errorf("binary form (%d) is not smaller than JSON (%d)", len(bin), len(j))
	}
}

func TestDecodeStateGarbage(t *testing.T) {
	if _, err := DecodeState([]byte{0xff, 0x00, 0x01}); err == nil {
		t.Error("expected a decode error")
	}
}

func TestPeerLeftId(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "bare string", in: `"abc"`, want: "abc"},
		{name: "id object", in: `{"id":"abc"}`, want: "abc"},
		{name: "peerId object", in: `{"peerId":"abc"}`, want: "abc"},
		{name: "id wins", in: `{"id":"abc","peerId":"xyz"}`, want: "abc"},
		{name: "garbage", in: `42`, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PeerLeftId([]byte(tt.in)); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUnwrap(t *testing.T) {
	if p := Unwrap[PeerInfo]([]byte(`{"id":"1","name":"n"}`)); p == nil || p.Id != "1" || p.Name != "n" {
		t.Errorf("got %+v", p)
	}
	if p := Unwrap[PeerInfo]([]byte(`!`)); p != nil {
		t.Errorf("expected nil for garbage, got %+v", p)
	}
}
