package api

import (
	"strconv"

	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"
)

// Vector3 is a normalized position value. All inbound shapes, the
// [x,y,z] array and the {x,y,z} object, collapse into it at the wire
// boundary, with non-numeric components coerced to zero so a single
// malformed component doesn't discard the whole update.
type Vector3 struct {
	X float32
	Y float32
	Z float32
}

func (v Vector3) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]float32{v.X, v.Y, v.Z})
}

func (v *Vector3) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err == nil {
		if len(parts) > 0 {
			v.X = coerce(parts[0])
		}
		if len(parts) > 1 {
			v.Y = coerce(parts[1])
		}
		if len(parts) > 2 {
			v.Z = coerce(parts[2])
		}
		return nil
	}
	var object map[string]json.RawMessage
	if err := json.Unmarshal(data, &object); err != nil {
		return err
	}
	v.X, v.Y, v.Z = coerce(object["x"]), coerce(object["y"]), coerce(object["z"])
	return nil
}

// coerce turns a raw JSON value into a float32, with 0 for
// anything non-numeric (null, objects, unparsable strings).
func coerce(raw json.RawMessage) float32 {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return float32(f)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(s, 32); err == nil {
			return float32(f)
		}
	}
	return 0
}

// StateUpdate is one player transform sample. Ephemeral,
// last write wins per peer by arrival order.
type StateUpdate struct {
	PeerId    string  `json:"peerId"`
	Position  Vector3 `json:"position"`
	Rotation  float32 `json:"rotation"`
	Timestamp int64   `json:"timestamp"`
}

// binaryState is the compact cbor layout of a StateUpdate:
// a fixed-order array instead of a string-keyed map.
type binaryState struct {
	_         struct{} `cbor:",toarray"`
	PeerId    string
	X         float32
	Y         float32
	Z         float32
	Rotation  float32
	Timestamp int64
}

var cborEnc cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	enc, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	cborEnc = enc
}

// EncodeState packs an update into its compact binary form.
func EncodeState(u StateUpdate) ([]byte, error) {
	return cborEnc.Marshal(binaryState{
		PeerId:    u.PeerId,
		X:         u.Position.X,
		Y:         u.Position.Y,
		Z:         u.Position.Z,
		Rotation:  u.Rotation,
		Timestamp: u.Timestamp,
	})
}

// DecodeState unpacks the compact binary form of an update.
func DecodeState(data []byte) (StateUpdate, error) {
	var b binaryState
	if err := cbor.Unmarshal(data, &b); err != nil {
		return StateUpdate{}, err
	}
	return StateUpdate{
		PeerId:    b.PeerId,
		Position:  Vector3{X: b.X, Y: b.Y, Z: b.Z},
		Rotation:  b.Rotation,
		Timestamp: b.Timestamp,
	}, nil
}

// PeerLeftId normalizes the peer-left payload, which arrives either as a
// bare string id or as an object with an id (or peerId) field.
func PeerLeftId(payload []byte) string {
	var id string
	if err := json.Unmarshal(payload, &id); err == nil {
		return id
	}
	var obj struct {
		Id     string `json:"id"`
		PeerId string `json:"peerId"`
	}
	if err := json.Unmarshal(payload, &obj); err != nil {
		return ""
	}
	if obj.Id != "" {
		return obj.Id
	}
	return obj.PeerId
}
