// Package api defines the wire API between the game clients and the signaling server.
//
// Each API call (request and response) is a JSON-encoded "packet" of the following structure:
//
//	id - (optional) a globally unique packet id;
//	 t - (required) one of the predefined packet types (event names);
//	 p - (optional) packet payload with arbitrary data.
//
// The event names are a fixed contract shared with the signaling server and
// every peer in a room, so they are never renamed or aliased. The id field
// tracks request/response pairs: a reply carries the id of its request, and
// packets with an empty id are one-way notifications.
//
// Example:
//
//	{"t":"join-room","p":{"roomId":"public-171-ab3","playerName":"Alice","timestamp":1700000000000}}
package api

import (
	"fmt"

	"github.com/goccy/go-json"
)

// PT is a packet type, a wire event name.
type PT string

const (
	JoinRoom           PT = "join-room"
	LeaveRoom          PT = "leave-room"
	RoomJoined         PT = "room-joined"
	PeerJoined         PT = "peer-joined"
	PeerLeft           PT = "peer-left"
	PlayerUpdate       PT = "player-update"
	PlayerUpdateBinary PT = "player-update-binary"
	PeerUpdate         PT = "peer-update"
	PeerUpdateBinary   PT = "peer-update-binary"
	Offer              PT = "offer"
	Answer             PT = "answer"
	IceCandidate       PT = "ice-candidate"
	StartRace          PT = "start-race"
)

func (p PT) String() string { return string(p) }

type In struct {
	Id      string          `json:"id,omitempty"`
	T       PT              `json:"t"`
	Payload json.RawMessage `json:"p,omitempty"` // should be json.RawMessage for 2-pass unmarshal
}

type Out struct {
	Id      string `json:"id,omitempty"`
	T       PT     `json:"t"`
	Payload any    `json:"p,omitempty"`
}

type (
	// RoomJoinRequest is sent by a client entering a room. Position and
	// Rotation are set only on a rejoin, so the peer reappears where it
	// was instead of at the track origin.
	RoomJoinRequest struct {
		Rid        string   `json:"roomId"`
		PlayerName string   `json:"playerName"`
		SocketId   string   `json:"socketId,omitempty"`
		Timestamp  int64    `json:"timestamp"`
		Position   *Vector3 `json:"position,omitempty"`
		Rotation   float32  `json:"rotation,omitempty"`
	}
	// RoomJoinReply is the server acknowledgment with the assigned own id
	// and the current room roster.
	RoomJoinReply struct {
		Id    string     `json:"id"`
		Rid   string     `json:"roomId"`
		Peers []PeerInfo `json:"peers"`
	}
	PeerInfo struct {
		Id   string `json:"id"`
		Name string `json:"name"`
	}
	RoomLeaveRequest struct {
		Rid string `json:"roomId"`
	}
	// Signal carries the WebRTC negotiation handshakes (offer, answer,
	// ice-candidate) relayed between two peers by the server.
	Signal struct {
		To        string `json:"to,omitempty"`
		From      string `json:"from,omitempty"`
		Offer     string `json:"offer,omitempty"`
		Answer    string `json:"answer,omitempty"`
		Candidate string `json:"candidate,omitempty"`
	}
	RaceStart struct {
		Rid       string `json:"roomId"`
		Timestamp int64  `json:"timestamp"`
	}
)

var ErrMalformed = fmt.Errorf("malformed")

func Unwrap[T any](data []byte) *T {
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil
	}
	return out
}

func UnwrapChecked[T any](bytes []byte, err error) (*T, error) {
	if err != nil {
		return nil, err
	}
	return Unwrap[T](bytes), nil
}
