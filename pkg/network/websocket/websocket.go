package websocket

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rallykart/rally/pkg/logger"
)

const (
	maxMessageSize = 10 * 1024
	pingTime       = pongTime * 9 / 10
	pongTime       = 60 * time.Second
	writeWait      = 10 * time.Second
)

// WS wraps a gorilla websocket connection with
// serialized reader/writer pumps and a close signal.
type WS struct {
	conn   deadlinedConn
	send   chan []byte
	log    *logger.Logger
	server bool

	OnMessage MessageHandler

	// pingPong is on for the server side of the connection,
	// the peer's gorilla default ping handler answers with pongs.
	pingPong bool

	once     sync.Once
	shutdown *sync.WaitGroup
	Done     chan struct{}
}

type (
	MessageHandler func(message []byte, err error)
	Upgrader       = websocket.Upgrader
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	WriteBufferPool: &sync.Pool{},
}

// NewUpgrader makes an upgrader with a custom allowed origin.
func NewUpgrader(origin string) *websocket.Upgrader {
	u := upgrader
	if origin == "*" {
		u.CheckOrigin = func(r *http.Request) bool { return true }
	} else if origin != "" {
		u.CheckOrigin = func(r *http.Request) bool { return r.Header.Get("Origin") == origin }
	}
	return &u
}

// NewServer upgrades an incoming HTTP request to a websocket connection.
func NewServer(w http.ResponseWriter, r *http.Request, log *logger.Logger) (*WS, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewServerWithConn(conn, log), nil
}

func NewServerWithConn(conn *websocket.Conn, log *logger.Logger) *WS {
	return newSocket(conn, true, log)
}

func NewClient(address url.URL, log *logger.Logger) (*WS, error) {
	dialer := websocket.Dialer{HandshakeTimeout: writeWait}
	conn, _, err := dialer.Dial(address.String(), nil)
	if err != nil {
		return nil, err
	}
	return newSocket(conn, false, log), nil
}

func newSocket(conn *websocket.Conn, isServer bool, log *logger.Logger) *WS {
	shut := sync.WaitGroup{}
	shut.Add(2)
	return &WS{
		conn:     deadlinedConn{sock: conn, wt: writeWait},
		send:     make(chan []byte),
		log:      log,
		server:   isServer,
		pingPong: isServer,
		shutdown: &shut,
		Done:     make(chan struct{}),
	}
}

func (ws *WS) IsServer() bool { return ws.server }

// Listen starts the reader/writer pumps and
// returns a channel closed on disconnect.
func (ws *WS) Listen() chan struct{} {
	go ws.writer()
	go ws.reader()
	return ws.Done
}

// reader pumps messages from the websocket connection to the OnMessage callback.
// Blocking, must be called as goroutine. Serializes all websocket reads.
func (ws *WS) reader() {
	defer func() {
		close(ws.send)
		ws.shutdown.Done()
		ws.close()
		ws.log.Debug().Msg("Close websocket reader")
	}()
	ws.conn.setup(func(conn *websocket.Conn) {
		conn.SetReadLimit(maxMessageSize)
		if ws.pingPong {
			_ = conn.SetReadDeadline(time.Now().Add(pongTime))
			conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(pongTime)); return nil })
		}
	})
	for {
		message, err := ws.conn.read()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				ws.log.Error().Err(err).Msg("websocket read")
			}
			break
		}
		if ws.OnMessage != nil {
			ws.OnMessage(message, err)
		}
	}
}

// writer pumps messages from the send channel to the websocket connection.
// Blocking, must be called as goroutine. Serializes all websocket writes.
func (ws *WS) writer() {
	var ticker *time.Ticker
	if ws.pingPong {
		ticker = time.NewTicker(pingTime)
	}
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
		ws.shutdown.Done()
		ws.close()
		ws.log.Debug().Msg("Close websocket writer")
	}()
	if ws.pingPong {
		for {
			select {
			case message, ok := <-ws.send:
				if !ws.handleMessage(message, ok) {
					return
				}
			case <-ticker.C:
				if err := ws.conn.write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
	for message := range ws.send {
		if !ws.handleMessage(message, true) {
			return
		}
	}
	_ = ws.conn.write(websocket.CloseMessage, []byte{})
}

func (ws *WS) handleMessage(message []byte, ok bool) bool {
	if !ok {
		_ = ws.conn.write(websocket.CloseMessage, []byte{})
		return false
	}
	if err := ws.conn.write(websocket.TextMessage, message); err != nil {
		return false
	}
	return true
}

// Write queues a message for the writer pump.
// Writes into a closed socket are dropped.
func (ws *WS) Write(data []byte) {
	defer func() { _ = recover() }()
	select {
	case ws.send <- data:
	case <-ws.Done:
	}
}

// Close shuts the connection down. The writer pump owns all data
// writes, so the close frame goes through WriteControl, the only write
// gorilla allows off the pump.
func (ws *WS) Close() {
	_ = ws.conn.writeControl(websocket.CloseMessage, []byte{})
	_ = ws.conn.close()
}

func (ws *WS) close() {
	ws.shutdown.Wait()
	_ = ws.conn.close()
	ws.once.Do(func() { close(ws.Done) })
}
