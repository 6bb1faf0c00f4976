package com

import (
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rallykart/rally/pkg/api"
	"github.com/rallykart/rally/pkg/logger"
	"github.com/rallykart/rally/pkg/network/websocket"
)

type (
	Connector struct {
		tag     string
		timeout time.Duration
		wu      *websocket.Upgrader
	}
	// Client is a message-oriented websocket endpoint with optional
	// request/response correlation by packet id.
	Client struct {
		id       Uid
		conn     *websocket.WS
		queue    Map[string, *call]
		onPacket func(packet api.In)
		timeout  time.Duration
		mu       sync.Mutex
		log      *logger.Logger
	}
	call struct {
		done     chan struct{}
		err      error
		response api.In
	}
	Option = func(c *Connector)
)

var (
	ErrConnClosed = errors.New("connection closed")
	ErrTimeout    = errors.New("timeout")
)

var outPool = sync.Pool{New: func() any { o := api.Out{}; return &o }}

const defaultCallTimeout = 15 * time.Second

func WithOrigin(url string) Option { return func(c *Connector) { c.wu = websocket.NewUpgrader(url) } }
func WithTag(tag string) Option    { return func(c *Connector) { c.tag = tag } }

// WithTimeout bounds every Call with a custom acknowledgment window.
func WithTimeout(d time.Duration) Option { return func(c *Connector) { c.timeout = d } }

func NewConnector(opts ...Option) *Connector {
	c := &Connector{timeout: defaultCallTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (co *Connector) NewServer(w http.ResponseWriter, r *http.Request, log *logger.Logger) (*Client, error) {
	var conn *websocket.WS
	var err error
	if co.wu != nil {
		ws, upErr := co.wu.Upgrade(w, r, nil)
		if upErr != nil {
			return nil, upErr
		}
		conn = websocket.NewServerWithConn(ws, log)
	} else if conn, err = websocket.NewServer(w, r, log); err != nil {
		return nil, err
	}
	return co.new(conn, log), nil
}

func (co *Connector) NewClient(address url.URL, log *logger.Logger) (*Client, error) {
	conn, err := websocket.NewClient(address, log)
	if err != nil {
		return nil, err
	}
	return co.new(conn, log), nil
}

func (co *Connector) new(conn *websocket.WS, log *logger.Logger) *Client {
	id := NewUid()
	dir := "→"
	if conn.IsServer() {
		dir = "←"
	}
	ctx := log.With().
		Str("cid", id.Short()).
		Str(logger.DirectionField, dir)
	if co.tag != "" {
		ctx = ctx.Str("tag", co.tag)
	}
	clLog := log.Extend(ctx)
	clLog.Debug().Msg("Connect")
	client := &Client{id: id, conn: conn, queue: NewMap[string, *call](), timeout: co.timeout, log: clLog}
	client.conn.OnMessage = client.handleMessage
	return client
}

func (c *Client) Id() Uid        { return c.id }
func (c *Client) String() string { return c.id.String() }

func (c *Client) OnPacket(fn func(packet api.In)) { c.mu.Lock(); c.onPacket = fn; c.mu.Unlock() }

// Listen starts the connection pumps and returns its disconnect channel.
func (c *Client) Listen() chan struct{} { return c.conn.Listen() }

func (c *Client) Close() {
	c.conn.Close()
	c.drain(ErrConnClosed)
	c.log.Debug().Str(logger.DirectionField, "x").Msg("Close")
}

// Call makes a blocking request and waits for the response packet
// with the same id, or a timeout.
func (c *Client) Call(type_ api.PT, payload any) ([]byte, error) {
	rq := outPool.Get().(*api.Out)
	id := NewUid().String()
	rq.Id, rq.T, rq.Payload = id, type_, payload
	r, err := json.Marshal(rq)
	outPool.Put(rq)
	if err != nil {
		return nil, err
	}

	c.log.Debug().Str(logger.DirectionField, "→").Msgf("ᵇ%v", type_)
	task := &call{done: make(chan struct{})}
	c.queue.Put(id, task)
	c.conn.Write(r)
	select {
	case <-task.done:
	case <-time.After(c.timeout):
		c.queue.RemoveByKey(id)
		task.err = ErrTimeout
	}
	return task.response.Payload, task.err
}

// Notify just sends a message and goes further.
func (c *Client) Notify(type_ api.PT, payload any) {
	rq := outPool.Get().(*api.Out)
	rq.Id, rq.T, rq.Payload = "", type_, payload
	defer outPool.Put(rq)
	c.log.Debug().Str(logger.DirectionField, "→").Msgf("%v", type_)
	_ = c.SendPacket(rq)
}

// Route replies to a request packet, copying its id.
func (c *Client) Route(in api.In, payload any) {
	rq := outPool.Get().(*api.Out)
	rq.Id, rq.T, rq.Payload = in.Id, in.T, payload
	defer outPool.Put(rq)
	_ = c.SendPacket(rq)
}

func (c *Client) SendPacket(packet *api.Out) error {
	r, err := json.Marshal(packet)
	if err != nil {
		return err
	}
	c.conn.Write(r)
	return nil
}

func (c *Client) handleMessage(message []byte, err error) {
	if err != nil {
		return
	}

	var res api.In
	if err = json.Unmarshal(message, &res); err != nil {
		c.log.Error().Err(err).Msg("packet decode")
		return
	}

	// empty id implies that we won't track (wait) the response
	if res.Id != "" {
		if task := c.queue.Pop(res.Id); task != nil {
			task.response = res
			close(task.done)
			return
		}
	}
	c.log.Debug().Str(logger.DirectionField, "←").Msgf("%v", res.T)
	c.mu.Lock()
	fn := c.onPacket
	c.mu.Unlock()
	if fn != nil {
		fn(res)
	}
}

// drain cancels all what's left in the task queue.
func (c *Client) drain(err error) {
	c.queue.ForEach(func(task *call) {
		if task.err == nil {
			task.err = err
			close(task.done)
		}
	})
	c.queue = NewMap[string, *call]()
}
