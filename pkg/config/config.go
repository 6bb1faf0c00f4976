package config

import (
	"time"

	"github.com/spf13/pflag"
)

type (
	// Session is the client-side configuration: how to reach the
	// signaling server and how to negotiate peer transports.
	Session struct {
		Debug     bool
		Signaling Signaling
		Webrtc    Webrtc
	}
	Signaling struct {
		Address           string        `fig:"address" default:"ws://localhost:8089/ws"`
		ConnectTimeout    time.Duration `fig:"connectTimeout" default:"15s"`
		JoinTimeout       time.Duration `fig:"joinTimeout" default:"15s"`
		Heartbeat         time.Duration `fig:"heartbeat" default:"5s"`
		ReconnectDelay    time.Duration `fig:"reconnectDelay" default:"2s"`
		ReconnectAttempts int           `fig:"reconnectAttempts" default:"5"`
	}
	Webrtc struct {
		IceServers      []IceServer
		IceFailDelay    time.Duration `fig:"iceFailDelay" default:"1s"`
		IceFailAttempts int           `fig:"iceFailAttempts" default:"4"`
		IceLogLevel     int           `fig:"iceLogLevel" default:"3"`
	}
	IceServer struct {
		Urls       string `fig:"urls" default:"stun:stun.l.google.com:19302"`
		Username   string `fig:"username"`
		Credential string `fig:"credential"`
	}

	// Server is the signaling (rendezvous) server configuration.
	Server struct {
		Debug      bool
		Address    string `fig:"address" default:":8089"`
		Origin     string `fig:"origin" default:"*"`
		Monitoring Monitoring
	}
	Monitoring struct {
		Port             int    `fig:"port" default:"6601"`
		URLPrefix        string `fig:"urlPrefix" default:"/signal"`
		MetricEnabled    bool   `fig:"metric"`
		ProfilingEnabled bool   `fig:"profiling"`
	}
)

func NewSession() (conf Session) {
	_ = LoadConfigEnv(&conf)
	return
}

func NewServer(path string) (conf Server) {
	_ = LoadConfig(&conf, path)
	return
}

func (c *Server) AddFlags(fs *pflag.FlagSet) *Server {
	fs.BoolVarP(&c.Debug, "debug", "d", c.Debug, "Enable debug logs")
	fs.StringVarP(&c.Address, "address", "a", c.Address, "HTTP server address")
	fs.IntVarP(&c.Monitoring.Port, "monitoring.port", "m", c.Monitoring.Port, "Monitoring server port")
	return c
}

func (c *Server) ParseFlags() {
	c.AddFlags(pflag.CommandLine)
	pflag.Parse()
}
