package main

import (
	"flag"
	"time"

	"github.com/matst80/udptunnel/internal/config"
)

// Config holds all runtime configuration derived from flags and the optional config file.
type Config struct {
	Forward           string
	Backward          string
	Endpoint          string
	MaxClients        int
	Transport         string
	StreamID          int
	MTU               int
	HandshakeRate     int
	Relay             bool
	MetricsAddr       string
	Debug             bool
	ConnectionTimeout time.Duration
	SessionTimeout    time.Duration
	ConfigFile        string
}

var cfg Config

// init registers flags into the global flag set. main() calls loadConfig before using cfg.
func init() {
	flag.StringVar(&cfg.Forward, "forward", "udp?endpoint=0.0.0.0:40123", "handshake channel clients publish requests on; slot i uses port+i+1")
	flag.StringVar(&cfg.Backward, "backward", "udp?control=0.0.0.0:40223|control-mode=dynamic", "handshake reply channel; slot i uses control port+i+1")
	flag.StringVar(&cfg.Endpoint, "endpoint", "127.0.0.1:7777", "UDP address of the tunneled service")
	flag.IntVar(&cfg.MaxClients, "max-clients", 10, "number of client slots")
	flag.StringVar(&cfg.Transport, "transport", "redis://127.0.0.1:6379/0", "transport url (redis://host:6379/0; mem:// only reaches peers in this process)")
	flag.IntVar(&cfg.StreamID, "stream", 1001, "stream id shared by all channels")
	flag.IntVar(&cfg.MTU, "mtu", 1500, "largest datagram read from the endpoint")
	flag.IntVar(&cfg.HandshakeRate, "handshake-rate", 0, "handshake requests per second allowed per session (0 = unlimited)")
	flag.BoolVar(&cfg.Relay, "relay", false, "also forward each client's datagrams to every other active client")
	flag.StringVar(&cfg.MetricsAddr, "metrics", ":9100", "metrics, health and dashboard listen address (empty disables)")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	flag.DurationVar(&cfg.ConnectionTimeout, "connection-timeout", 5*time.Second, "how long an accepted client has to attach to its slot")
	flag.DurationVar(&cfg.SessionTimeout, "session-timeout", 30*time.Second, "idle time after which an active slot is reclaimed")
	flag.StringVar(&cfg.ConfigFile, "config", "", "TOML file with flag defaults; keys are flag names")
}

// loadConfig parses the command line and layers the config file under it.
func loadConfig() error {
	flag.Parse()
	if cfg.ConfigFile == "" {
		return nil
	}
	return config.ApplyFile(flag.CommandLine, cfg.ConfigFile)
}
