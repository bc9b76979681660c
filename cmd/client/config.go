package main

import (
	"flag"
	"time"

	"github.com/matst80/udptunnel/internal/config"
)

// Config holds client runtime configuration.
type Config struct {
	Port             int
	Forward          string
	Backward         string
	Transport        string
	StreamID         int
	MTU              int
	HandshakeRetry   time.Duration
	HandshakeTimeout time.Duration
	Debug            bool
	ConfigFile       string
}

var cfg Config

// init registers all client flags into the default flag set.
func init() {
	flag.IntVar(&cfg.Port, "port", 7778, "local UDP port applications send to")
	flag.StringVar(&cfg.Forward, "forward", "udp?endpoint=127.0.0.1:40123", "server handshake channel")
	flag.StringVar(&cfg.Backward, "backward", "udp?control=127.0.0.1:40223|control-mode=dynamic", "server handshake reply channel")
	flag.StringVar(&cfg.Transport, "transport", "redis://127.0.0.1:6379/0", "transport url (redis://host:6379/0; mem:// only reaches peers in this process)")
	flag.IntVar(&cfg.StreamID, "stream", 1001, "stream id shared by all channels")
	flag.IntVar(&cfg.MTU, "mtu", 1500, "largest datagram read from the local socket")
	flag.DurationVar(&cfg.HandshakeRetry, "handshake-retry", time.Second, "interval between handshake requests")
	flag.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", 30*time.Second, "give up when no verified reply arrives in this time")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	flag.StringVar(&cfg.ConfigFile, "config", "", "TOML file with flag defaults; keys are flag names")
}

func loadConfig() error {
	flag.Parse()
	if cfg.ConfigFile == "" {
		return nil
	}
	return config.ApplyFile(flag.CommandLine, cfg.ConfigFile)
}
