package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/matst80/udptunnel/internal/obs"
	"github.com/matst80/udptunnel/internal/ratelimit"
	"github.com/matst80/udptunnel/internal/server"
	"github.com/matst80/udptunnel/internal/transport"
	"github.com/matst80/udptunnel/internal/transport/factory"
	"github.com/matst80/udptunnel/internal/transport/redisbus"
)

func main() {
	if err := loadConfig(); err != nil {
		obs.Error("config", obs.Fields{"err": err.Error()})
		os.Exit(2)
	}
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	obs.Info("server.start", obs.Fields{"forward": cfg.Forward, "backward": cfg.Backward, "endpoint": cfg.Endpoint, "transport": cfg.Transport, "metrics": cfg.MetricsAddr})

	forward, err := transport.ParseURI(cfg.Forward)
	if err != nil {
		obs.Error("config.forward", obs.Fields{"err": err.Error()})
		os.Exit(2)
	}
	backward, err := transport.ParseURI(cfg.Backward)
	if err != nil {
		obs.Error("config.backward", obs.Fields{"err": err.Error()})
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	endpoint, err := net.ResolveUDPAddr("udp", cfg.Endpoint)
	if err != nil {
		obs.Error("endpoint.resolve", obs.Fields{"err": err.Error(), "addr": cfg.Endpoint})
		os.Exit(1)
	}
	conn, err := net.DialUDP("udp", &net.UDPAddr{IP: net.IPv4zero}, endpoint)
	if err != nil {
		obs.Error("endpoint.dial", obs.Fields{"err": err.Error(), "addr": cfg.Endpoint})
		os.Exit(1)
	}
	defer conn.Close()
	obs.Info("endpoint.connected", obs.Fields{"local": conn.LocalAddr().String(), "remote": conn.RemoteAddr().String()})

	if factory.InProcess(cfg.Transport) {
		obs.Warn("transport.in_process", obs.Fields{"url": cfg.Transport, "hint": "clients in other processes cannot reach this server; use redis://"})
	}
	tr, err := factory.Open(ctx, cfg.Transport, redisbus.Options{})
	if err != nil {
		obs.Error("transport.open", obs.Fields{"err": err.Error(), "url": cfg.Transport})
		os.Exit(1)
	}
	defer tr.Close()

	var limiter *ratelimit.HandshakeLimiter
	if cfg.HandshakeRate > 0 {
		limiter = ratelimit.NewHandshakeLimiter(0, cfg.HandshakeRate, cfg.HandshakeRate)
	}
	srv, err := server.New(ctx, server.Config{
		Forward:           forward,
		Backward:          backward,
		StreamID:          int32(cfg.StreamID),
		MaxClients:        cfg.MaxClients,
		MTU:               cfg.MTU,
		ConnectionTimeout: cfg.ConnectionTimeout,
		SessionTimeout:    cfg.SessionTimeout,
		Relay:             cfg.Relay,
		Limiter:           limiter,
	}, tr, conn)
	if err != nil {
		obs.Error("server.init", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}

	if cfg.MetricsAddr != "" {
		go startMetricsServer(ctx, cfg.MetricsAddr, srv)
	}

	if err := srv.Run(ctx); err != nil {
		obs.Error("server.run", obs.Fields{"err": err.Error()})
	}
	obs.Info("server.shutdown.complete", obs.Fields{})
}
