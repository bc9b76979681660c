package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/matst80/udptunnel/internal/client"
	"github.com/matst80/udptunnel/internal/obs"
	"github.com/matst80/udptunnel/internal/transport"
	"github.com/matst80/udptunnel/internal/transport/factory"
	"github.com/matst80/udptunnel/internal/transport/redisbus"
	"github.com/pkg/errors"
)

func main() {
	if err := loadConfig(); err != nil {
		obs.Error("config", obs.Fields{"err": err.Error()})
		os.Exit(2)
	}
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	if err := run(); err != nil {
		obs.Error("client.exit", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
}

func run() error {
	forward, err := transport.ParseURI(cfg.Forward)
	if err != nil {
		return errors.Wrap(err, "forward channel")
	}
	backward, err := transport.ParseURI(cfg.Backward)
	if err != nil {
		return errors.Wrap(err, "backward channel")
	}
	obs.Info("client.start", obs.Fields{"port": cfg.Port, "forward": forward.String(), "backward": backward.String(), "transport": cfg.Transport})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	local, err := net.ListenPacket("udp", net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port)))
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	defer local.Close()

	if factory.InProcess(cfg.Transport) {
		obs.Warn("transport.in_process", obs.Fields{"url": cfg.Transport, "hint": "a server in another process cannot be reached; use redis://"})
	}
	tr, err := factory.Open(ctx, cfg.Transport, redisbus.Options{})
	if err != nil {
		return err
	}
	defer tr.Close()

	ccfg := client.Config{
		Forward:        forward,
		Backward:       backward,
		StreamID:       int32(cfg.StreamID),
		HandshakeRetry: cfg.HandshakeRetry,
		MTU:            cfg.MTU,
	}
	hctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	tun, err := client.Dial(hctx, tr, ccfg)
	cancel()
	if err != nil {
		var failed *client.HandshakeFailedError
		switch {
		case errors.As(err, &failed):
			obs.Error("handshake.rejected", obs.Fields{"reason": failed.Failure.Kind.String()})
		case errors.Is(err, client.ErrHandshakeTimeout) && ctx.Err() == nil:
			obs.Error("handshake.timeout", obs.Fields{"after": cfg.HandshakeTimeout.String()})
		}
		return err
	}
	defer tun.Close()

	return client.NewForwarder(local, tun, ccfg).Run(ctx)
}
