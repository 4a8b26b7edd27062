// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/presents"
	"github.com/creachadair/presents/access"
	"github.com/creachadair/presents/auth"
	"github.com/creachadair/presents/bridge"
	"github.com/creachadair/presents/config"
	"github.com/creachadair/presents/dobj"
	"github.com/creachadair/presents/invoke"
	"github.com/creachadair/presents/peers"
	"github.com/creachadair/presents/session"
	"github.com/creachadair/presents/timebase"
	"github.com/creachadair/taskgroup"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var serveFlags struct {
	Config string `flag:"config,Configuration file path"`
}

// globalGroup is the service group for services open to every client.
const globalGroup = "global"

// Logon rate limits, across all connections.
const (
	logonRate  = 50
	logonBurst = 100
)

func runServe(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("Extra arguments after command")
	}
	cfg, err := config.Load(serveFlags.Config)
	if err != nil {
		return err
	}
	zc := zap.NewProductionConfig()
	zc.Level = cfg.Level()
	log, err := zc.Build()
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer log.Sync()
	log = log.With(zap.String("node", cfg.Node.Name))

	ctx, cancel := signal.NotifyContext(env.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return serve(ctx, cfg, log)
}

func authenticator(cfg *config.Config) auth.Authenticator {
	mux := auth.Mux{
		"password":      auth.NewPasswords(cfg.Users),
		bridge.PeerKind: auth.PeerSecrets(cfg.PeerSecrets()),
	}
	if cfg.TicketKey != "" {
		mux["ticket"] = auth.Tickets{Key: []byte(cfg.TicketKey), Issuer: cfg.Node.Name}
	}
	if cfg.AllowAnonymous {
		mux["anonymous"] = auth.Anonymous
	}
	return auth.RateLimit(mux, rate.NewLimiter(logonRate, logonBurst))
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	mgr := dobj.NewManager(&dobj.Options{Logger: log.Named("dobj"), Access: &access.Default})
	disp := invoke.NewDispatcher(log.Named("invoke"))

	times := timebase.NewRegistry(mgr, log.Named("timebase"))
	if _, err := times.Create(cfg.Node.Name); err != nil {
		return err
	}
	disp.Register(times.Service(globalGroup))

	srv := session.NewServer(mgr, &session.Options{
		Logger:        log.Named("session"),
		Version:       cfg.Version,
		MaxSessions:   cfg.MaxSessions,
		Authenticator: authenticator(cfg),
		Dispatcher:    disp,
		Authorize:     bridge.Authorize,
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	br := bridge.New(srv, &bridge.Options{
		Logger:        log.Named("bridge"),
		Name:          cfg.Node.Name,
		ThrottleLimit: cfg.ThrottleLimit,
		Registerer:    reg,
	})

	var nc *nats.Conn
	if cfg.NATS != "" {
		var err error
		nc, err = nats.Connect(cfg.NATS, nats.Name("presents-"+cfg.Node.Name))
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer nc.Close()
	}

	var https []*http.Server
	g := taskgroup.New(nil)
	accept := func(acc peers.Accepter) error {
		err := peers.Loop(ctx, acc, srv.Serve)
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	if cfg.Listen != "" {
		lst, err := net.Listen(presents.SplitAddress(cfg.Listen))
		if err != nil {
			return err
		}
		log.Info("accepting stream connections", zap.Stringer("addr", lst.Addr()))
		g.Go(func() error { return accept(peers.NetAccepter(lst)) })
	}
	if cfg.WebSocket != "" {
		acc := peers.NewWebSocketAccepter()
		hs := &http.Server{Addr: cfg.WebSocket, Handler: acc}
		https = append(https, hs)
		log.Info("accepting WebSocket connections", zap.String("addr", cfg.WebSocket))
		g.Go(func() error { defer acc.Close(); return listenAndServe(hs) })
		g.Go(func() error { return accept(acc) })
	}
	if cfg.Metrics != "" {
		expvar.Publish("presents", presents.Metrics())
		expvar.Publish("dobj", mgr.Metrics())
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.Handle("/debug/vars", expvar.Handler())
		hs := &http.Server{Addr: cfg.Metrics, Handler: mux}
		https = append(https, hs)
		log.Info("serving metrics", zap.String("addr", cfg.Metrics))
		g.Go(func() error { return listenAndServe(hs) })
	}
	if nc != nil {
		for _, p := range cfg.Peers {
			g.Go(func() error { return serveNATS(ctx, srv, nc, cfg.Node.Name, p.Name, log) })
		}
	}
	for _, p := range cfg.Links() {
		g.Go(func() error { return maintainLink(ctx, br, p, nc, log.Named("link")) })
	}

	log.Info("server started")
	<-ctx.Done()
	log.Info("server stopping")

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var err error
	for _, hs := range https {
		err = multierr.Append(err, hs.Shutdown(sctx))
	}
	err = multierr.Combine(err, br.Close(), srv.Close(), g.Wait(), mgr.Close())
	if err != nil {
		log.Warn("errors during shutdown", zap.Error(err))
	}
	log.Info("server stopped")
	return nil
}

func listenAndServe(hs *http.Server) error {
	if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
