// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/creachadair/presents"
	"github.com/creachadair/presents/auth"
	"github.com/creachadair/presents/bridge"
	"github.com/creachadair/presents/channel"
	"github.com/creachadair/presents/config"
	"github.com/creachadair/presents/session"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// linkRetry is how long to wait before relinking to a peer.
const linkRetry = 5 * time.Second

// dial opens a channel to addr, which is a "host:port" or socket path, a
// WebSocket URL, or a nats:// URL naming the remote node. Over NATS, self is
// the name of this node, and nc must not be nil.
func dial(ctx context.Context, addr string, nc *nats.Conn, self string) (presents.Channel, error) {
	switch {
	case strings.HasPrefix(addr, "ws://"), strings.HasPrefix(addr, "wss://"):
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
		if err != nil {
			return nil, err
		}
		return channel.WebSocket(conn), nil

	case strings.HasPrefix(addr, "nats://"):
		if nc == nil {
			return nil, errors.New("no NATS connection")
		}
		remote := strings.TrimPrefix(addr, "nats://")
		toServer, toClient := natsSubjects(remote, self)
		ch, err := channel.NATS(nc, toServer, toClient)
		if err != nil {
			return nil, err
		}
		return ch, nil

	default:
		var d net.Dialer
		network, target := presents.SplitAddress(addr)
		conn, err := d.DialContext(ctx, network, target)
		if err != nil {
			return nil, err
		}
		return channel.IO(conn, conn), nil
	}
}

// natsSubjects returns the subjects carrying traffic between the named
// server node and a peer linking to it.
func natsSubjects(server, peer string) (toServer, toClient string) {
	base := "presents." + server + "." + peer
	return base + ".up", base + ".down"
}

// maintainLink keeps a link from this node to p open until ctx ends.
func maintainLink(ctx context.Context, br *bridge.Manager, p config.Peer, nc *nats.Conn, log *zap.Logger) error {
	log = log.With(zap.String("peer", p.Name), zap.String("addr", p.Addr))
	creds := auth.Credentials{Kind: bridge.PeerKind, Username: br.Name(), Secret: p.Secret}
	for {
		err := func() error {
			ch, err := dial(ctx, p.Addr, nc, br.Name())
			if err != nil {
				return err
			}
			link, err := br.Link(ctx, p.Name, ch, creds)
			if err != nil {
				return err
			}
			stop := context.AfterFunc(ctx, func() { link.Close() })
			defer stop()
			return link.Client().Wait()
		}()
		if ctx.Err() != nil {
			return nil
		}
		log.Warn("link to peer ended", zap.Error(err), zap.Duration("retry", linkRetry))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(linkRetry):
		}
	}
}

// serveNATS serves sessions from the named peer over NATS until ctx ends.
// At most one such session is open at a time.
func serveNATS(ctx context.Context, srv *session.Server, nc *nats.Conn, self, peer string, log *zap.Logger) error {
	toServer, toClient := natsSubjects(self, peer)
	for ctx.Err() == nil {
		ch, err := channel.NATS(nc, toClient, toServer)
		if err != nil {
			log.Error("open NATS channel", zap.String("peer", peer), zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(linkRetry):
			}
			continue
		}
		if err := srv.Serve(ctx, ch); err != nil && ctx.Err() == nil {
			log.Info("NATS session ended", zap.String("peer", peer), zap.Error(err))
		}
		ch.Close()
	}
	return nil
}
