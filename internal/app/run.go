// Package app composes the peer process: storage, the libp2p node and
// presence loop, call signaling and orchestration, and the local
// control API. Run blocks until the context is cancelled.
package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/parley-p2p/parley/internal/call"
	"github.com/parley-p2p/parley/internal/config"
	"github.com/parley-p2p/parley/internal/invite"
	"github.com/parley-p2p/parley/internal/p2p"
	"github.com/parley-p2p/parley/internal/proto"
	"github.com/parley-p2p/parley/internal/push"
	"github.com/parley-p2p/parley/internal/signal"
	"github.com/parley-p2p/parley/internal/state"
	"github.com/parley-p2p/parley/internal/storage"
	"github.com/parley-p2p/parley/internal/ui"
	"github.com/parley-p2p/parley/internal/util"
)

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
}

// profileState is the live view of the mutable config sections, updated
// by the config watcher and read by the presence publisher.
type profileState struct {
	mu  sync.RWMutex
	cfg config.Config
}

func (p *profileState) set(cfg config.Config) {
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
}

func (p *profileState) label() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cfg.Profile.Label != "" {
		return p.cfg.Profile.Label
	}
	return "anonymous"
}

func (p *profileState) email() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.Profile.Email
}

func (p *profileState) videoDisabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.Calls.VideoDisabled
}

func Run(ctx context.Context, opt Options) error {
	logBuf := ui.NewLogBuffer(800)
	log.SetOutput(io.MultiWriter(os.Stderr, logBuf))

	cfg := opt.Cfg
	profile := &profileState{cfg: cfg}

	// ── Storage
	db, err := storage.Open(opt.PeerDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	// ── Peer roster, seeded from the cache so known peers show up
	// (offline) before their first presence pulse.
	peers := state.NewPeerTable()
	if cached, err := db.ListCachedPeers(); err == nil {
		for _, p := range cached {
			peers.Seed(p.PeerID, p.Name, p.Email, p.VideoDisabled)
		}
		if len(cached) > 0 {
			log.Printf("PEER: seeded %d peer(s) from cache", len(cached))
		}
	}

	// ── P2P node
	keyPath := util.ResolvePath(opt.PeerDir, cfg.Identity.KeyFile)
	presenceTTL := time.Duration(cfg.Presence.TTLSec) * time.Second
	node, err := p2p.New(ctx, cfg.P2P.ListenPort, keyPath, cfg.P2P.MdnsTag, cfg.Presence.Topic, peers, p2p.Profile{
		Name:          profile.label,
		Email:         profile.email,
		VideoDisabled: profile.videoDisabled,
	}, presenceTTL)
	if err != nil {
		return err
	}
	defer node.Close()
	log.Printf("PEER: id %s", node.ID())

	// ── Call stack: signaling over the node's pubsub, invitations with
	// an optional push wake-up, pion for media.
	sig := signal.NewTransport(node.PubSub(), node.ID())
	inv := invite.NewDispatcher(sig, push.NewClient(cfg.Push.URL), node.ID())

	opener, factory, err := call.NewPionBackend(call.PionConfig{STUNServers: cfg.Calls.STUNServers})
	if err != nil {
		return err
	}
	mgr := call.NewManager(sig, inv, opener, factory, db, node.ID())
	defer mgr.Close()

	// ── Event feed and control API
	hub := ui.NewEventHub()
	defer hub.Close()
	hub.BindCalls(mgr)
	hub.BindPeers(peers, ctx.Done())

	uiSrv := &ui.Server{
		SelfID:    node.ID(),
		SelfLabel: profile.label,
		SelfEmail: profile.email,
		Uptime:    node.Uptime,
		Calls:     mgr,
		Peers:     peers,
		Hub:       hub,
		DB:        db,
		Logs:      logBuf,
	}
	if addr := cfg.UI.HTTPAddr; addr != "" {
		go func() {
			if err := uiSrv.Start(addr); err != nil {
				log.Printf("UI: server failed: %v", err)
			}
		}()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
			defer cancel()
			_ = uiSrv.Shutdown(shutCtx)
		}()
		log.Printf("UI: control API on http://%s", addr)
	}

	// ── Presence: consume pulses (persisting the roster cache), then
	// announce ourselves and keep the heartbeat going.
	node.RunPresenceLoop(ctx, func(pm proto.PresenceMsg) {
		if pm.Type == proto.TypeOffline {
			return
		}
		err := db.UpsertCachedPeer(storage.CachedPeer{
			PeerID:        pm.PeerID,
			Name:          pm.Name,
			Email:         pm.Email,
			VideoDisabled: pm.VideoDisabled,
			Addrs:         pm.Addrs,
		})
		if err != nil {
			log.Printf("PEER: cache %s: %v", pm.PeerID, err)
		}
	})

	node.Publish(ctx, proto.TypeOnline)

	go func() {
		t := time.NewTicker(time.Duration(cfg.Presence.HeartbeatSec) * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				node.Publish(ctx, proto.TypeUpdate)
			}
		}
	}()

	go func() {
		grace := time.Duration(cfg.Presence.OfflineGraceSec) * time.Second
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				now := time.Now()
				peers.PruneStale(now.Add(-presenceTTL), now.Add(-grace))
			}
		}
	}()

	// A peer pruned past the offline grace also leaves the on-disk
	// cache, so it is not reseeded into the roster on restart.
	rosterEvents := peers.Subscribe()
	go func() {
		defer peers.Unsubscribe(rosterEvents)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-rosterEvents:
				if ev.Type != "remove" {
					continue
				}
				if err := db.DeleteCachedPeer(ev.PeerID); err != nil {
					log.Printf("PEER: forget %s: %v", ev.PeerID, err)
				}
			}
		}
	}()

	// ── Live config: profile edits take effect on the next pulse; an
	// update is pushed immediately so peers see the change right away.
	watcher, err := config.Watch(opt.CfgPath, func(newCfg config.Config) {
		profile.set(newCfg)
		node.Publish(ctx, proto.TypeUpdate)
	})
	if err != nil {
		log.Printf("CONFIG: watch disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	<-ctx.Done()

	// The run context is gone; the farewell gets its own deadline.
	offCtx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	node.Publish(offCtx, proto.TypeOffline)
	log.Println("PEER: offline pulse sent, shutting down")
	return nil
}
