package cmd

import (
	"fmt"

	"github.com/user/meshdrop/config"
	"github.com/user/meshdrop/engine"
	"github.com/user/meshdrop/identity"
	"github.com/user/meshdrop/storage"
	"github.com/user/meshdrop/transport/lan"
)

// node bundles everything a running command needs: persisted config, the
// LAN link, the received-binary store, the engine, and the identity
// handshake state.
type node struct {
	cfg      *config.NodeConfig
	dataDir  string
	store    *storage.Store
	link     *lan.Link
	engine   *engine.Engine
	identity *identity.Manager
}

// startNode loads (or creates) the node config and brings the full stack
// up. Pass port -1 to use the configured listen port.
func startNode(port int) (*node, error) {
	cfg, dataDir, err := config.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	localID, err := cfg.FrameID()
	if err != nil {
		return nil, fmt.Errorf("parse node id: %w", err)
	}

	store, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	if port < 0 {
		port = cfg.ListenPort
	}
	link, err := lan.Listen(lan.Config{
		Port:         port,
		InstanceName: cfg.NodeName,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open LAN link: %w", err)
	}

	engCfg := engine.DefaultConfig()
	if cfg.MTU > 0 {
		engCfg.MTU = cfg.MTU
	}
	if cfg.DefaultTTL > 0 {
		engCfg.TTL = cfg.DefaultTTL
	}
	if cfg.MaxAttempts > 0 {
		engCfg.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InboxCapacity > 0 {
		engCfg.InboxCapacity = cfg.InboxCapacity
	}

	eng := engine.New(localID, engCfg, link, store)
	n := &node{
		cfg:      cfg,
		dataDir:  dataDir,
		store:    store,
		link:     link,
		engine:   eng,
		identity: identity.NewManager(localID, cfg.NodeName, eng),
	}
	eng.Start()
	return n, nil
}

func (n *node) close() {
	n.engine.Stop()
	n.link.Close()
	n.store.Close()
}
