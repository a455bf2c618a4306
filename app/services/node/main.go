package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/archethic/node/app/services/node/handlers"
	"github.com/archethic/node/foundation/chain/address"
	"github.com/archethic/node/foundation/chain/crypto"
	"github.com/archethic/node/foundation/events"
	"github.com/archethic/node/foundation/logger"
	"github.com/archethic/node/foundation/nodestate"
	"github.com/archethic/node/foundation/p2p"
	"github.com/archethic/node/foundation/peer"
	"github.com/ardanlabs/conf/v3"
	"go.uber.org/zap"
)

// build is the git version of this program. It is set using build flags in the makefile.
var build = "develop"

func main() {

	// Construct the application logger.
	log, err := logger.New("NODE")
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer log.Sync()

	// Perform the startup and shutdown sequence.
	if err := run(log); err != nil {
		log.Errorw("startup", "ERROR", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(log *zap.SugaredLogger) error {

	// =========================================================================
	// Configuration

	cfg := struct {
		conf.Version
		Web struct {
			ReadTimeout     time.Duration `conf:"default:5s"`
			WriteTimeout    time.Duration `conf:"default:10s"`
			IdleTimeout     time.Duration `conf:"default:120s"`
			ShutdownTimeout time.Duration `conf:"default:20s"`
			DebugHost       string        `conf:"default:0.0.0.0:7080"`
			PublicHost      string        `conf:"default:0.0.0.0:8080"`
			PrivateHost     string        `conf:"default:0.0.0.0:9080"`
		}
		Node struct {
			DBPath            string        `conf:"default:zarchethic/db"`
			KeySeedFile       string        `conf:"default:zarchethic/node.seed"`
			PeersFile         string        `conf:"default:zarchethic/peers.json"`
			GeoPatch          string        `conf:"default:AAA"`
			StorageNonce      string        `conf:"default:archethic_storage_nonce"`
			OriginSeed        string        `conf:"default:archethic_origin_seed"`
			ValidationNumber  int           `conf:"default:3"`
			ReplicationFactor int           `conf:"default:3"`
			StorageThreshold  int           `conf:"default:0"`
			WriterCount       int           `conf:"default:20"`
			SyncWrites        bool          `conf:"default:true"`
			MiningTimeout     time.Duration `conf:"default:10s"`
			PeerTimeout       time.Duration `conf:"default:3s"`
		}
	}{
		Version: conf.Version{
			Build: build,
			Desc:  "copyright information here",
		},
	}

	const prefix = "NODE"
	help, err := conf.Parse(prefix, &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// =========================================================================
	// App Starting

	log.Infow("starting service", "version", build)
	defer log.Infow("shutdown complete")

	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Infow("startup", "config", out)

	// =========================================================================
	// Node Identity

	// The node keys are derived from the seed stored next to the database.
	// The admin tooling generates the seed file.
	seed, err := loadSeed(cfg.Node.KeySeedFile)
	if err != nil {
		return fmt.Errorf("unable to load node seed: %w", err)
	}

	nodeKeys, err := crypto.DeriveKeyPair(seed, 0, address.CurveED25519, 0)
	if err != nil {
		return fmt.Errorf("unable to derive node keys: %w", err)
	}

	log.Infow("startup", "status", "node identity", "publickey", nodeKeys.PublicKey)

	// The origin keys accept the origin signatures of the transactions the
	// network mints through the registered devices.
	originKeys, err := crypto.DeriveKeyPair([]byte(cfg.Node.OriginSeed), 0, address.CurveED25519, 0)
	if err != nil {
		return fmt.Errorf("unable to derive origin keys: %w", err)
	}

	// A node set is a collection of known nodes in the network so workflow
	// messages and replicas can be routed.
	nodeSet := peer.NewNodeSet()
	if err := loadPeers(cfg.Node.PeersFile, nodeSet); err != nil {
		return fmt.Errorf("unable to load peers: %w", err)
	}

	for _, node := range nodeSet.Copy() {
		log.Infow("startup", "status", "known node", "host", node.Host, "publickey", node.FirstPublicKey)
	}

	// =========================================================================
	// Node Support

	// The node packages accept a function of this signature to allow the
	// application to log. These raw messages are also sent to any websocket
	// client that is connected into the system through the events package.
	evts := events.NewFeed()
	ev := func(v string, args ...any) {
		s := fmt.Sprintf(v, args...)
		log.Infow(s, "traceid", "00000000-0000-0000-0000-000000000000")
		evts.Publish(s)
	}

	node, err := nodestate.New(nodestate.Config{
		NodeKeys:          nodeKeys,
		Host:              cfg.Web.PrivateHost,
		GeoPatch:          cfg.Node.GeoPatch,
		DBPath:            cfg.Node.DBPath,
		WriterCount:       cfg.Node.WriterCount,
		SyncWrites:        cfg.Node.SyncWrites,
		StorageNonce:      []byte(cfg.Node.StorageNonce),
		OriginKeys:        []address.PublicKey{originKeys.PublicKey},
		ValidationNumber:  cfg.Node.ValidationNumber,
		ReplicationFactor: cfg.Node.ReplicationFactor,
		StorageThreshold:  cfg.Node.StorageThreshold,
		StopTimeout:       cfg.Node.MiningTimeout,
		KnownNodes:        nodeSet,
		Client:            p2p.NewHTTPClient(cfg.Node.PeerTimeout),
		EvHandler:         ev,
	})
	if err != nil {
		return err
	}
	defer node.Shutdown()

	// =========================================================================
	// Start Debug Service

	log.Infow("startup", "status", "debug router started", "host", cfg.Web.DebugHost)

	// Not concerned with shutting this down with load shedding.
	go func() {
		if err := http.ListenAndServe(cfg.Web.DebugHost, handlers.DebugMux(build, log)); err != nil {
			log.Errorw("shutdown", "status", "debug router closed", "host", cfg.Web.DebugHost, "ERROR", err)
		}
	}()

	// =========================================================================
	// Service Start/Stop Support

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	// =========================================================================
	// Start Public Service

	log.Infow("startup", "status", "initializing public API support")

	publicMux := handlers.PublicMux(handlers.MuxConfig{
		Shutdown: shutdown,
		Log:      log,
		Node:     node,
		Evts:     evts,
	})

	public := http.Server{
		Addr:         cfg.Web.PublicHost,
		Handler:      publicMux,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     zap.NewStdLog(log.Desugar()),
	}

	go func() {
		log.Infow("startup", "status", "public api router started", "host", public.Addr)
		serverErrors <- public.ListenAndServe()
	}()

	// =========================================================================
	// Start Private Service

	log.Infow("startup", "status", "initializing private API support")

	privateMux := handlers.PrivateMux(handlers.MuxConfig{
		Shutdown: shutdown,
		Log:      log,
		Node:     node,
	})

	private := http.Server{
		Addr:         cfg.Web.PrivateHost,
		Handler:      privateMux,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     zap.NewStdLog(log.Desugar()),
	}

	go func() {
		log.Infow("startup", "status", "private api router started", "host", private.Addr)
		serverErrors <- private.ListenAndServe()
	}()

	// =========================================================================
	// Shutdown

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		log.Infow("shutdown", "status", "shutdown started", "signal", sig)
		defer log.Infow("shutdown", "status", "shutdown complete", "signal", sig)

		// Release any web sockets that are currently active.
		log.Infow("shutdown", "status", "shutdown web socket channels")
		evts.Shutdown()

		ctx, cancelPrv := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancelPrv()

		log.Infow("shutdown", "status", "shutdown private API started")
		if err := private.Shutdown(ctx); err != nil {
			private.Close()
			return fmt.Errorf("could not stop private service gracefully: %w", err)
		}

		ctx, cancelPub := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancelPub()

		log.Infow("shutdown", "status", "shutdown public API started")
		if err := public.Shutdown(ctx); err != nil {
			public.Close()
			return fmt.Errorf("could not stop public service gracefully: %w", err)
		}
	}

	return nil
}

// =============================================================================

// loadSeed reads the hex encoded node seed from disk.
func loadSeed(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decoding seed: %w", err)
	}

	return seed, nil
}

// loadPeers reads the known node list from disk. A missing file leaves the
// set empty: the node starts alone and mines with a committee of one.
func loadPeers(path string, set *peer.NodeSet) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	var nodes []peer.Node
	if err := json.Unmarshal(data, &nodes); err != nil {
		return fmt.Errorf("decoding peers: %w", err)
	}

	for _, node := range nodes {
		set.Add(node)
	}

	return nil
}
