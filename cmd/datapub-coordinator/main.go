package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"Datapub-Apps/internal/core/logging"
	"Datapub-Apps/internal/core/network"
	"Datapub-Apps/internal/datapub"
	"Datapub-Apps/internal/datapubapi"
	"Datapub-Apps/internal/slotstore"
)

func main() {
	addr := flag.String("addr", ":8090", "http listen address")
	channel := flag.String("channel", "sim", "channel name; engines publish on topic datapub.<channel>")
	codecName := flag.String("codec", datapub.CodecJSON, "wire codec shared with engines (json|msgpack)")
	maxPayload := flag.Int("max-payload-bytes", 0, "reject payloads larger than this, 0 = unbounded")
	enableP2P := flag.Bool("libp2p", false, "receive publishes over libp2p gossipsub")
	listen := flag.String("listen", "/ip4/0.0.0.0/tcp/4001", "comma separated libp2p listen multiaddrs")
	bootstrap := flag.String("bootstrap", "", "comma separated libp2p bootstrap multiaddrs")
	enableMDNS := flag.Bool("mdns", true, "discover engines with mDNS")
	identityKey := flag.String("identity-key", "", "path of a persistent libp2p identity key")
	printUpdates := flag.Bool("print", false, "log every new snapshot")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	log, err := logging.New(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync()

	if err := run(log, config{
		addr:         *addr,
		channel:      *channel,
		codec:        *codecName,
		maxPayload:   *maxPayload,
		libp2p:       *enableP2P,
		listen:       network.SplitAddrs(*listen),
		bootstrap:    network.SplitAddrs(*bootstrap),
		mdns:         *enableMDNS,
		identityKey:  *identityKey,
		printUpdates: *printUpdates,
	}); err != nil {
		log.Fatal("coordinator stopped", zap.Error(err))
	}
}

type config struct {
	addr         string
	channel      string
	codec        string
	maxPayload   int
	libp2p       bool
	listen       []string
	bootstrap    []string
	mdns         bool
	identityKey  string
	printUpdates bool
}

func run(log *zap.Logger, cfg config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	codec, err := datapub.CodecByName(cfg.codec)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	ch := datapub.New(datapub.Options{
		Store:      slotstore.Options{MaxPayloadBytes: cfg.maxPayload},
		Logger:     log,
		Registerer: reg,
	})

	if cfg.libp2p {
		p2p, err := network.NewLibp2pPubSub(ctx, network.Libp2pOptions{
			ListenAddrs:     cfg.listen,
			Bootstrap:       cfg.bootstrap,
			Rendezvous:      datapub.TopicName(cfg.channel),
			EnableMDNS:      cfg.mdns,
			IdentityKeyFile: cfg.identityKey,
			Logger:          log,
		})
		if err != nil {
			return fmt.Errorf("start libp2p: %w", err)
		}
		defer p2p.Close()
		rx, err := datapub.NewReceiver(p2p, datapub.TopicName(cfg.channel), ch.Ingest(codec))
		if err != nil {
			return err
		}
		defer rx.Close()
		log.Info("libp2p receiver started", zap.String("peer", p2p.PeerID()), zap.Strings("addrs", p2p.ListenAddrs()))
	}

	mux := http.NewServeMux()
	datapubapi.NewServer(ch, codec, int64(cfg.maxPayload)*2, log).Register(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("datapub coordinator listening", zap.String("addr", cfg.addr), zap.String("codec", codec.Name()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.printUpdates {
		g.Go(func() error {
			printSnapshots(ctx, log, ch.View())
			return nil
		})
	}
	return g.Wait()
}

// printSnapshots logs the step each engine last reported whenever anything
// new arrives.
func printSnapshots(ctx context.Context, log *zap.Logger, view *datapub.View) {
	for ctx.Err() == nil {
		if !view.AwaitUpdate(ctx, 0) {
			continue
		}
		snap := view.Snapshot()
		steps := make([]any, 0, len(snap.Entries))
		for _, e := range snap.Entries {
			steps = append(steps, e.Value["i"])
		}
		log.Info("snapshot", zap.Uint64("version", snap.Version), zap.Int("engines", len(snap.Entries)), zap.Any("steps", steps))
	}
}
