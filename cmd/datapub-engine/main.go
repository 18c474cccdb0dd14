package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"Datapub-Apps/internal/core/logging"
	"Datapub-Apps/internal/core/network"
	"Datapub-Apps/internal/datapub"
)

func main() {
	engines := flag.Int("engines", 4, "number of simulation loops to run")
	firstID := flag.Int("first-id", 0, "producer id of the first engine")
	steps := flag.Int("steps", 10, "simulation steps per engine")
	interval := flag.Duration("interval", time.Second, "delay between steps")
	points := flag.Int("points", 20, "length of the published array")
	transport := flag.String("transport", "ws", "ws or libp2p")
	coordinator := flag.String("coordinator", "ws://127.0.0.1:8090/api/datapub/ws", "coordinator websocket url")
	channel := flag.String("channel", "sim", "channel name; must match the coordinator")
	codecName := flag.String("codec", datapub.CodecJSON, "wire codec shared with the coordinator (json|msgpack)")
	maxPayload := flag.Int("max-payload-bytes", 0, "reject encoded envelopes larger than this, 0 = unbounded")
	refresh := flag.Duration("refresh", 0, "re-send the latest value at this interval, 0 disables")
	listen := flag.String("listen", "/ip4/0.0.0.0/tcp/0", "comma separated libp2p listen multiaddrs")
	bootstrap := flag.String("bootstrap", "", "comma separated libp2p bootstrap multiaddrs (the coordinator)")
	enableMDNS := flag.Bool("mdns", true, "discover the coordinator with mDNS")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	log, err := logging.New(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	codec, err := datapub.CodecByName(*codecName)
	if err != nil {
		log.Fatal("codec", zap.Error(err))
	}

	var sender datapub.Transport
	switch *transport {
	case "ws":
		sender = datapub.NewWebsocketSender(*coordinator, codec, datapub.WebsocketOptions{
			MaxBytes: *maxPayload,
			Logger:   log,
		})
	case "libp2p":
		topic := datapub.TopicName(*channel)
		p2p, err := network.NewLibp2pPubSub(ctx, network.Libp2pOptions{
			ListenAddrs: network.SplitAddrs(*listen),
			Bootstrap:   network.SplitAddrs(*bootstrap),
			Rendezvous:  topic,
			EnableMDNS:  *enableMDNS,
			Logger:      log,
		})
		if err != nil {
			log.Fatal("start libp2p", zap.Error(err))
		}
		defer p2p.Close()
		waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := p2p.WaitTopicPeers(waitCtx, topic, 1); err != nil {
			log.Warn("no coordinator on topic yet, publishing anyway", zap.Error(err))
		}
		cancel()
		sender = datapub.NewPubSubSender(p2p, topic, codec, *maxPayload)
	default:
		log.Fatal("unknown transport", zap.String("transport", *transport))
	}

	opts := datapub.HandleOptions{RefreshInterval: *refresh, Logger: log}
	g, gctx := errgroup.WithContext(ctx)
	for e := 0; e < *engines; e++ {
		h := datapub.NewHandle(datapub.ProducerID(*firstID+e), sender, opts)
		g.Go(func() error {
			return simulate(gctx, log, h, *steps, *points, *interval)
		})
	}
	simErr := g.Wait()
	if err := sender.Close(); err != nil {
		log.Warn("final values may be lost", zap.Error(err))
	}
	if simErr != nil && !errors.Is(simErr, context.Canceled) {
		log.Fatal("simulation failed", zap.Error(simErr))
	}
	log.Info("simulation finished", zap.Int("engines", *engines), zap.Int("steps", *steps))
}

// simulate publishes a random array and the step index every interval.
func simulate(ctx context.Context, log *zap.Logger, h *datapub.Handle, steps, points int, interval time.Duration) error {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.Close(closeCtx); err != nil {
			log.Warn("final value may be lost", zap.Int("producer", int(h.ID())), zap.Error(err))
		}
	}()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for i := 0; i < steps; i++ {
		a := make([]float64, points)
		for j := range a {
			a[j] = rand.Float64()
		}
		if err := h.Publish(datapub.Payload{"a": a, "i": i}); err != nil {
			return fmt.Errorf("engine %d step %d: %w", h.ID(), i, err)
		}
		if i == steps-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
