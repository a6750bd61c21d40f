package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/vinayprograms/dedupkit/bus"
	"github.com/vinayprograms/dedupkit/config"
	"github.com/vinayprograms/dedupkit/dedup"
	"github.com/vinayprograms/dedupkit/logging"
	"github.com/vinayprograms/dedupkit/shutdown"
)

// transport is the bus a node talks through, plus the relay hub when this
// node hosts it.
type transport struct {
	bus    bus.MessageBus
	hub    *bus.WSHub
	hubSrv *http.Server
}

// openTransport connects to the bus described by cfg.
func openTransport(cfg *config.Config, logger *logging.Logger) (*transport, error) {
	switch cfg.Bus.Kind {
	case config.BusMemory:
		return &transport{bus: bus.NewMemoryBus(bus.Config{BufferSize: cfg.Bus.BufferSize})}, nil

	case config.BusNATS:
		b, err := bus.NewNATSBus(cfg.NATS())
		if err != nil {
			return nil, err
		}
		logger.Info("connected", map[string]interface{}{"bus": "nats", "url": cfg.Bus.URL})
		return &transport{bus: b}, nil

	case config.BusWebSocket:
		t := &transport{}
		if cfg.Bus.Hub != "" {
			if err := t.serveHub(cfg, logger); err != nil {
				return nil, err
			}
		}
		b, err := bus.DialWSBus(cfg.Bus.URL, cfg.WebSocket())
		if err != nil {
			t.closeHub(context.Background())
			return nil, err
		}
		t.bus = b
		logger.Info("connected", map[string]interface{}{"bus": "websocket", "url": cfg.Bus.URL})
		return t, nil
	}
	return nil, fmt.Errorf("unknown bus kind %q", cfg.Bus.Kind)
}

func (t *transport) serveHub(cfg *config.Config, logger *logging.Logger) error {
	ln, err := net.Listen("tcp", cfg.Bus.Hub)
	if err != nil {
		return fmt.Errorf("hub listen: %w", err)
	}
	t.hub = bus.NewWSHub(cfg.WebSocket())
	mux := http.NewServeMux()
	mux.Handle("/bus", t.hub)
	t.hubSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := t.hubSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("hub_stopped", map[string]interface{}{"error": err.Error()})
		}
	}()
	logger.Info("hub_listening", map[string]interface{}{"addr": ln.Addr().String()})
	return nil
}

func (t *transport) closeHub(ctx context.Context) error {
	if t.hub == nil {
		return nil
	}
	herr := t.hub.Close()
	if err := t.hubSrv.Shutdown(ctx); err != nil {
		return err
	}
	return herr
}

// register adds the transport's shutdown steps. The hub goes last so peers
// see this node's final messages.
func (t *transport) register(seq *shutdown.Sequencer) {
	seq.Add("bus", shutdown.PhaseTransport, shutdown.Closer(t.bus))
	if t.hub != nil {
		seq.AddFunc("hub", shutdown.PhaseEndpoints, t.closeHub)
	}
}

func (t *transport) close() {
	_ = t.bus.Close()
	_ = t.closeHub(context.Background())
}

// clientNode starts a passive coordinator for one-shot commands.
func clientNode(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*dedup.Coordinator, *transport, error) {
	t, err := openTransport(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	dcfg := cfg.Dedup()
	dcfg.Passive = true
	coord, err := dedup.New(t.bus, dcfg, dedup.WithLogger(logger))
	if err != nil {
		t.close()
		return nil, nil, err
	}
	if err := coord.Start(ctx); err != nil {
		t.close()
		return nil, nil, err
	}
	return coord, t, nil
}
