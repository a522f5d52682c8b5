package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"text/tabwriter"

	"github.com/agsys/rigpanel/internal/cloud"
	"github.com/agsys/rigpanel/internal/command"
	"github.com/agsys/rigpanel/internal/config"
	"github.com/agsys/rigpanel/internal/engine"
	"github.com/agsys/rigpanel/internal/healthsrv"
	"github.com/agsys/rigpanel/internal/httpapi"
	"github.com/agsys/rigpanel/internal/liveness"
	"github.com/agsys/rigpanel/internal/metrics"
	"github.com/agsys/rigpanel/internal/notice"
	"github.com/agsys/rigpanel/internal/rig"
	"github.com/agsys/rigpanel/internal/sink"
	"github.com/agsys/rigpanel/internal/storage"
	"github.com/agsys/rigpanel/internal/store"
	"github.com/agsys/rigpanel/internal/store/rtdb"
	"github.com/agsys/rigpanel/internal/telemetry"
)

// panel wires the engine, dispatcher and outer surfaces around one store
type panel struct {
	cfg        *config.Config
	bus        *notice.Bus
	metrics    *metrics.Metrics
	engine     *engine.Engine
	dispatcher *command.Dispatcher
	fanout     *sink.Fanout
	api        *httpapi.Server
	health     *healthsrv.Server
	closeStore func()

	wg sync.WaitGroup
}

func newPanel(ctx context.Context, cfg *config.Config) (*panel, error) {
	raw, closeStore, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	p := &panel{
		cfg:        cfg,
		bus:        notice.NewBus(cfg.Notices.Buffer),
		metrics:    metrics.New(),
		closeStore: closeStore,
	}
	st := p.metrics.InstrumentStore(raw)

	poller, monitor := newPollers(cfg, st)
	p.dispatcher = newDispatcher(cfg, st, p.bus)
	p.engine = engine.New(engine.Config{
		TelemetryInterval: cfg.Engine.TelemetryInterval,
		LivenessInterval:  cfg.Engine.LivenessInterval,
		CallTimeout:       cfg.Engine.CallTimeout,
		Debug:             cfg.Debug(),
	}, poller, monitor, p.bus)

	p.fanout = sink.NewFanout(sink.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenTimeout:      cfg.Breaker.OpenTimeout,
	}, p.metrics)
	addSinks(ctx, cfg, p.fanout, p.dispatcher, raw)
	log.Printf("Notice sinks enabled: %d", p.fanout.Len())

	p.api = httpapi.New(httpapi.Config{
		Addr:        cfg.HTTP.Addr,
		CORSOrigins: cfg.HTTP.CORSOrigins,
	}, p.engine, p.dispatcher, p.bus, p.metrics.Handler())

	if cfg.GRPC.HealthAddr != "" {
		p.health = healthsrv.New(cfg.GRPC.HealthAddr)
	}
	return p, nil
}

// start launches every component. Errors from the servers arrive on the
// returned channel.
func (p *panel) start(ctx context.Context) (<-chan error, error) {
	errCh := make(chan error, 2)

	metricsSub := p.bus.Subscribe("metrics")
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.metrics.Run(ctx, metricsSub)
	}()

	if p.health != nil {
		healthSub := p.bus.Subscribe("health")
		p.wg.Add(2)
		go func() {
			defer p.wg.Done()
			p.health.Run(ctx, healthSub)
		}()
		go func() {
			defer p.wg.Done()
			if err := p.health.Serve(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	p.fanout.Start(ctx, p.bus)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.api.ListenAndServe(ctx); err != nil {
			errCh <- err
		}
	}()

	if err := p.engine.Start(ctx); err != nil {
		return nil, err
	}
	return errCh, nil
}

// stop shuts down in dependency order: no new polls or commands, then
// pending writes, then sinks drain, then servers and the store
func (p *panel) stop(cancel context.CancelFunc) {
	if err := p.engine.Stop(); err != nil {
		log.Printf("Error stopping engine: %v", err)
	}
	p.dispatcher.Close()
	if err := p.fanout.Stop(); err != nil {
		log.Printf("Error stopping sinks: %v", err)
	}
	cancel()
	p.wg.Wait()
	p.closeStore()
}

// close releases resources when start failed
func (p *panel) close() {
	p.fanout.Stop()
	p.closeStore()
}

// openStore opens the configured backend
func openStore(cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendSQLite:
		db, err := storage.Open(cfg.Store.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		return db, func() { db.Close() }, nil

	case config.BackendRTDB:
		c, err := rtdb.New(rtdb.Config{
			BaseURL:     cfg.Store.RTDB.URL,
			Auth:        cfg.Store.RTDB.Auth,
			HTTPTimeout: cfg.Store.RTDB.HTTPTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return c, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

func newPollers(cfg *config.Config, st store.Store) (*telemetry.Poller, *liveness.Monitor) {
	poller := telemetry.New(st, telemetry.Config{
		PathA: cfg.Paths.SensorA,
		PathB: cfg.Paths.SensorB,
	})
	monitor := liveness.New(st, liveness.Config{
		Path:   cfg.Paths.LastSeen,
		Window: cfg.Engine.LivenessWindow,
	})
	return poller, monitor
}

func newDispatcher(cfg *config.Config, st store.Store, pub command.Publisher) *command.Dispatcher {
	return command.New(st, command.Config{
		ThresholdPath: cfg.Paths.MoistureThreshold,
		PumpPath:      cfg.Paths.PumpState,
		ServoPath:     cfg.Paths.ServoPos,
		Timeout:       cfg.Engine.CallTimeout,
	}, pub)
}

// addSinks registers every enabled sink. A sink that cannot connect at
// startup is logged and skipped so the panel still runs.
func addSinks(ctx context.Context, cfg *config.Config, f *sink.Fanout, disp *command.Dispatcher, st store.Store) {
	s := cfg.Sinks

	add := func(name string, open func() (sink.Sink, error)) {
		snk, err := open()
		if err != nil {
			log.Printf("Sink %s disabled: %v", name, err)
			return
		}
		f.Add(snk)
	}

	if s.MQTT.Enabled {
		add("mqtt", func() (sink.Sink, error) {
			return sink.NewMQTT(ctx, sink.MQTTConfig{
				Broker:      s.MQTT.Broker,
				ClientID:    s.MQTT.ClientID,
				Username:    s.MQTT.Username,
				Password:    s.MQTT.Password,
				TopicPrefix: s.MQTT.TopicPrefix,
				QoS:         s.MQTT.QoS,
				Retain:      s.MQTT.Retain,
			})
		})
	}
	if s.Influx.Enabled {
		add("influx", func() (sink.Sink, error) {
			return sink.NewInflux(sink.InfluxConfig{
				URL:    s.Influx.URL,
				Token:  s.Influx.Token,
				Org:    s.Influx.Org,
				Bucket: s.Influx.Bucket,
			})
		})
	}
	if s.Kafka.Enabled {
		add("kafka", func() (sink.Sink, error) {
			return sink.NewKafka(sink.KafkaConfig{Brokers: s.Kafka.Brokers, Topic: s.Kafka.Topic})
		})
	}
	if s.ZMQ.Enabled {
		add("zmq", func() (sink.Sink, error) {
			return sink.NewZMQ(ctx, s.ZMQ.Endpoint)
		})
	}
	if s.Modbus.Enabled {
		add("modbus", func() (sink.Sink, error) {
			return sink.NewModbus(sink.ModbusConfig{
				Endpoint: s.Modbus.Endpoint,
				UnitID:   s.Modbus.UnitID,
				Address:  s.Modbus.Address,
				Timeout:  s.Modbus.Timeout,
			})
		})
	}
	if s.History.Enabled {
		add("history", func() (sink.Sink, error) {
			// Share the local store's connection when it is the same file.
			if db, ok := st.(*storage.DB); ok && s.History.Path == cfg.Store.SQLite.Path {
				return sink.NewHistory(db, s.History.Retention, false), nil
			}
			db, err := storage.Open(s.History.Path)
			if err != nil {
				return nil, err
			}
			return sink.NewHistory(db, s.History.Retention, true), nil
		})
	}
	if s.Cloud.Enabled {
		add("cloud", func() (sink.Sink, error) {
			cc := cloud.DefaultConfig()
			cc.URL = s.Cloud.URL
			cc.APIKey = s.Cloud.APIKey
			cc.PanelID = s.Cloud.PanelID
			cc.PingInterval = s.Cloud.PingInterval
			c := cloud.New(cc, disp)
			return c, c.Start(ctx)
		})
	}
}

// printer writes notice text for one-shot commands
type printer struct {
	w io.Writer
}

func (p printer) Publish(n notice.Notice) {
	fmt.Fprintln(p.w, n.Message())
}

func printSnapshot(w io.Writer, snap rig.Snapshot) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	for _, id := range rig.Sensors {
		value := "-"
		if r, ok := snap.Reading(id); ok {
			value = fmt.Sprintf("%d%%", r.Value)
		}
		fmt.Fprintf(tw, "%s\t%s\n", id.Plant(), value)
	}

	status, lastSeen := rig.StatusOff, "never"
	if snap.Liveness != nil {
		status = snap.Liveness.Status
		if snap.Liveness.LastSeen != nil {
			lastSeen = fmt.Sprintf("%ds ago", snap.Liveness.AsOf-*snap.Liveness.LastSeen)
		}
	}
	fmt.Fprintf(tw, "Device\t%s\t(heartbeat %s)\n", status, lastSeen)
}
