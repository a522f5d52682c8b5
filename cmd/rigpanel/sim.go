package main

import (
	"context"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agsys/rigpanel/internal/config"
	"github.com/agsys/rigpanel/internal/rig"
	"github.com/agsys/rigpanel/internal/store"
)

// simulator plays the rig's side of the store: it drifts both moisture
// readings and refreshes the heartbeat
type simulator struct {
	store   store.Store
	paths   config.PathsConfig
	offline bool
	rnd     *rand.Rand
	values  map[rig.SensorID]int
}

func newSimulator(st store.Store, paths config.PathsConfig, offline bool, seed int64) *simulator {
	return &simulator{
		store:   st,
		paths:   paths,
		offline: offline,
		rnd:     rand.New(rand.NewSource(seed)),
		values:  map[rig.SensorID]int{rig.SensorA: 55, rig.SensorB: 40},
	}
}

// step writes one round of readings and, unless offline, a heartbeat
func (s *simulator) step(ctx context.Context, now time.Time) error {
	for _, id := range rig.Sensors {
		v := rig.ClampPercent(s.values[id] + s.rnd.Intn(7) - 3)
		s.values[id] = v

		path := s.paths.SensorA
		if id == rig.SensorB {
			path = s.paths.SensorB
		}
		if err := s.store.Set(ctx, path, v); err != nil {
			return err
		}
	}

	if s.offline {
		return nil
	}
	return s.store.Set(ctx, s.paths.LastSeen, now.Unix())
}

func runSim(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sim := newSimulator(st, cfg.Paths, simOffline, time.Now().UnixNano())
	ticker := time.NewTicker(simInterval)
	defer ticker.Stop()

	log.Printf("Simulating rig every %v (offline=%v)", simInterval, simOffline)
	for {
		if err := sim.step(ctx, time.Now()); err != nil {
			log.Printf("Simulator write failed: %v", err)
		}

		select {
		case sig := <-sigChan:
			log.Printf("Received signal %v, stopping simulator", sig)
			return nil
		case <-ticker.C:
		}
	}
}
