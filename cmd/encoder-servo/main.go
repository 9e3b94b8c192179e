// Ethernet Encoder Servo daemon.
// Polls absolute encoders over EtherNet/IP, runs one servo loop per
// telescope axis, commands the stepper drivers over a serial link, and
// serves the REST + websocket control surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/telescopio-montemayor/ethernet-encoder-servo/internal/db"
	"github.com/telescopio-montemayor/ethernet-encoder-servo/internal/encoder"
	"github.com/telescopio-montemayor/ethernet-encoder-servo/internal/server"
	"github.com/telescopio-montemayor/ethernet-encoder-servo/internal/state"
	"github.com/telescopio-montemayor/ethernet-encoder-servo/internal/stepper"
	"github.com/telescopio-montemayor/ethernet-encoder-servo/pkg/config"
	"github.com/telescopio-montemayor/ethernet-encoder-servo/pkg/servo"
)

var (
	configPath = flag.String("config", "configs/config.json", "Path to configuration JSON file")
	port       = flag.Int("port", 0, "HTTP server port (overrides config)")
	serialPort = flag.String("serial", "", "Serial port for speed control (overrides config)")
	dryRun     = flag.Bool("dry-run", false, "Do not connect to the encoders or the stepper driver")
	debug      = flag.Bool("debug", false, "Log per-axis state periodically")
)

func main() {
	flag.Parse()

	log.Println("starting ethernet-encoder-servo...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *serialPort != "" {
		cfg.Serial.Port = *serialPort
	}
	if len(cfg.Devices) == 0 {
		log.Fatalf("no devices configured in %s", *configPath)
	}

	// Stepper sink: a single serial port shared by all axes, or a
	// discarding sink in dry-run mode.
	var sink servo.Sink
	if *dryRun {
		sink = servo.NopSink{}
		log.Println("dry run: stepper commands are discarded")
	} else {
		serialSink := stepper.NewSerialSink(cfg.Serial.Port, cfg.Serial.MaxSpeed)
		defer serialSink.Close()
		sink = serialSink
	}

	// Build the axis registry.
	registry := servo.NewRegistry()
	for _, deviceCfg := range cfg.Devices {
		axis, err := registry.Add(deviceCfg, sink)
		if err != nil {
			log.Fatalf("failed to build axis: %v", err)
		}
		log.Printf("axis %s: encoder %s:%d, label %s, %d steps/rev",
			axis.Config.Name, axis.Config.Host, axis.Config.Port, axis.Config.Axis, axis.Config.Steps)
	}

	// Re-hydrate persisted state before anything can tick.
	if snapshots, err := state.Load(cfg.StateFile); err != nil {
		log.Printf("state: failed to load %s: %v", cfg.StateFile, err)
	} else {
		state.Restore(registry, snapshots)
	}

	events := server.NewEventBus()

	// Optional telemetry recorder, fed with non-blocking sends so the
	// tick path never waits on the database.
	var samples chan servo.State
	if cfg.Database.Enabled {
		database, err := db.ReconnectWithRetry(cfg.Database, 3, time.Second)
		if err != nil {
			log.Printf("telemetry: disabled, database unavailable: %v", err)
		} else {
			defer database.Close()

			initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := database.InitSchema(initCtx)
			cancel()
			if err != nil {
				log.Printf("telemetry: schema init failed: %v", err)
			}

			samples = make(chan servo.State, 256)
			recorder := db.NewRecorder(db.NewSampleRepository(database), cfg.Database.RecordEvery)
			go recorder.Run(context.Background(), samples)
			log.Printf("telemetry: recording one sample in %d per axis", cfg.Database.RecordEvery)
		}
	}

	// One polling task per axis.
	pollCtx, stopPolling := context.WithCancel(context.Background())
	var pollers sync.WaitGroup

	for _, axis := range registry.List() {
		axis := axis

		if *dryRun {
			log.Printf("dry run: not polling encoder for axis %s", axis.Config.Name)
			continue
		}

		poller := encoder.New(encoder.Config{
			Host:     axis.Config.Host,
			Port:     axis.Config.Port,
			Interval: time.Duration(axis.Config.Interval) * time.Millisecond,
		})

		pollers.Add(1)
		go func() {
			defer pollers.Done()
			poller.Run(pollCtx, buildProcess(axis, events, samples), func(err error) {
				// Already logged by the poller on state changes;
				// the hook exists for counters.
			})
		}()
	}

	if *debug {
		go logStates(pollCtx, registry)
	}

	// Control surface.
	srv := server.New(cfg, registry, events)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("listening on http://%s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	// Wait for interrupt signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")

	// Stop motion first: open every loop, command zero, then stop the
	// pollers and persist state.
	for _, axis := range registry.List() {
		axis.Controller.SetClosedLoop(false)
		_ = sink.SetFrequency(axis.Config.Axis, 0)
	}
	time.Sleep(100 * time.Millisecond)

	stopPolling()
	pollers.Wait()

	if err := state.Save(cfg.StateFile, state.Collect(registry)); err != nil {
		log.Printf("state: failed to save %s: %v", cfg.StateFile, err)
	} else {
		log.Printf("state: saved to %s", cfg.StateFile)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Fatalf("server forced to shutdown: %v", err)
	}

	log.Println("stopped")
}

// buildProcess wires one axis into the encoder poller: tick the servo
// loop, then fan the fresh state document out to the event stream and the
// telemetry recorder.
func buildProcess(axis *servo.Axis, events *server.EventBus, samples chan<- servo.State) encoder.ProcessFunc {
	return func(value uint32, at time.Time) {
		axis.Controller.UpdateAt(value, at)

		document := axis.Controller.State()
		events.Publish(document)

		if samples != nil {
			select {
			case samples <- document:
			default:
				// Telemetry lags; drop rather than stall the tick.
			}
		}
	}
}

// logStates prints a compact per-axis summary once per second.
func logStates(ctx context.Context, registry *servo.Registry) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, axis := range registry.List() {
				s := axis.Controller.State()
				log.Printf("axis %s: pos=%.0f target=%.0f err=%.1f hz=%.0f closed=%v tracking=%v",
					s.Name, s.Position, s.Target, s.Error, s.SpeedHz, s.ClosedLoop, s.Tracking)
			}
		}
	}
}
