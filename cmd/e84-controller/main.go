package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stev4501/E84-v10/internal/config"
	"github.com/stev4501/E84-v10/internal/controller"
	"github.com/stev4501/E84-v10/internal/e84"
	"github.com/stev4501/E84-v10/internal/hardware"
	"github.com/stev4501/E84-v10/internal/loadport"
	"github.com/stev4501/E84-v10/internal/logger"
	"github.com/stev4501/E84-v10/internal/messaging"
	"github.com/stev4501/E84-v10/internal/serial"
	"github.com/stev4501/E84-v10/internal/signals"
	"github.com/stev4501/E84-v10/internal/types"
)

func main() {
	var configPath string
	var logLevel int
	flag.StringVar(&configPath, "config", "", "Path to JSON configuration file")
	flag.IntVar(&logLevel, "log", -1, "Log level override (0=NONE, 1=ERROR, 2=WARN, 3=INFO, 4=DEBUG)")
	flag.Parse()

	// Create standard logger with appropriate format
	var stdLogger *log.Logger
	if os.Getenv("INVOCATION_ID") != "" {
		// Running under systemd, use minimal format
		stdLogger = log.New(os.Stdout, "", 0)
	} else {
		// Running interactively, use timestamps
		stdLogger = log.New(os.Stdout, "", log.LstdFlags|log.Lmicroseconds|log.Lmsgprefix)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("FATAL: configuration: %v", err)
	}

	level := logger.ParseLevel(cfg.LogLevel)
	if logLevel >= 0 {
		level = logger.LogLevel(logLevel)
	}
	l := logger.NewLogger(stdLogger, level)

	l.Infof("Starting E84 controller (interface=%s, mode=%s)...", cfg.Interface, cfg.Mode)

	mappings := cfg.LineMappings()
	if len(mappings) == 0 {
		mappings = hardware.DefaultMappings
	}
	io := hardware.NewGpioIO(mappings, l.WithTag("gpio"))
	if err := io.Init(); err != nil {
		l.Fatalf("Failed to initialize digital I/O: %v", err)
	}

	reg := signals.NewRegistry()

	var redisClient *messaging.RedisClient
	var ctl *controller.Controller

	ctl, err = controller.New(controller.Config{
		Registry: reg,
		Log:      l,
		Mode:     cfg.StartupMode(),
		Observers: controller.Observers{
			OnState: func(rec types.TransitionRecord) {
				if redisClient != nil {
					redisClient.PublishStateChanged(rec)
				}
			},
			OnSignal: func(name string, level bool) {
				mirrorOutput(io, l, name, level)
				if redisClient != nil {
					redisClient.PublishSignalChanged(name, level)
				}
			},
			OnTimerArmed: func(tp e84.TP, d time.Duration) {
				if redisClient != nil {
					redisClient.PublishTimerArmed(tp.String(), d)
				}
			},
			OnTimerFired: func(tp e84.TP) {
				if redisClient != nil {
					redisClient.PublishTimerFired(tp.String())
				}
			},
			OnFault: func(f types.Fault) {
				if redisClient != nil {
					redisClient.PublishFault(f)
				}
			},
		},
	})
	if err != nil {
		l.Fatalf("Failed to create controller: %v", err)
	}

	coord, err := buildCoordinator(cfg, reg, io, ctl, l)
	if err != nil {
		l.Fatalf("Failed to create load port coordinator: %v", err)
	}

	if err := ctl.Bind(coord, cfg.Durations()); err != nil {
		l.Fatalf("Failed to bind handshake machine: %v", err)
	}

	// Route AMHS input edges into the event queue and prime the current
	// line levels so the sanity check sees reality.
	for _, name := range signals.AMHSInputs {
		name := name
		io.RegisterLineCallback(name, func(_ string, level bool) error {
			ctl.PostInput(name, level)
			return nil
		})
		level, err := io.ReadLine(name)
		if err != nil {
			l.Fatalf("Failed to read initial level of %s: %v", name, err)
		}
		if err := ctl.PrimeInput(name, level); err != nil {
			l.Fatalf("Failed to prime %s: %v", name, err)
		}
	}

	if err := primeCoordinator(coord); err != nil {
		l.Fatalf("Failed to read initial load port state: %v", err)
	}

	// Connect the operator surface before the dispatch loop runs so the
	// observer closures see a settled client.
	if cfg.Redis.Addr != "" {
		redisClient = messaging.NewRedisClient(cfg.Redis.Addr, l, messaging.Callbacks{
			ResetCallback: ctl.Reset,
			ModeCallback:  ctl.SetMode,
			StopCallback:  ctl.RequestStop,
		})
		if err := redisClient.Connect(); err != nil {
			l.Fatalf("Failed to connect to redis: %v", err)
		}
	}

	if err := ctl.Start(); err != nil {
		l.Fatalf("Failed to start controller: %v", err)
	}

	if redisClient != nil {
		redisClient.StartListening()
	}

	l.Infof("Controller started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	l.Infof("Received signal %v, shutting down...", sig)
	if redisClient != nil {
		redisClient.Close()
	}
	ctl.Shutdown()
	io.Close()
	l.Infof("Shutdown complete")
}

func buildCoordinator(cfg config.Config, reg *signals.Registry, io hardware.LineIO, sink loadport.Sink, l *logger.Logger) (loadport.Coordinator, error) {
	if cfg.Interface == config.InterfaceASCII {
		port, err := serial.Open(cfg.Ascii.Port, cfg.Ascii.Baud, l.WithTag("serial"))
		if err != nil {
			return nil, err
		}
		return loadport.NewAscii(reg, port, sink, l)
	}
	return loadport.NewDigital(reg, io, sink, l)
}

type primer interface{ Prime() error }

func primeCoordinator(coord loadport.Coordinator) error {
	if p, ok := coord.(primer); ok {
		return p.Prime()
	}
	return nil
}

// mirrorOutput drives a handshake output change onto its physical line,
// when one is mapped.
func mirrorOutput(io hardware.LineIO, l *logger.Logger, name string, level bool) {
	for _, out := range signals.MachineOutputs {
		if out != name {
			continue
		}
		if err := io.WriteLine(name, level); err != nil {
			l.Errorf("Failed to drive %s=%v: %v", name, level, err)
		}
		return
	}
}
