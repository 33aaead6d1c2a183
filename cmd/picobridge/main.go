package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/coreman2200/picoled-bridge/internal/app"
	"github.com/coreman2200/picoled-bridge/internal/config"
	diag "github.com/coreman2200/picoled-bridge/internal/diagnostics"
	"github.com/coreman2200/picoled-bridge/internal/dmx"
	"github.com/coreman2200/picoled-bridge/internal/led"
	"github.com/coreman2200/picoled-bridge/internal/logging"
	"github.com/coreman2200/picoled-bridge/internal/observability"
	"github.com/coreman2200/picoled-bridge/internal/pixel"
	"github.com/coreman2200/picoled-bridge/internal/serial"
	"github.com/coreman2200/picoled-bridge/internal/ws"
)

func main() {
	// Flags set on the command line win over the config file.
	var (
		configPath = flag.String("config", "picobridge.yaml", "path to a .yaml or .toml config")
		mode       = flag.String("mode", "", "repeat | originate")
		ledDriver  = flag.String("led-driver", "", "spi | nrz | console | sim")
		dmxIn      = flag.String("dmx-in", "", "DMX receive tty")
		dmxOut     = flag.String("dmx-out", "", "DMX transmit tty")
		linkDev    = flag.String("link", "", "RS-485 link tty")
		addr       = flag.String("addr", "", "HTTP monitor address, \"-\" disables it")
		logLevel   = flag.String("log-level", "info", "trace | debug | info | warn | error")
		pretty     = flag.Bool("pretty", true, "human-readable logs")
	)
	flag.Parse()

	level, ok := logging.ParseLevel(*logLevel)
	if !ok {
		level = zerolog.InfoLevel
	}
	logger := logging.Setup(logging.Config{Level: level, Pretty: *pretty})

	cfg := config.Default()
	if c, err := config.Load(*configPath); err != nil {
		logger.Warn().Err(err).Str("path", *configPath).Msg("config load failed; proceeding with defaults and flags")
	} else {
		cfg = c
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode":
			cfg.Mode = *mode
		case "led-driver":
			cfg.LED.Driver = *ledDriver
		case "dmx-in":
			cfg.DMX.InDev = *dmxIn
		case "dmx-out":
			cfg.DMX.OutDev = *dmxOut
		case "link":
			cfg.Link.Dev = *linkDev
		case "addr":
			cfg.Addr = *addr
		}
	})
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	if _, err := host.Init(); err != nil {
		logger.Warn().Err(err).Msg("periph host init failed; hardware drivers may be missing")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := diag.NewHub(64)
	hw, driver, closers := openHardware(cfg, logger)
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()

	core, err := app.New(cfg, hw, app.WithLogger(logger), app.WithDiagnostics(hub))
	if err != nil {
		logger.Error().Err(err).Msg("boot failed")
		hub.Push(diag.Diagnostic{Severity: diag.Err, Code: diag.CodeBootFailed, Summary: "Peripheral init failed", Detail: err.Error()})
		bootFailed(ctx, cfg.StatusPin, logger)
		os.Exit(2)
	}
	defer core.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return core.Run(ctx) })

	if cfg.Addr != "-" && cfg.Addr != "" {
		state := ws.NewState(core, hub, 30)
		state.Config = cfg
		state.ConfigPath = *configPath
		state.Driver = driver

		mux := http.NewServeMux()
		mux.HandleFunc("/ws", state.HandleFramesWS)
		mux.HandleFunc("/diag", state.HandleDiagWS)
		mux.HandleFunc("/control", state.HandleControlWS)
		mux.HandleFunc("/health", state.HandleHealth)
		mux.Handle("/metrics", observability.Handler(core.Status))
		srv := &http.Server{
			Addr:         cfg.Addr,
			Handler:      withCORS(mux),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		g.Go(func() error {
			state.RunPreviewLoop(ctx)
			return nil
		})
		g.Go(func() error {
			log.Info().Str("addr", cfg.Addr).Str("driver", driver).Msg("HTTP server starting")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("bridge stopped")
		os.Exit(1)
	}
	logger.Info().Msg("shutting down")
}

// openHardware picks every peripheral from cfg. LED output falls back to
// sim with a warning; missing DMX ttys become loopbacks.
func openHardware(cfg *config.Config, logger zerolog.Logger) (app.Hardware, string, []io.Closer) {
	var (
		hw      app.Hardware
		closers []io.Closer
	)
	selected := cfg.LED.Driver
	format, err := pixel.ParseFormat(cfg.LED.ColorOrder)
	if err != nil {
		format = pixel.GRB
	}

	switch selected {
	case "spi":
		dev := cfg.LED.SPIDev
		if dev == "" {
			dev = "/dev/spidev0.0"
		}
		w, err := led.NewSPIWire(dev, time.Duration(cfg.LED.ResetUs)*time.Microsecond)
		if err != nil {
			logger.Warn().Err(err).Str("driver", "spi").Str("dev", dev).Msg("SPI init failed; falling back to SIM")
			selected = "sim"
			break
		}
		hw.LEDWire = w

	case "nrz":
		p, err := spireg.Open(cfg.LED.SPIDev)
		if err != nil {
			logger.Warn().Err(err).Str("driver", "nrz").Str("dev", cfg.LED.SPIDev).Msg("SPI port open failed; falling back to SIM")
			selected = "sim"
			break
		}
		w, err := led.NewNRZWire(p, cfg.LED.Count, format.Channels())
		if err != nil {
			_ = p.Close()
			logger.Warn().Err(err).Str("driver", "nrz").Msg("nrzled init failed; falling back to SIM")
			selected = "sim"
			break
		}
		closers = append(closers, p)
		hw.LEDWire = w

	case "console":
		hw.LEDWire = led.NewConsoleWire(cfg.LED.Count, format, os.Stdout)

	case "sim":
	default:
		logger.Warn().Str("driver", selected).Msg("unknown driver; using SIM")
		selected = "sim"
	}
	if hw.LEDWire == nil {
		hw.LEDWire = &led.SimWire{Sleep: time.Sleep}
	}

	if cfg.DMX.InDev != "" {
		tty, err := serial.Open(cfg.DMX.InDev, serial.DMXReceive())
		if err != nil {
			logger.Warn().Err(err).Str("dev", cfg.DMX.InDev).Msg("DMX input open failed; using loopback")
		} else {
			closers = append(closers, tty)
			hw.DMXIn = dmx.NewStreamCapture(tty)
		}
	}
	var loop *dmx.Loopback
	if hw.DMXIn == nil {
		loop = dmx.NewLoopback()
		closers = append(closers, loop)
		hw.DMXIn = loop
	}

	switch {
	case cfg.DMX.OutDev != "":
		tty, err := serial.Open(cfg.DMX.OutDev, serial.DMX())
		if err != nil {
			logger.Warn().Err(err).Str("dev", cfg.DMX.OutDev).Msg("DMX output open failed")
			break
		}
		closers = append(closers, tty)
		hw.DMXOut = tty
	case cfg.Mode == string(app.ModeOriginate):
		// Without a transmit tty the universe goes to a loopback so the
		// engine still runs and counts frames.
		if loop == nil {
			loop = dmx.NewLoopback()
			closers = append(closers, loop)
		}
		hw.DMXOut = loop
	}

	if cfg.Link.Dev != "" {
		tty, err := serial.Open(cfg.Link.Dev, serial.Options{Baud: cfg.Link.Baud})
		if err != nil {
			logger.Warn().Err(err).Str("dev", cfg.Link.Dev).Msg("RS-485 link open failed; link disabled")
		} else {
			closers = append(closers, tty)
			hw.Link = tty
			if cfg.Link.DirPin != "" {
				if pin := gpioreg.ByName(cfg.Link.DirPin); pin != nil {
					hw.LinkDir = pin
				} else {
					logger.Warn().Str("pin", cfg.Link.DirPin).Msg("direction pin not found; relying on auto-direction hardware")
				}
			}
		}
	}
	return hw, selected, closers
}

// bootFailed blinks the status pin until interrupted.
func bootFailed(ctx context.Context, name string, logger zerolog.Logger) {
	if name == "" {
		<-ctx.Done()
		return
	}
	pin := gpioreg.ByName(name)
	if pin == nil {
		logger.Warn().Str("pin", name).Msg("status pin not found")
		<-ctx.Done()
		return
	}
	if err := app.Blink(ctx, pin, 250*time.Millisecond); err != nil {
		logger.Warn().Err(err).Str("pin", name).Msg("status blink failed")
		<-ctx.Done()
	}
}

func withCORS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		h.ServeHTTP(w, r)
	})
}
