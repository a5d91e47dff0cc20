// sockethub serves the pub/sub websocket hub over HTTP.
//
// Configuration comes from an optional YAML or JSON file (--config), which
// is watched for changes: delivery settings and the log level are applied
// to the running server, everything else needs a restart. With nats.url set
// the server joins the other nodes on pubsub.topic.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/mroth/sockethub"
	"github.com/mroth/sockethub/admin"
	"github.com/mroth/sockethub/config"
	"github.com/mroth/sockethub/natsbridge"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, listen string
	var pretty bool

	flagSet := pflag.NewFlagSet("sockethub", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to YAML or JSON config file")
	flagSet.StringVar(&listen, "listen", "", "listen address, overrides the config file")
	flagSet.BoolVar(&pretty, "pretty", false, "human readable console logs")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		fmt.Fprintf(os.Stderr, "Usage: sockethub [flags]\n\n%s", flagSet.FlagUsages())
		return nil
	}

	log := newLogger(pretty)

	cfg := &config.Config{Listen: config.DefaultListen, Path: config.DefaultPath}
	var mgr *config.Manager
	if configPath != "" {
		mgr = config.NewManager(configPath, log)
		var err error
		if cfg, err = mgr.Load(); err != nil {
			return err
		}
	}
	if listen != "" {
		cfg.Listen = listen
	}
	zerolog.SetGlobalLevel(cfg.Level())

	opts, err := cfg.ServerOptions()
	if err != nil {
		return err
	}
	opts = append(opts, sockethub.WithLogger(log))

	if cfg.NATS.URL != "" {
		name := cfg.NATS.Name
		if name == "" {
			name = "sockethub"
		}
		bridge, err := natsbridge.Connect(cfg.NATS.URL, name, log)
		if err != nil {
			return err
		}
		defer bridge.Close()
		opts = append(opts, sockethub.WithPublisher(bridge), sockethub.WithSubscriber(bridge))
	}

	s, err := sockethub.NewServer(opts...)
	if err != nil {
		return err
	}
	defer s.Shutdown()

	r := mux.NewRouter()
	r.Handle(cfg.Path, s).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodGet)
	if cfg.Admin {
		ah, err := admin.AdminHandler(s, log)
		if err != nil {
			return err
		}
		r.PathPrefix("/admin/").Handler(ah)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if mgr != nil {
		go func() {
			err := mgr.Watch(ctx, func(c *config.Config) {
				zerolog.SetGlobalLevel(c.Level())
				d, err := c.Delivery()
				if err != nil {
					log.Warn().Err(err).Msg("ignoring delivery settings")
					return
				}
				if err := s.SetDeliveryOptions(d); err != nil {
					log.Warn().Err(err).Msg("could not apply delivery settings")
				}
			})
			if err != nil {
				log.Error().Err(err).Msg("config watch stopped")
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Info().Str("listen", cfg.Listen).Str("path", cfg.Path).Bool("admin", cfg.Admin).Msg("sockethub started")

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Debug().Err(err).Msg("sd_notify failed")
	}

	select {
	case <-ctx.Done():
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	log.Info().Msg("shutting down")
	daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Websockets are hijacked, so close them before waiting on the HTTP server.
	s.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newLogger(pretty bool) zerolog.Logger {
	if pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
