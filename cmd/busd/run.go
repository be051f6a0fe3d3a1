package main

import (
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/sandia-minimega/busd/internal/busd"
	"github.com/sandia-minimega/busd/internal/buslog"
	"github.com/sandia-minimega/busd/internal/busmetrics"
	"github.com/sandia-minimega/busd/internal/config"
	"github.com/sandia-minimega/busd/internal/daemon"
	"github.com/sandia-minimega/busd/internal/router"
)

func newRunCmd() *cobra.Command {
	var (
		configPath  string
		logLevel    string
		noColor     bool
		printOnly   bool
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "run the message bus daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := parseLogLevel(logLevel)
			if err != nil {
				return err
			}
			buslog.Setup(lvl, !noColor, nil)

			cfg, err := config.Parse(configPath, config.OSResolver{})
			if err != nil {
				return err
			}

			if printOnly {
				buslog.Info("run: configuration at %s parses cleanly, exiting (-print-only)", configPath)
				return nil
			}

			if cfg.Fork {
				exited, err := daemonize()
				if err != nil {
					return busd.New(busd.IOError, "forking to background: %v", err)
				}
				if exited {
					return nil
				}
			}

			metrics := busmetrics.New()
			s := daemon.New(cfg, 1, metrics)

			if err := s.Start(); err != nil {
				return err
			}

			if err := daemon.DropPrivileges(cfg.User); err != nil {
				s.Stop()
				s.Wait()
				return err
			}

			var metricsSrv *http.Server
			if metricsAddr != "" {
				metricsSrv = startDebugServer(metricsAddr, metrics, s.Router())
			}

			buslog.Info("run: busd is up, listening on %v", cfg.Listen)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			buslog.Info("run: shutting down")
			s.Stop()
			s.Wait()
			if metricsSrv != nil {
				metricsSrv.Close()
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "/etc/busd/busd.conf", "path to busconfig file")
	cmd.Flags().StringVar(&logLevel, "loglevel", "info", "log level: debug, info, warn, error")
	cmd.Flags().BoolVar(&noColor, "nocolor", false, "disable colored console log output")
	cmd.Flags().BoolVar(&printOnly, "print-only", false, "parse and validate the configuration, then exit")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve /metrics and /debugz on, e.g. :9090 (disabled if empty)")

	return cmd
}

func parseLogLevel(s string) (buslog.Level, error) {
	switch s {
	case "debug":
		return buslog.DEBUG, nil
	case "info":
		return buslog.INFO, nil
	case "warn":
		return buslog.WARN, nil
	case "error":
		return buslog.ERROR, nil
	default:
		return 0, busd.New(busd.ParseError, "unknown -loglevel %q", s)
	}
}

// startDebugServer mounts the Prometheus handler plus a couple of JSON
// introspection endpoints on a gorilla/mux router, the same role gorilla/mux
// plays routing phenix/web's HTTP API.
func startDebugServer(addr string, metrics *busmetrics.Metrics, rt *router.Router) *http.Server {
	r := mux.NewRouter()
	r.Handle("/metrics", metrics.Handler())
	r.HandleFunc("/debugz/names", func(w http.ResponseWriter, req *http.Request) {
		rt.SampleOutboundQueueDepth()
		json.NewEncoder(w).Encode(rt.Names())
	})
	r.HandleFunc("/debugz/conns", func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(rt.ConnSnapshot())
	})

	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			buslog.Warn("run: debug server on %s exited: %v", addr, err)
		}
	}()
	buslog.Info("run: debug/metrics server listening on %s", addr)
	return srv
}

func init() {
	rootCmd.AddCommand(newRunCmd())
}
