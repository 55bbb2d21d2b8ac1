package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/containerd/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bluetooth-socket/internal/btsock"
	"bluetooth-socket/internal/config"
)

// app is the state shared by all subcommands.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	stdin   io.Reader
}

func newRootCmd(stdin io.Reader) *cobra.Command {
	a := &app{v: config.New(), stdin: stdin}

	root := &cobra.Command{
		Use:           "btsock",
		Short:         "Open, accept and chat over cancellable Bluetooth sockets",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context())
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (yaml, toml or json)")
	pf.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	pf.String("log-format", "text", "log format (text or json)")
	pf.String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9101)")
	pf.String("kind", btsock.StreamChannel.String(), "socket kind (rfcomm, sco, l2cap)")
	pf.Int("channel", 0, "RFCOMM channel or L2CAP PSM")
	pf.Bool("auth", false, "require an authenticated link")
	pf.Bool("encrypt", false, "require an encrypted link")
	pf.Duration("accept-timeout", 0, "give up accepting after this long (0 waits until canceled)")

	for key, flag := range map[string]string{
		"log.level":             "log-level",
		"log.format":            "log-format",
		"metrics.addr":          "metrics-addr",
		"socket.kind":           "kind",
		"socket.channel":        "channel",
		"socket.auth":           "auth",
		"socket.encrypt":        "encrypt",
		"socket.accept_timeout": "accept-timeout",
	} {
		_ = a.v.BindPFlag(key, pf.Lookup(flag))
	}

	root.AddCommand(
		newScanCmd(a),
		newListenCmd(a),
		newConnectCmd(a),
		newLoopbackCmd(a),
	)
	return root
}

// setup loads configuration and applies the ambient settings.
func (a *app) setup(ctx context.Context) error {
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	if err := log.SetLevel(cfg.Log.Level); err != nil {
		return err
	}
	format := log.TextFormat
	if cfg.Log.Format == "json" {
		format = log.JSONFormat
	}
	if err := log.SetFormat(format); err != nil {
		return err
	}

	if cfg.Metrics.Addr != "" {
		return serveMetrics(ctx, cfg.Metrics.Addr)
	}
	return nil
}

// serveMetrics exposes the socket metrics until ctx is done.
func serveMetrics(ctx context.Context, addr string) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	if err := btsock.RegisterMetrics(reg); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.G(ctx).WithField("addr", addr).Info("btsock: serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.G(ctx).WithError(err).Error("btsock: metrics server")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return nil
}
