package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/codewandler/evstore-go/adapters/httpapi"
	promadapter "github.com/codewandler/evstore-go/adapters/prometheus"
	"github.com/codewandler/evstore-go/internal/backend"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				a.cfg.HTTP.Addr = addr
			}

			opts := backend.Options{Log: a.log}
			srvCfg := httpapi.ServerConfig{Log: a.log}
			if a.cfg.HTTP.Metrics {
				reg := prometheus.NewRegistry()
				reg.MustRegister(
					collectors.NewGoCollector(),
					collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
				)
				opts.Metrics = promadapter.NewMetrics(reg)
				srvCfg.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
			}

			store, err := a.openStore(cmd, opts)
			if err != nil {
				return err
			}
			defer store.Close()

			srvCfg.Store = store
			return httpapi.NewServer(srvCfg).ListenAndServe(cmd.Context(), a.cfg.HTTP.Addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides http.addr)")
	return cmd
}
