package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/docuflow/docuflow/api"
	"github.com/docuflow/docuflow/common"
	dfhttp "github.com/docuflow/docuflow/http"
	"github.com/docuflow/docuflow/version"
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the upload and read-model API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		catalog, manager, err := openCentral(cfg)
		if err != nil {
			return err
		}
		queue, err := buildQueue(ctx, cfg)
		if err != nil {
			return err
		}
		store, err := buildStore(ctx, cfg)
		if err != nil {
			return err
		}

		srv := api.NewServer(catalog, manager, api.GormRepos, store,
			stepEnqueuer{queue: queue}, buildRegistry(), cfg.Storage.Disk)

		httpCfg := dfhttp.DefaultServerConfig()
		httpCfg.Port = cfg.Server.Port
		httpCfg.ReadTimeout = cfg.Server.ReadTimeout
		httpCfg.WriteTimeout = cfg.Server.WriteTimeout
		httpCfg.ShutdownTimeout = cfg.Server.ShutdownTimeout

		e := dfhttp.NewEchoServer(httpCfg)
		e.Use(dfhttp.SecurityHeadersMiddleware())
		e.GET("/healthz", dfhttp.HealthCheckHandler("docuflow", version.Short()))
		srv.RegisterRoutes(e)

		errs := make(chan error, 1)
		go func() {
			errs <- dfhttp.StartServer(e, httpCfg)
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-errs:
			return err
		case sig := <-quit:
			common.Logger.Infof("received %s, shutting down", sig)
			return dfhttp.GracefulShutdown(e, httpCfg.ShutdownTimeout)
		}
	},
}
