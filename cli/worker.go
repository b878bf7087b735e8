package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/docuflow/docuflow/common"
	"github.com/docuflow/docuflow/worker"
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(workerCmd)
	workerCmd.Flags().Int("workers", 0, "number of concurrent workers (overrides queue.workers.pipeline)")
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "run the pipeline worker pool",
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
		publisher, err := buildPublisher(cfg)
		if err != nil {
			return err
		}
		defer publisher.Close()

		cache, err := buildCredentialCache(ctx, cfg)
		if err != nil {
			return err
		}

		factory, err := newRunnerFactory(cfg, queue, store, publisher, cache)
		if err != nil {
			return err
		}

		workerCfg := worker.DefaultConfig()
		workerCfg.Workers = cfg.Queue.Workers["pipeline"]
		if n, _ := cmd.Flags().GetInt("workers"); n > 0 {
			workerCfg.Workers = n
		}
		workerCfg.DequeueWait = cfg.Queue.DequeueTimeout
		workerCfg.TenantLimit = tenantConcurrencyLimit

		pool, err := worker.NewPool(queue, catalog, manager, factory,
			suspensionAudit{binder: manager}, workerCfg)
		if err != nil {
			return err
		}
		pool.Start(ctx)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		sig := <-quit
		common.Logger.Infof("received %s, draining workers", sig)
		pool.Stop()
		return nil
	},
}
