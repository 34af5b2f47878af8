package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/columnstore-tools/csreplicator/replicator"

	mysqlLog "github.com/siddontang/go-log/log"
)

var version = "dev"

func main() {
	var configPath string

	var rootCmd = &cobra.Command{
		Use:          "csreplicator",
		Short:        "Replicate a MariaDB binlog stream into ColumnStore",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "csreplicator.cnf", "path to the INI configuration file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	var cfg, err = replicator.LoadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Log.Level, err)
	}
	logrus.SetLevel(level)
	fixMysqlLogging()

	if cfg.Metrics.Listen != "" {
		go func() {
			var mux = http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logrus.WithField("addr", cfg.Metrics.Listen).Info("serving metrics")
			if err := http.ListenAndServe(cfg.Metrics.Listen, mux); err != nil {
				logrus.WithField("error", err).Error("metrics listener failed")
			}
		}()
	}

	var rep = replicator.Start(cfg)

	var signals = make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	var ticker = time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case sig := <-signals:
			logrus.WithField("signal", sig.String()).Info("shutting down")
			rep.Stop()
			return nil
		case <-ticker.C:
			if !rep.Ok() {
				rep.Stop()
				return fmt.Errorf("replication stopped, check the log for the reason")
			}
		}
	}
}

// fixMysqlLogging redirects the go-log logger used internally by go-mysql to
// stderr and matches its level filter to the one logrus runs at.
func fixMysqlLogging() {
	var handler, err = mysqlLog.NewStreamHandler(os.Stderr)
	if err != nil {
		// NewStreamHandler never actually returns an error today.
		panic(fmt.Sprintf("failed to initialize mysql logging: %v", err))
	}
	mysqlLog.SetDefaultLogger(mysqlLog.NewDefault(handler))
	mysqlLog.SetLevelByName(logrus.GetLevel().String())
}
