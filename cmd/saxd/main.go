package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/saxdb/saxdb/logger"
	"github.com/saxdb/saxdb/tsdb"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type options struct {
	configPath  string
	metricsAddr string
}

func newCommand() *cobra.Command {
	config := tsdb.NewConfig()
	opts := options{metricsAddr: ":8086"}

	cmd := &cobra.Command{
		Use:          "saxd",
		Short:        "saxd opens a series database and serves it until interrupted",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, config, opts)
		},
	}

	// Dashed spellings normalize to the underscore flag names.
	cmd.Flags().SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "-", "_"))
	})

	cmd.Flags().StringVar(&opts.configPath, "config", "", "path to a TOML config file")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics_addr", opts.metricsAddr, "listen address for /metrics")
	cmd.Flags().IntVar(&config.TSLength, "ts_length", config.TSLength, "fixed length of every series")
	cmd.Flags().StringVar(&config.DataDir, "data_dir", config.DataDir, "root directory for databases")
	cmd.Flags().StringVar(&config.DBName, "db_name", config.DBName, "database subdirectory under data_dir")
	cmd.Flags().IntVar(&config.FlushEvery, "flush_every", config.FlushEvery, "operations between log flushes")
	cmd.Flags().IntVar(&config.SAXWordLength, "sax_word_length", config.SAXWordLength, "SAX word length")
	cmd.Flags().IntVar(&config.SAXCardinality, "sax_cardinality", config.SAXCardinality, "SAX alphabet cardinality")
	cmd.Flags().IntVar(&config.TreeThreshold, "tree_threshold", config.TreeThreshold, "max series per similarity tree terminal")
	return cmd
}

// run resolves the configuration in precedence order (flags over
// environment over file over defaults), opens the database, and serves
// metrics until a shutdown signal arrives.
func run(cmd *cobra.Command, config tsdb.Config, opts options) error {
	if opts.configPath != "" {
		if err := config.FromTomlFile(opts.configPath); err != nil {
			return err
		}
	}

	v := viper.New()
	v.SetEnvPrefix("SAXD")
	v.AutomaticEnv()
	applyEnv(cmd, v, &config)

	if err := config.Validate(); err != nil {
		return err
	}

	log := logger.New(os.Stderr)
	defer log.Sync()

	reg := prometheus.NewRegistry()
	store, err := tsdb.Open(config, log, reg)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: opts.metricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics listener failed", zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("addr", opts.metricsAddr))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	srv.Close()
	return store.Close()
}

// applyEnv fills ts_length, data_dir, db_name and flush_every from SAXD_*
// environment variables when the command line left that flag unset. The
// other flags are not read from the environment.
func applyEnv(cmd *cobra.Command, v *viper.Viper, config *tsdb.Config) {
	if !cmd.Flags().Changed("ts_length") && v.IsSet("ts_length") {
		config.TSLength = v.GetInt("ts_length")
	}
	if !cmd.Flags().Changed("data_dir") && v.IsSet("data_dir") {
		config.DataDir = v.GetString("data_dir")
	}
	if !cmd.Flags().Changed("db_name") && v.IsSet("db_name") {
		config.DBName = v.GetString("db_name")
	}
	if !cmd.Flags().Changed("flush_every") && v.IsSet("flush_every") {
		config.FlushEvery = v.GetInt("flush_every")
	}
}
