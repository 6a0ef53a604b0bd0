package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"netaudit/binary"
	"netaudit/database"
	"netaudit/detect"
	"netaudit/platform"
	"netaudit/probes"
	"netaudit/proc"
	"netaudit/web"
	"netaudit/whitelist"
)

func main() {
	root := &cobra.Command{
		Use:   "netaudit",
		Short: "Audit TCP and UDP connections on this host",
		Long: "netaudit attaches kernel probes to the socket layer and records\n" +
			"every TCP connect, accept and close and every UDP connect, bind and\n" +
			"close that is not covered by the whitelist.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}

	flags := root.Flags()
	flags.String("listen", ":8080", "address for the web interface and admin API")
	flags.String("data-dir", "data", "directory for the event database")
	flags.String("whitelist", "", "whitelist file, reloaded on change")
	flags.String("rules", "", "directory of sigma detection rules")
	flags.String("probes", probes.AllProbes.Hex(), "hex mask of probes to install at startup")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Int("cache-size", 1024, "number of binary hashes to keep in memory")
	flags.Int("buffer", 1000, "event buffer size between the reader and the database")

	viper.SetEnvPrefix("NETAUDIT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	if err := viper.BindPFlags(flags); err != nil {
		fmt.Fprintf(os.Stderr, "failed to bind flags: %v\n", err)
		os.Exit(1)
	}

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %v", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func run() error {
	log, err := buildLogger(viper.GetString("log-level"))
	if err != nil {
		return err
	}
	defer log.Sync()

	mask, err := probes.ParseMask(viper.GetString("probes"))
	if err != nil {
		return fmt.Errorf("invalid probe mask: %v", err)
	}

	stop := make(chan struct{})

	wl := whitelist.NewList(log)
	if path := viper.GetString("whitelist"); path != "" {
		if err := wl.LoadFile(path); err != nil {
			log.Warn("failed to load whitelist", zap.String("path", path), zap.Error(err))
		}
		if err := wl.Watch(path, stop); err != nil {
			log.Warn("failed to watch whitelist", zap.String("path", path), zap.Error(err))
		}
	}

	dataDir := viper.GetString("data-dir")
	db, err := database.New(dataDir, log)
	if err != nil {
		return fmt.Errorf("failed to open database: %v", err)
	}
	defer db.Close()
	if err := fixDataOwnership(dataDir); err != nil {
		log.Warn("could not fix data directory ownership", zap.Error(err))
	}

	bins, err := binary.NewCache(viper.GetInt("cache-size"))
	if err != nil {
		return fmt.Errorf("failed to create binary cache: %v", err)
	}

	var det *detect.Engine
	if rulesDir := viper.GetString("rules"); rulesDir != "" {
		det, err = detect.NewEngine(rulesDir, log)
		if err != nil {
			return fmt.Errorf("failed to load detection rules: %v", err)
		}
		defer det.Close()
	}

	rec := NewRecorder(db, bins, det, log, viper.GetInt("buffer"))
	defer rec.Close()

	bpf, err := platform.New(log)
	if err != nil {
		return fmt.Errorf("failed to initialize BPF: %v", err)
	}
	defer bpf.Close()

	reg := probes.New(probes.Config{
		Planter:     bpf,
		Gate:        wl,
		Sink:        rec,
		Paths:       proc.NewResolver(),
		DefaultMask: mask,
		Logger:      log,
	})
	if err := reg.Init(); err != nil {
		// Leave whatever did install active. The admin API can retry the
		// rest once the operator has looked at the failure.
		log.Error("failed to install default probes", zap.Error(err))
	}
	defer reg.Shutdown()

	go bpf.Run()

	addr := viper.GetString("listen")
	srv := web.NewServer(reg, db, wl, log)
	go func() {
		if err := srv.ListenAndServe(addr); err != nil {
			log.Error("web server error", zap.Error(err))
		}
	}()
	log.Info("netaudit started",
		zap.String("listen", addr),
		zap.String("probes", reg.Active().Hex()))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
	close(stop)
	return nil
}
