package app

import (
	"fmt"
	"strings"
	"time"

	"dutybot/internal/config"
	"dutybot/internal/observability/pprof"
	"dutybot/internal/server"
	"dutybot/internal/storage"
	"dutybot/internal/task/engine"
	logx "dutybot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled:  cfg.Logging.File.Enabled,
			Path:     cfg.Logging.File.Path,
			MaxBytes: cfg.Logging.File.MaxBytes,
			Backups:  cfg.Logging.File.Backups,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.DurationOr("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	timeout, err := config.ParseDurationField("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        cfg.Scheduler.Workers,
		QueueSize:      cfg.Scheduler.QueueSize,
		DefaultTimeout: timeout,
		HistorySize:    cfg.Scheduler.HistorySize,
	}, nil
}

func mapServerOptions(cfg *config.Config) (server.Options, error) {
	sc := cfg.Server
	read, err := config.DurationOr("server.read_timeout", sc.ReadTimeout, 30*time.Second)
	if err != nil {
		return server.Options{}, err
	}
	write, err := config.DurationOr("server.write_timeout", sc.WriteTimeout, 30*time.Second)
	if err != nil {
		return server.Options{}, err
	}
	return server.Options{
		Address:        sc.Address,
		Port:           sc.Port,
		TLS:            sc.TLS,
		CertFile:       sc.CertFile,
		KeyFile:        sc.KeyFile,
		PublicURL:      sc.PublicURL(),
		DefaultFlow:    defaultUploadFlow(cfg),
		MaxUploadBytes: sc.MaxUploadBytes,
		ReadTimeout:    read,
		WriteTimeout:   write,
		MetricsPath:    cfg.Metrics.Path,
	}, nil
}

// defaultUploadFlow is the flow behind the bare /upload route: the
// configured one, or the only flow when there is exactly one.
func defaultUploadFlow(cfg *config.Config) string {
	if f := strings.TrimSpace(cfg.Server.UploadFlow); f != "" {
		return f
	}
	if ids := cfg.FlowIDs(); len(ids) == 1 {
		return ids[0]
	}
	return ""
}

func mapPprofConfig(cfg *config.Config) pprof.Config {
	return pprof.Config{
		Enabled:       cfg.Pprof.Enabled,
		Addr:          cfg.Pprof.Addr,
		Token:         cfg.Pprof.Token,
		AllowInsecure: cfg.Pprof.AllowInsecure,
	}
}
