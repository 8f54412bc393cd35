package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Server    *ServerConfig   `json:"server"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// Flows maps a flow id to the path of its flow document.
	// Relative paths are resolved against the config file's directory.
	Flows map[string]string `json:"flows"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Metrics MetricsConfig  `json:"metrics,omitempty"`
	Systemd SystemdConfig  `json:"systemd,omitempty"`
	Pprof   PprofConfig    `json:"pprof,omitempty"`
}

// ServerConfig controls the HTTP listener that serves the upload form and API.
//
// All durations are Go duration strings (e.g. "10s", "1m").
type ServerConfig struct {
	Address  string `json:"address"`
	Port     int    `json:"port"`
	TLS      bool   `json:"tls"`
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`

	// Domain is the externally reachable host used to build upload links.
	Domain string `json:"domain"`

	// UploadFlow selects the flow that receives POST /upload when more than one
	// flow accepts uploads.
	UploadFlow string `json:"upload_flow,omitempty"`

	// MaxUploadBytes caps uploaded files. Default: 5 MiB.
	MaxUploadBytes int64 `json:"max_upload_bytes,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

// PublicURL is the base URL operators use to reach the server.
func (s *ServerConfig) PublicURL() string {
	scheme := "http"
	if s.TLS {
		scheme = "https"
	}
	host := strings.TrimSpace(s.Domain)
	if host == "" {
		host = strings.TrimSpace(s.Address)
	}
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, host, s.Port)
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled  bool   `json:"enabled"`
	Path     string `json:"path"`
	MaxBytes int64  `json:"max_bytes,omitempty"`
	Backups  int    `json:"backups,omitempty"`
}

// SchedulerConfig controls cron triggering and task execution.
//
// Defaults (when fields are omitted/zero):
//   - workers: 1 (task bodies run one at a time)
//   - queue_size: 64
//   - default_timeout: "0s" (disabled)
//   - history_size: 100
type SchedulerConfig struct {
	// Timezone is an IANA name (e.g. "Asia/Shanghai"). Empty means local time.
	Timezone       string `json:"timezone,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// StorageConfig controls the optional audit log.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/audit.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"` // default: "/metrics"
}

// SystemdConfig controls sd_notify readiness signalling (Type=notify units).
type SystemdConfig struct {
	Notify bool `json:"notify"`
}

// PprofConfig controls the profiling listener. It is applied on reload.
//
// A non-loopback addr needs a token unless allow_insecure is set.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
