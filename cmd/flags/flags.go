package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/session-file-server/api"
	"github.com/ruteri/session-file-server/common"
	"github.com/ruteri/session-file-server/storage"
	"github.com/urfave/cli/v2"
)

const envPrefix = "FILESERVER_"

func envVars(name string) []string {
	return []string{envPrefix + name}
}

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool(LogDebugFlag.Name),
		JSON:    cCtx.Bool(LogJsonFlag.Name),
		Service: cCtx.String(LogServiceFlag.Name),
		Version: common.Version,
	})

	if cCtx.Bool(LogUidFlag.Name) {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger) *api.HTTPServerConfig {
	return &api.HTTPServerConfig{
		ListenAddr:               cCtx.String(ListenAddrFlag.Name),
		MetricsAddr:              cCtx.String(MetricsAddrFlag.Name),
		Log:                      logger,
		EnablePprof:              cCtx.Bool(PprofFlag.Name),
		DrainDuration:            time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

// FileStoreConfig reads the storage limits and id scheme flags.
func FileStoreConfig(cCtx *cli.Context) storage.FileStoreConfig {
	return storage.FileStoreConfig{
		TTL:         cCtx.Duration(FileTTLFlag.Name),
		MaxFileSize: cCtx.Int(MaxFileSizeFlag.Name),
		LegacyIDs:   cCtx.Bool(LegacyIDsFlag.Name),
		FixedIDBits: cCtx.String(FixedIDBitsFlag.Name),
		CacheSize:   cCtx.Int(CacheSizeFlag.Name),
	}
}

var ListenAddrFlag = &cli.StringFlag{
	Name:    "listen-addr",
	Value:   "127.0.0.1:8080",
	Usage:   "address to listen on for API",
	EnvVars: envVars("LISTEN_ADDR"),
}

var KeyFileFlag = &cli.StringFlag{
	Name:    "key-file",
	Value:   "key_x25519",
	Usage:   "raw 32-byte X25519 private key, generated on first start",
	EnvVars: envVars("KEY_FILE"),
}

var PrimaryStoreFlag = &cli.StringFlag{
	Name:    "primary",
	Value:   "sqlite://./fileserver.db",
	Usage:   "primary store URI (postgres://, sqlite://, file://, s3://)",
	EnvVars: envVars("PRIMARY"),
}

var ReplicaStoresFlag = &cli.StringSliceFlag{
	Name:    "replica",
	Usage:   "store URI every upload is mirrored to, may be repeated",
	EnvVars: envVars("REPLICAS"),
}

var BackupStoresFlag = &cli.StringSliceFlag{
	Name:    "backup",
	Usage:   "read-only store URI consulted when the primary misses, may be repeated",
	EnvVars: envVars("BACKUPS"),
}

var FileTTLFlag = &cli.DurationFlag{
	Name:    "file-ttl",
	Value:   storage.DefaultTTL,
	Usage:   "time until an upload expires",
	EnvVars: envVars("FILE_TTL"),
}

var MaxFileSizeFlag = &cli.IntFlag{
	Name:    "max-file-size",
	Value:   storage.DefaultMaxFileSize,
	Usage:   "largest accepted upload in bytes",
	EnvVars: envVars("MAX_FILE_SIZE"),
}

var LegacyIDsFlag = &cli.BoolFlag{
	Name:    "legacy-ids",
	Value:   false,
	Usage:   "assign random numeric ids instead of content ids",
	EnvVars: envVars("LEGACY_IDS"),
}

var FixedIDBitsFlag = &cli.StringFlag{
	Name:    "fixed-id-bits",
	Value:   "",
	Usage:   "string of 0/1 used as the high bits of numeric ids",
	EnvVars: envVars("FIXED_ID_BITS"),
}

var CacheSizeFlag = &cli.IntFlag{
	Name:    "cache-size",
	Value:   0,
	Usage:   "number of files kept in the read cache, 0 disables it",
	EnvVars: envVars("CACHE_SIZE"),
}

var GitHubURLFlag = &cli.StringFlag{
	Name:    "github-url",
	Value:   "https://api.github.com",
	Usage:   "GitHub API base URL for release polling, empty disables polling",
	EnvVars: envVars("GITHUB_URL"),
}

var LogJsonFlag = &cli.BoolFlag{
	Name:    "log-json",
	Value:   false,
	Usage:   "log in JSON format",
	EnvVars: envVars("LOG_JSON"),
}
var LogDebugFlag = &cli.BoolFlag{
	Name:    "log-debug",
	Value:   false,
	Usage:   "log debug messages",
	EnvVars: envVars("LOG_DEBUG"),
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlag = &cli.StringFlag{
	Name:  "log-service",
	Value: "session-file-server",
	Usage: "add 'service' tag to logs",
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:    "metrics-addr",
	Value:   "127.0.0.1:8090",
	Usage:   "address to listen on for Prometheus metrics",
	EnvVars: envVars("METRICS_ADDR"),
}

var LogFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	LogServiceFlag,
}

var CommonFlags = append([]cli.Flag{
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}, LogFlags...)

var StorageFlags = []cli.Flag{
	PrimaryStoreFlag,
	ReplicaStoresFlag,
	BackupStoresFlag,
	FileTTLFlag,
	MaxFileSizeFlag,
	LegacyIDsFlag,
	FixedIDBitsFlag,
	CacheSizeFlag,
}
