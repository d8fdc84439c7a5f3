// Package config declares the command line and environment configuration
// of the server.
package config

import (
	"time"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
)

// LogConfig configures handling of application log events.
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" choice:"fatal" description:"Logging level"`
	Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" choice:"color" description:"Logging output format"`
}

type HTTPConfig struct {
	Addr          string   `long:"addr" env:"ADDR" default:":3001" description:"Address to listen on"`
	CORSOrigins   []string `long:"cors-origin" env:"CORS_ORIGINS" env-delim:"," description:"Allowed CORS origin (repeatable, default any)"`
	SecureCookies bool     `long:"secure-cookies" env:"SECURE_COOKIES" description:"Mark session cookies Secure"`
}

type StorageConfig struct {
	Backend    string `long:"backend" env:"BACKEND" default:"fs" choice:"fs" choice:"sqlite" description:"Durable storage backend"`
	Dir        string `long:"dir" env:"DIR" default:"./data" description:"Data directory of the fs backend"`
	SQLitePath string `long:"sqlite-path" env:"SQLITE_PATH" default:"./data/livelist.db" description:"Database file of the sqlite backend"`
}

type SyncConfig struct {
	WriteDelay      time.Duration `long:"write-delay" env:"WRITE_DELAY" default:"2s" description:"Quiet period before a changed room is written"`
	HistoryInterval time.Duration `long:"history-interval" env:"HISTORY_INTERVAL" default:"10m" description:"Minimum time between history snapshots of a room"`
	HistoryCapacity int           `long:"history-capacity" env:"HISTORY_CAPACITY" default:"50" description:"History snapshots kept per room"`
	IdleTimeout     time.Duration `long:"idle-timeout" env:"IDLE_TIMEOUT" default:"0s" description:"Unload rooms without peers after this long (0 keeps them loaded)"`
	EvictInterval   time.Duration `long:"evict-interval" env:"EVICT_INTERVAL" default:"1m" description:"How often to look for idle rooms"`
}

type AuthConfig struct {
	Secret     string        `long:"secret" env:"SECRET" description:"Session signing secret (random per process if unset)"`
	SessionTTL time.Duration `long:"session-ttl" env:"SESSION_TTL" default:"24h" description:"Lifetime of admin sessions"`
	UsersFile  string        `long:"users-file" env:"USERS_FILE" default:"./data/users.json" description:"Admin accounts file"`
}

// Config is the top-level configuration of the server.
type Config struct {
	HTTP    HTTPConfig    `group:"HTTP" namespace:"http" env-namespace:"HTTP"`
	Storage StorageConfig `group:"Storage" namespace:"storage" env-namespace:"STORAGE"`
	Sync    SyncConfig    `group:"Sync" namespace:"sync" env-namespace:"SYNC"`
	Auth    AuthConfig    `group:"Auth" namespace:"auth" env-namespace:"AUTH"`
	Log     LogConfig     `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

// Parse reads configuration from args and the environment.
func Parse(args []string) (*Config, error) {
	var cfg Config
	parser := flags.NewParser(&cfg, flags.Default)
	parser.EnvNamespace = "LIVELIST"
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// InitLog configures the logger.
func InitLog(cfg LogConfig) {
	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else if cfg.Format == "text" {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	} else if cfg.Format == "color" {
		log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	}

	if lvl, err := log.ParseLevel(cfg.Level); err != nil {
		log.WithField("err", err).Fatal("unrecognized log level")
	} else {
		log.SetLevel(lvl)
	}
}
