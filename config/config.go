package config

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/jessevdk/go-flags"
	"go.uber.org/zap/zapcore"

	"github.com/annmine/engine/logging"
	"github.com/annmine/engine/shared"
)

const (
	defaultDbDirName      = "db"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10

	defaultRetainSnapshots   = 4
	defaultAnnounceBatchSize = 256
	defaultCheckInterval     = 1024
)

// Config defines the configuration options for the mining engine.
//
// See main's loading sequence for details of the
// configuration loading+parsing process.
type Config struct {
	EngineDir      string  `long:"enginedir"      description:"The base directory that contains the engine's data, logs, configuration file, etc."`
	ConfigFile     string  `long:"configfile"     description:"Path to configuration file"                        short:"c"`
	DataDir        string  `long:"datadir"        description:"The directory to store the engine's data within."  short:"b"`
	DbDir          string  `long:"dbdir"          description:"The directory to store DBs within"`
	LogDir         string  `long:"logdir"         description:"Directory to log output."`
	DebugLog       bool    `long:"debuglog"       description:"Enable debug logs"`
	JSONLog        bool    `long:"jsonlog"        description:"Whether to log in JSON format"`
	MaxLogFiles    int     `long:"maxlogfiles"    description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int     `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
	MetricsPort    *uint16 `long:"metrics-port"   description:"The port to expose metrics"`

	CPUProfile string `long:"cpuprofile" description:"Write CPU profile to the specified file"`
	Profile    string `long:"profile"    description:"Enable HTTP profiling on given port -- must be between 1024 and 65535"`

	Engine *EngineConfig `group:"Engine"`
}

// DefaultConfig returns a config with default hardcoded values.
func DefaultConfig() *Config {
	engineDir := "./annmine"
	cacheDir, err := os.UserCacheDir()
	if err == nil {
		engineDir = filepath.Join(cacheDir, "annmine")
	}

	return &Config{
		EngineDir:      engineDir,
		DataDir:        filepath.Join(engineDir, defaultDataDirname),
		DbDir:          filepath.Join(engineDir, defaultDbDirName),
		LogDir:         filepath.Join(engineDir, defaultLogDirname),
		MaxLogFiles:    defaultMaxLogFiles,
		MaxLogFileSize: defaultMaxLogFileSize,
		Engine:         DefaultEngineConfig(),
	}
}

// ParseFlags reads values from command line arguments.
func ParseFlags(preCfg *Config) (*Config, error) {
	if _, err := flags.Parse(preCfg); err != nil {
		return nil, err
	}
	return preCfg, nil
}

// ReadConfigFile reads config from an ini file.
// It uses the provided `cfg` as a base config and overrides it with the values
// from the config file.
func ReadConfigFile(cfg *Config) (*Config, error) {
	if cfg.ConfigFile == "" {
		return cfg, nil
	}
	logging.FromContext(context.Background()).Sugar().Debugf("reading config from %s", cfg.ConfigFile)
	if err := flags.IniParse(cfg.ConfigFile, cfg); err != nil {
		return nil, fmt.Errorf("failed to read config from %v: %w", cfg.ConfigFile, err)
	}

	return cfg, nil
}

// SetupConfig expands paths and initializes filesystem.
func SetupConfig(cfg *Config) (*Config, error) {
	// If the provided engine directory is not the default, we'll modify the
	// path to all of the files and directories that will live within it.
	defaultCfg := DefaultConfig()
	if cfg.EngineDir != defaultCfg.EngineDir {
		if cfg.DataDir == defaultCfg.DataDir {
			cfg.DataDir = filepath.Join(cfg.EngineDir, defaultDataDirname)
		}
		if cfg.LogDir == defaultCfg.LogDir {
			cfg.LogDir = filepath.Join(cfg.EngineDir, defaultLogDirname)
		}
		if cfg.DbDir == defaultCfg.DbDir {
			cfg.DbDir = filepath.Join(cfg.EngineDir, defaultDbDirName)
		}
	}

	// Create the engine directory if it doesn't already exist.
	if err := os.MkdirAll(cfg.EngineDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create %v: %w", cfg.EngineDir, err)
	}

	// As soon as we're done parsing configuration options, ensure all paths
	// to directories and files are cleaned and expanded before attempting
	// to use them later on.
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.DbDir = cleanAndExpandPath(cfg.DbDir)

	return cfg, nil
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		user, err := user.Current()
		if err == nil {
			homeDir = user.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

type EngineConfig struct {
	ScratchpadSize    uint64 `long:"scratchpad-size"     description:"Scratchpad size in bytes"`
	RetainSnapshots   int    `long:"retain-snapshots"    description:"Number of epoch scratchpads kept for validation"`
	SearchWorkers     int    `long:"search-workers"      description:"Number of solution search workers (0 = GOMAXPROCS)"`
	AnnounceWorkers   int    `long:"announce-workers"    description:"Number of announcement mining workers (0 = GOMAXPROCS)"`
	AnnounceBatchSize uint64 `long:"announce-batch-size" description:"Announcement nonces tried between work-change checks"`
	CheckInterval     uint64 `long:"check-interval"      description:"Search iterations between work-change checks"`
	DisableAnnouncer  bool   `long:"disable-announcer"   description:"Do not mine announcements, only search and validate"`
	DisableSearcher   bool   `long:"disable-searcher"    description:"Do not search for solutions, only mine announcements"`
}

func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		ScratchpadSize:    shared.DefaultScratchpadSize,
		RetainSnapshots:   defaultRetainSnapshots,
		AnnounceBatchSize: defaultAnnounceBatchSize,
		CheckInterval:     defaultCheckInterval,
	}
}

// implement zap.ObjectMarshaler interface.
func (c EngineConfig) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint64("scratchpad-size", c.ScratchpadSize)
	enc.AddInt("retain-snapshots", c.RetainSnapshots)
	enc.AddInt("search-workers", c.SearchWorkers)
	enc.AddInt("announce-workers", c.AnnounceWorkers)
	enc.AddUint64("announce-batch-size", c.AnnounceBatchSize)
	enc.AddUint64("check-interval", c.CheckInterval)

	return nil
}
