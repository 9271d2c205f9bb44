// Package pigeon provides functions and types shared by the other packages:
// the loaded configuration, paths relative to the configuration and data
// directories, and process lifecycle contexts.
package pigeon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/mjl-/sconf"

	"github.com/pigeonbox/pigeon/config"
	"github.com/pigeonbox/pigeon/mlog"
)

var pkglog = mlog.New("pigeon", nil)

// ConfigStaticPath is set early in program startup.
var (
	ConfigStaticPath string
	Conf             = Config{Log: map[string]slog.Level{"": slog.LevelError}}
)

var ErrConfig = errors.New("config error")

// Config as used in the code, a processed version of what is in the config file.
type Config struct {
	Static config.Static // Does not change during the lifetime of a running instance.

	logMutex sync.Mutex // For accessing the log levels.
	Log      map[string]slog.Level
}

// LogLevelSet sets a new log level for pkg. An empty pkg sets the default log
// value that is used if no explicit log level is configured for a package.
// This change is ephemeral, no config file is changed.
func (c *Config) LogLevelSet(log mlog.Log, pkg string, level slog.Level) {
	c.logMutex.Lock()
	defer c.logMutex.Unlock()
	l := c.copyLogLevels()
	l[pkg] = level
	c.Log = l
	log.Print("log level changed", slog.String("pkg", pkg), slog.Any("level", mlog.LevelStrings[level]))
	mlog.SetConfig(c.Log)
}

func (c *Config) copyLogLevels() map[string]slog.Level {
	m := map[string]slog.Level{}
	for pkg, level := range c.Log {
		m[pkg] = level
	}
	return m
}

// LogLevels returns a copy of the current log levels.
func (c *Config) LogLevels() map[string]slog.Level {
	c.logMutex.Lock()
	defer c.logMutex.Unlock()
	return c.copyLogLevels()
}

// Timeouts returns the configured timeouts, with defaults filled in.
func (c *Config) Timeouts() config.Timeouts {
	return c.Static.Timeouts.WithDefaults()
}

// KeyPrefix returns the prefix for coordination store keys and channels.
func (c *Config) KeyPrefix() string {
	if c.Static.Coordination.KeyPrefix == "" {
		return config.DefaultCoordinationKey
	}
	return c.Static.Coordination.KeyPrefix
}

// MustLoadConfig loads the config, quitting on errors.
func MustLoadConfig() {
	errs := LoadConfig(context.Background(), pkglog)
	if len(errs) > 1 {
		pkglog.Error("loading config file: multiple errors")
		for _, err := range errs {
			pkglog.Errorx("config error", err)
		}
		pkglog.Fatal("stopping after multiple config errors")
	} else if len(errs) == 1 {
		pkglog.Fatalx("loading config file", errs[0])
	}
}

// LoadConfig attempts to parse and load a config, returning any errors
// encountered.
func LoadConfig(ctx context.Context, log mlog.Log) []error {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
	Context, ContextCancel = context.WithCancel(context.Background())

	c, errs := ParseConfig(ctx, log, ConfigStaticPath)
	if len(errs) > 0 {
		return errs
	}

	mlog.SetConfig(c.Log)
	SetConfig(c)
	return nil
}

// SetConfig sets a new config. Not to be used during normal operation.
func SetConfig(c *Config) {
	// Cannot just assign *c to Conf, it would copy the mutex.
	Conf = Config{Static: c.Static, Log: c.Log}
}

// ParseConfig parses the static config at path p.
func ParseConfig(ctx context.Context, log mlog.Log, p string) (c *Config, errs []error) {
	c = &Config{
		Static: config.Static{
			DataDir: ".",
		},
	}

	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) && os.Getenv("PIGEONCONF") == "" {
			return nil, []error{fmt.Errorf("open config file: %v (hint: use pigeon -config ... or set PIGEONCONF=...)", err)}
		}
		return nil, []error{fmt.Errorf("open config file: %v", err)}
	}
	defer f.Close()
	if err := sconf.Parse(f, &c.Static); err != nil {
		return nil, []error{fmt.Errorf("parsing %s%v", p, err)}
	}

	if xerrs := PrepareStaticConfig(ctx, log, p, c); len(xerrs) > 0 {
		return nil, xerrs
	}
	return c, nil
}

// PrepareStaticConfig checks the parsed static config and prepares data
// structures for starting.
func PrepareStaticConfig(ctx context.Context, log mlog.Log, configFile string, conf *Config) (errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...)))
	}

	c := &conf.Static

	// Post-process logging config.
	if logLevel, ok := mlog.Levels[c.LogLevel]; ok {
		conf.Log = map[string]slog.Level{"": logLevel}
	} else {
		addErrorf("invalid log level %q", c.LogLevel)
	}
	for pkg, s := range c.PackageLogLevels {
		if logLevel, ok := mlog.Levels[s]; ok {
			conf.Log[pkg] = logLevel
		} else {
			addErrorf("invalid package log level %q", s)
		}
	}

	if c.Name == "" {
		if hostname, err := os.Hostname(); err != nil {
			addErrorf("no name configured and looking up hostname: %v", err)
		} else {
			c.Name = hostname
		}
	}

	switch c.Role {
	case config.RoleBackend, config.RoleStandalone:
		if c.Role == config.RoleBackend && c.Backend.Listen == "" {
			addErrorf("role backend requires Backend.Listen")
		}
	case config.RoleFrontend:
		if c.Backend.URL == "" {
			addErrorf("role frontend requires Backend.URL")
		}
	default:
		addErrorf("unknown role %q, must be one of backend, frontend, standalone", c.Role)
	}
	if c.Backend.Path == "" {
		c.Backend.Path = "/rpc"
	}

	if c.Coordination.Address == "" {
		addErrorf("missing Coordination.Address")
	}

	if c.Role != config.RoleStandalone && len(c.Secrets) == 0 {
		addErrorf("at least one shared secret required for RPC authentication")
	}
	for i, s := range c.Secrets {
		if len(s) < 16 {
			addErrorf("secret %d too short, must be at least 16 characters", i)
		}
	}

	for _, name := range c.InitialMailboxes {
		if name == "" {
			addErrorf("empty name in InitialMailboxes")
		}
	}

	return errs
}
