// Package config loads the server's flat config surface, following
// nasa-jpl-golaborate/cmd/multiserver/main.go's shape: a
// koanf.Koanf seeded with struct defaults, optionally overridden by a YAML
// file. There are no command-line flags to parse; cmd/reactorweb dispatches
// its run/mkconf/conf/version subcommands by hand over os.Args, the same
// style golaborate uses.
package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
)

// TriggerMode selects the epoll edge/level-triggered combination for the
// listener and for client connections.
type TriggerMode int

const (
	// TrigLevelListenLevelConn: LT listen + LT conn.
	TrigLevelListenLevelConn TriggerMode = 0
	// TrigLevelListenEdgeConn: LT listen + ET conn.
	TrigLevelListenEdgeConn TriggerMode = 1
	// TrigEdgeListenLevelConn: ET listen + LT conn.
	TrigEdgeListenLevelConn TriggerMode = 2
	// TrigEdgeListenEdgeConn: ET listen + ET conn. Also the fallback for
	// any value outside 0-3.
	TrigEdgeListenEdgeConn TriggerMode = 3
)

// Normalize folds any value outside {0,1,2,3} to TrigEdgeListenEdgeConn.
func (m TriggerMode) Normalize() TriggerMode {
	if m < 0 || m > 3 {
		return TrigEdgeListenEdgeConn
	}
	return m
}

// ListenET reports whether the listening socket should be armed edge-triggered.
func (m TriggerMode) ListenET() bool {
	switch m.Normalize() {
	case TrigEdgeListenLevelConn, TrigEdgeListenEdgeConn:
		return true
	default:
		return false
	}
}

// ConnET reports whether client connections should be armed edge-triggered.
func (m TriggerMode) ConnET() bool {
	switch m.Normalize() {
	case TrigLevelListenEdgeConn, TrigEdgeListenEdgeConn:
		return true
	default:
		return false
	}
}

// Config is the full set of server parameters: listener, trigger mode,
// idle timeout, database connectivity, worker pool sizing, and the
// static resource root.
type Config struct {
	Port        int  `koanf:"port"`
	TriggerMode int  `koanf:"trigger_mode" yaml:"trigger_mode"`
	TimeoutMS   int64 `koanf:"timeout_ms" yaml:"timeout_ms"`
	OpenLinger  bool `koanf:"open_linger" yaml:"open_linger"`

	SQLHost     string `koanf:"sql_host" yaml:"sql_host"`
	SQLPort     int    `koanf:"sql_port" yaml:"sql_port"`
	SQLUser     string `koanf:"sql_user" yaml:"sql_user"`
	SQLPwd      string `koanf:"sql_pwd" yaml:"sql_pwd"`
	DBName      string `koanf:"db_name" yaml:"db_name"`
	SQLPoolNum  int    `koanf:"sql_pool_num" yaml:"sql_pool_num"`

	ThreadNum int `koanf:"thread_num" yaml:"thread_num"`
	MaxEvents int `koanf:"max_events" yaml:"max_events"`

	MaxFD      int    `koanf:"max_fd" yaml:"max_fd"`
	ResourceDir string `koanf:"resource_dir" yaml:"resource_dir"`
}

// Defaults returns the configuration the server runs with when no
// overrides are supplied.
func Defaults() Config {
	return Config{
		Port:        9006,
		TriggerMode: 3,
		TimeoutMS:   60000,
		OpenLinger:  false,
		SQLHost:     "localhost",
		SQLPort:     3306,
		SQLUser:     "root",
		SQLPwd:      "",
		DBName:      "webserver",
		SQLPoolNum:  8,
		ThreadNum:   8,
		MaxEvents:   1024,
		MaxFD:       65536,
		ResourceDir: "./resources",
	}
}

// Validate checks the port range, a non-negative timeout, and positive
// sql_pool_num, thread_num and max_events. Other fields are not checked;
// trigger_mode needs no check because TriggerMode.Normalize folds any
// out-of-range value.
func (c Config) Validate() error {
	if c.Port < 1024 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range [1024,65535]", c.Port)
	}
	if c.TimeoutMS < 0 {
		return fmt.Errorf("config: timeout_ms must be non-negative, got %d", c.TimeoutMS)
	}
	if c.SQLPoolNum <= 0 {
		return fmt.Errorf("config: sql_pool_num must be positive, got %d", c.SQLPoolNum)
	}
	if c.ThreadNum <= 0 {
		return fmt.Errorf("config: thread_num must be positive, got %d", c.ThreadNum)
	}
	if c.MaxEvents <= 0 {
		return fmt.Errorf("config: max_events must be positive, got %d", c.MaxEvents)
	}
	return nil
}

// Load seeds a koanf instance with Defaults(), then overlays an optional
// YAML file at path (a missing file is not an error, matching
// golaborate's "file missing, who cares" handling).
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !strings.Contains(err.Error(), "no such file") {
				return Config{}, fmt.Errorf("config: load %s: %w", path, err)
			}
		}
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return c, nil
}
