// Package appconf loads the server's INI configuration file and the few
// command-line switches layered on top of it.
package appconf

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// zOption names understood in static.zOptions.
const (
	ZOptionAllSkippedIsCanceled = "ALL_SKIPPED_IS_CANCELED"
)

// Defaults applied when the INI file leaves a key out.
const (
	DefaultServerPort     = 4300
	DefaultNumberThreads  = 8
	DefaultUpdateInterval = 30 * time.Second
	DefaultFetchTimeout   = 20 * time.Second
)

// Config is the merged INI + flag configuration.
type Config struct {
	// [static]
	DataPath         string
	ServerPort       int
	Clock12hFormat   bool
	NumberThreads    int
	NexTripsPerRoute int
	HideTerminating  bool
	ZOptions         []string
	// MetricsPort enables the prometheus exposition listener when > 0.
	MetricsPort int

	// [realtime]
	FeedLocation     string
	SkipStopSeqMatch bool
	// ServiceDateMatch is 0 = service date, 1 = actual date, 2 = none.
	ServiceDateMatch int
	UpdateInterval   time.Duration
	FetchTimeout     time.Duration

	// Command-line switches.
	LogTransactions bool
}

// Load reads the INI file at path.
func Load(path string) (*Config, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	static := file.Section("static")
	rt := file.Section("realtime")

	cfg := &Config{
		DataPath:         static.Key("dataPath").String(),
		ServerPort:       static.Key("serverPort").MustInt(DefaultServerPort),
		Clock12hFormat:   static.Key("clock12hFormat").MustBool(false),
		NumberThreads:    static.Key("numberThreads").MustInt(DefaultNumberThreads),
		NexTripsPerRoute: static.Key("nexTripsPerRoute").MustInt(0),
		HideTerminating:  static.Key("hideTerminating").MustBool(false),
		MetricsPort:      static.Key("metricsPort").MustInt(0),

		FeedLocation:     rt.Key("feedLocation").String(),
		SkipStopSeqMatch: rt.Key("skipStopSeqMatch").MustBool(false),
		ServiceDateMatch: rt.Key("serviceDateMatch").MustInt(0),
		UpdateInterval:   time.Duration(rt.Key("updateInterval").MustInt(int(DefaultUpdateInterval/time.Second))) * time.Second,
		FetchTimeout:     DefaultFetchTimeout,
	}

	for _, opt := range static.Key("zOptions").Strings(",") {
		if opt = strings.TrimSpace(opt); opt != "" {
			cfg.ZOptions = append(cfg.ZOptions, opt)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DataPath == "" {
		return fmt.Errorf("config: static.dataPath is required")
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("config: static.serverPort %d out of range", c.ServerPort)
	}
	if c.NumberThreads <= 0 {
		return fmt.Errorf("config: static.numberThreads must be positive")
	}
	if c.ServiceDateMatch < 0 || c.ServiceDateMatch > 2 {
		return fmt.Errorf("config: realtime.serviceDateMatch must be 0, 1 or 2")
	}
	if c.UpdateInterval <= 0 {
		return fmt.Errorf("config: realtime.updateInterval must be positive")
	}
	return nil
}

// HasZOption reports whether the named option appears in static.zOptions.
func (c *Config) HasZOption(name string) bool {
	for _, opt := range c.ZOptions {
		if strings.EqualFold(opt, name) {
			return true
		}
	}
	return false
}

// RealtimeEnabled reports whether a feed location was configured at all.
func (c *Config) RealtimeEnabled() bool {
	return c.FeedLocation != ""
}
