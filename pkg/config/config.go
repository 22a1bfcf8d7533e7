package config

import (
	"github.com/apex/log"
	"github.com/vpncore/vpncore/internal/intercept"
	"github.com/vpncore/vpncore/internal/model"
	"github.com/vpncore/vpncore/internal/runtimex"
)

// Config contains options to initialize the connection core.
type Config struct {
	// file contains the settings read from the TOML file.
	file *File

	// logger will be used to log events.
	logger model.Logger

	// alerts presents alerts to the user.
	alerts model.AlertService

	// decider answers the misconfigured local network warning.
	decider intercept.Decider

	// interfaces lists the local interfaces.
	interfaces intercept.InterfaceProvider
}

// NewConfig returns a Config ready to initialize the core.
func NewConfig(options ...Option) *Config {
	cfg := &Config{
		file:   DefaultFile(),
		logger: log.Log,
	}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.alerts == nil {
		cfg.alerts = &model.LogAlertService{Logger: cfg.logger}
	}
	if cfg.interfaces == nil {
		cfg.interfaces = &intercept.SystemInterfaces{Logger: cfg.logger}
	}
	return cfg
}

// Option is an option you can pass to initialize the core.
type Option func(config *Config)

// WithLogger configures the passed [Logger].
func WithLogger(logger model.Logger) Option {
	return func(config *Config) {
		config.logger = logger
	}
}

// Logger returns the configured logger.
func (c *Config) Logger() model.Logger {
	return c.logger
}

// WithConfigFile configures the settings parsed from the given file.
func WithConfigFile(configPath string) Option {
	return func(config *Config) {
		file, err := ReadConfigFile(configPath)
		runtimex.PanicOnError(err, "cannot parse config file")
		config.file = file
	}
}

// WithFile configures already parsed settings.
func WithFile(file *File) Option {
	return func(config *Config) {
		config.file = file
	}
}

// File returns the configured settings.
func (c *Config) File() *File {
	return c.file
}

// WithAlertService configures where alerts are presented.
func WithAlertService(alerts model.AlertService) Option {
	return func(config *Config) {
		config.alerts = alerts
	}
}

// AlertService returns the alert service.
func (c *Config) AlertService() model.AlertService {
	return c.alerts
}

// WithDecider configures who answers the local network warning.
func WithDecider(decider intercept.Decider) Option {
	return func(config *Config) {
		config.decider = decider
	}
}

// Decider returns the configured decider, which may be nil.
func (c *Config) Decider() intercept.Decider {
	return c.decider
}

// WithInterfaces overrides the local interface listing.
func WithInterfaces(interfaces intercept.InterfaceProvider) Option {
	return func(config *Config) {
		config.interfaces = interfaces
	}
}

// Interfaces returns the interface provider.
func (c *Config) Interfaces() intercept.InterfaceProvider {
	return c.interfaces
}
