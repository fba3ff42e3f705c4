package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/creasty/defaults"
	"github.com/dnldd/sentinel/service"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the configuration struct for the service.
type Config struct {
	// ConfigFile is the path to the yaml service configuration.
	ConfigFile string
	// SessionID identifies this session in leader election, generated when empty.
	SessionID string
	// Force takes over leadership on startup.
	Force bool
	// LogLevel overrides the configured log level.
	LogLevel string
	// FMPAPIKey overrides the configured FMP api key.
	FMPAPIKey string
	// Service is the loaded service configuration.
	Service service.Config

	registeredFlags map[string]bool
}

// Validate asserts the config sane inputs.
func (cfg *Config) Validate() error {
	var errs error

	if cfg.ConfigFile == "" {
		errs = errors.Join(errs, fmt.Errorf("config file cannot be an empty string"))
	}

	return errs
}

// registerFlag registers command line arguments of any type and tracks them to avoid reregistration.
func (cfg *Config) registerFlag(name string, value interface{}, usage string) error {
	if cfg.registeredFlags == nil {
		cfg.registeredFlags = make(map[string]bool)
	}

	if cfg.registeredFlags[name] {
		return nil
	}

	cfg.registeredFlags[name] = true

	defValue := os.Getenv(name)
	val := reflect.ValueOf(value)
	if val.Kind() != reflect.Ptr || val.IsNil() {
		return fmt.Errorf("%s: value must be a non-nil pointer", name)
	}

	switch val.Elem().Kind() {
	case reflect.String:
		flag.StringVar(value.(*string), name, defValue, usage)
	case reflect.Bool:
		var def bool
		if defValue != "" {
			def, _ = strconv.ParseBool(defValue)
		}
		flag.BoolVar(value.(*bool), name, def, usage)
	case reflect.Int:
		var def int
		if defValue != "" {
			def, _ = strconv.Atoi(defValue)
		}
		flag.IntVar(value.(*int), name, def, usage)
	case reflect.Slice:
		// Only handle []string
		if val.Elem().Type().Elem().Kind() == reflect.String {
			var def []string
			if defValue != "" {
				def = strings.Split(defValue, ",")
			}
			flag.Func(name, usage, func(s string) error {
				*value.(*[]string) = strings.Split(s, ",")
				return nil
			})
			// Set default if not provided via flag
			if len(def) > 0 {
				*value.(*[]string) = def
			}
		} else {
			return fmt.Errorf("%s: unsupported slice type", name)
		}
	default:
		return fmt.Errorf("%s: unsupported type", name)
	}

	return nil
}

// loadServiceConfig reads the yaml service configuration at the provided path and applies
// defaults to every field left unset.
func loadServiceConfig(path string) (*service.Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg service.Config
	err = yaml.Unmarshal(b, &cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	err = defaults.Set(&cfg)
	if err != nil {
		return nil, fmt.Errorf("applying config defaults: %w", err)
	}

	err = validator.New().Struct(&cfg)
	if err != nil {
		return nil, fmt.Errorf("validating config file: %w", err)
	}

	return &cfg, nil
}

// applyOverrides applies command line and environment overrides to the service config.
func (cfg *Config) applyOverrides(svc *service.Config) {
	if cfg.SessionID != "" {
		svc.SessionID = cfg.SessionID
	}
	if svc.SessionID == "" {
		svc.SessionID = uuid.New().String()
	}
	if cfg.Force {
		svc.Force = true
	}
	if cfg.LogLevel != "" {
		svc.LogLevel = cfg.LogLevel
	}
	if cfg.FMPAPIKey != "" {
		svc.Market.FMP.APIKey = cfg.FMPAPIKey
	}
}

// loadConfig loads the configuration from environment variables, command line flags and the
// yaml service configuration.
func loadConfig(cfg *Config, path string) error {
	if path == "" {
		path = ".env"
	}

	// Check if the expected .env file exists before loading it.
	_, err := os.Stat(path)
	if err == nil {
		err := godotenv.Load(path)
		if err != nil {
			return fmt.Errorf("loading .env file: %w", err)
		}
	}

	// Register command line arguments using loaded environment variables as defaults.
	err = cfg.registerFlag("config", &cfg.ConfigFile, "the yaml service configuration file")
	if err != nil {
		return err
	}
	err = cfg.registerFlag("session", &cfg.SessionID, "the session id used in leader election")
	if err != nil {
		return err
	}
	err = cfg.registerFlag("force", &cfg.Force, "take over leadership on startup")
	if err != nil {
		return err
	}
	err = cfg.registerFlag("loglevel", &cfg.LogLevel, "the log level")
	if err != nil {
		return err
	}
	err = cfg.registerFlag("fmpapikey", &cfg.FMPAPIKey, "the FMP api key")
	if err != nil {
		return err
	}

	// Parse command-line flags.
	flag.Parse()

	err = cfg.Validate()
	if err != nil {
		return err
	}

	svc, err := loadServiceConfig(cfg.ConfigFile)
	if err != nil {
		return err
	}

	cfg.applyOverrides(svc)
	cfg.Service = *svc

	return cfg.Service.Validate()
}
