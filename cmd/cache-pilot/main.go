package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	cachepilot "github.com/cache-pilot/cache-pilot"
	"github.com/cache-pilot/cache-pilot/pkg/category"
	configstore "github.com/cache-pilot/cache-pilot/pkg/config-store"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// envConfig supplies defaults for the CLI flags, so deployments can be
// configured entirely through the environment.
type envConfig struct {
	Port       int    `env:"CACHE_PILOT_PORT" envDefault:"8080"`
	AdminPort  int    `env:"CACHE_PILOT_ADMIN_PORT" envDefault:"8081"`
	Origin     string `env:"CACHE_PILOT_ORIGIN"`
	Addr       string `env:"CACHE_PILOT_ADDR"`
	Host       string `env:"CACHE_PILOT_HOST"`
	Provider   string `env:"CACHE_PILOT_PROVIDER" envDefault:"sqlite"`
	DB         string `env:"CACHE_PILOT_DB" envDefault:"config.db"`
	AdminToken string `env:"CACHE_PILOT_ADMIN_TOKEN"`
	Debug      bool   `env:"CACHE_PILOT_DEBUG"`
	LogFile    string `env:"CACHE_PILOT_LOG_FILE"`

	S3Endpoint  string `env:"CACHE_PILOT_S3_ENDPOINT"`
	S3AccessKey string `env:"CACHE_PILOT_S3_ACCESS_KEY"`
	S3SecretKey string `env:"CACHE_PILOT_S3_SECRET_KEY"`
	S3Bucket    string `env:"CACHE_PILOT_S3_BUCKET"`
	S3Prefix    string `env:"CACHE_PILOT_S3_PREFIX" envDefault:"cache-pilot"`
	S3SSL       bool   `env:"CACHE_PILOT_S3_SSL" envDefault:"true"`
}

var (
	envCfg envConfig

	// CLI flags
	portFlag           int
	adminPortFlag      int
	originFlag         string
	addrFlag           string
	hostFlag           string
	providerFlag       string
	dbFilenameFlag     string
	tokenFlag          string
	debugFlag          bool
	seedFlag           string
	seedForceFlag      bool
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	if err := env.Parse(&envCfg); err != nil {
		log.Fatal().Err(err).Msg("Cannot parse environment variables")
	}

	flag.StringVar(&originFlag, "origin", envCfg.Origin, "Origin URL to proxy to (overrides addr and host)")
	flag.StringVar(&addrFlag, "addr", envCfg.Addr, "Origin IP address to proxy to")
	flag.StringVar(&hostFlag, "host", envCfg.Host, "Hostname of origin")
	flag.IntVar(&portFlag, "port", envCfg.Port, "Port to listen on")
	flag.IntVar(&adminPortFlag, "admin-port", envCfg.AdminPort, "Port for the admin API and metrics")
	flag.StringVar(&providerFlag, "provider", envCfg.Provider, "Config store backend: mem, sqlite or s3")
	flag.StringVar(&dbFilenameFlag, "db", envCfg.DB, "Config DB file name (use 'memory' for in-memory db)")
	flag.StringVar(&tokenFlag, "admin-token", envCfg.AdminToken, "Bearer token for the admin API (API disabled when empty)")
	flag.BoolVar(&debugFlag, "debug", envCfg.Debug, "Add the diagnostic header to every response")
	flag.StringVar(&seedFlag, "seed", "", "Seed configuration from a YAML file on startup")
	flag.BoolVar(&seedForceFlag, "seed-force", false, "Overwrite stored configuration when seeding")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", envCfg.LogFile, "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.InfoLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	metrics := cachepilot.NewMetrics()

	store := configstore.CreateStore(configstore.Config{
		Provider:     createProvider(),
		Logger:       &log.Logger,
		OnStaleServe: metrics.StaleServe,
	})

	if seedFlag != "" {
		if err := seedFromFile(store, seedFlag, seedForceFlag); err != nil {
			log.Fatal().Err(err).Msg("Cannot seed configuration")
		}
	}

	// the stored environment can raise or lower verbosity, -vv always wins
	if !verbosityTraceFlag {
		if lvl, err := zerolog.ParseLevel(store.Environment().LogLevel); err == nil && lvl != zerolog.NoLevel {
			log.Logger = log.Logger.Level(lvl)
		}
	}

	engineConfig := cachepilot.Config{
		Store:        store,
		Logger:       &log.Logger,
		BuildVersion: version,
		Debug:        debugFlag,
		Metrics:      metrics,
	}

	// get the downstream server address
	if originFlag != "" {
		originUrl, err := url.Parse(originFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not parse url")
		}
		engineConfig.OriginURL = *originUrl
	} else if addrFlag != "" {
		originUrl, err := url.Parse("https://" + addrFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not parse url")
		}
		engineConfig.OriginURL = *originUrl
		engineConfig.OriginHost = hostFlag
	} else {
		log.Fatal().Msg("Please specify origin")
	}

	admin := cachepilot.AdminHandler(cachepilot.AdminConfig{
		Store:   store,
		Token:   tokenFlag,
		Metrics: metrics,
		Logger:  &log.Logger,
	})
	go func() {
		log.Info().Msgf("Admin API listening on port %v", adminPortFlag)
		if err := http.ListenAndServe(fmt.Sprintf(":%d", adminPortFlag), admin); err != nil {
			log.Fatal().Err(err).Msg("Admin server failed")
		}
	}()

	engine := cachepilot.CreateEngine(engineConfig)
	edge := hlog.NewHandler(log.Logger)(
		hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Debug().
				Str("method", r.Method).
				Str("url", r.URL.String()).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("Request served")
		})(engine))

	log.Info().Msgf("Routing port %v to %s (with hostname '%s')", portFlag, engineConfig.OriginURL.String(), engineConfig.OriginHost)
	err := http.ListenAndServe(fmt.Sprintf(":%d", portFlag), edge)

	if err != nil {
		panic(err)
	}
}

func createProvider() configstore.KVProvider {
	switch providerFlag {
	case "mem":
		return configstore.NewMemKV()
	case "sqlite":
		dbFilename := dbFilenameFlag
		if dbFilename == "memory" {
			dbFilename = "file::memory:?cache=shared"
		}
		return configstore.NewSQLiteKV(dbFilename)
	case "s3":
		return configstore.NewS3KV(configstore.S3Options{
			Endpoint:  envCfg.S3Endpoint,
			AccessKey: envCfg.S3AccessKey,
			SecretKey: envCfg.S3SecretKey,
			Bucket:    envCfg.S3Bucket,
			Prefix:    envCfg.S3Prefix,
			UseSSL:    envCfg.S3SSL,
		})
	default:
		log.Fatal().Str("provider", providerFlag).Msg("Unknown config store backend")
		return nil
	}
}

type seedFile struct {
	Environment *category.Environment `yaml:"environment"`
	Categories  category.Set          `yaml:"categories"`
}

// seedFromFile bootstraps the store from a YAML document. Omitted sections
// fall back to the built-in defaults, and a partial environment section is
// overlaid on top of them.
func seedFromFile(store *configstore.Store, filename string, force bool) error {
	seedBytes, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	environment := category.DefaultEnvironment()
	seed := seedFile{Environment: &environment}
	if err := yaml.Unmarshal(seedBytes, &seed); err != nil {
		return err
	}
	if seed.Categories == nil {
		seed.Categories = category.DefaultSet()
	}
	return store.Seed(*seed.Environment, seed.Categories, force)
}
