//go:build darwin && cgo

// teams-volumed runs the audio tap engine headless: it follows the target
// application (Microsoft Teams by default), keeps the tap attached, and
// applies the configured volume. Status UI, login-item installation and
// volume remote control are separate tooling; this binary is the engine
// host only.
package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	teamsvolume "github.com/bahmetpalanci/teams-volume"
	"github.com/bahmetpalanci/teams-volume/hal/coreaudio"
	"github.com/bahmetpalanci/teams-volume/process"
)

type fileConfig struct {
	Process      string        `yaml:"process"`
	Volume       int           `yaml:"volume"`
	PollInterval time.Duration `yaml:"poll_interval"`
	LogLevel     string        `yaml:"log_level"`
}

func main() {
	var (
		configPath   = flag.String("config", "", "path to YAML config file")
		processName  = flag.String("process", "", "target application process name")
		volume       = flag.Int("volume", 0, "initial volume in percent (1-100)")
		pollInterval = flag.Duration("poll-interval", 0, "process poll interval")
		logLevel     = flag.String("log-level", "", "logrus level (debug, info, warn, error)")
	)
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg := fileConfig{
		Process:      "Microsoft Teams",
		Volume:       100,
		PollInterval: time.Second,
		LogLevel:     "info",
	}
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			log.WithError(err).Fatal("reading config file")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.WithError(err).Fatal("parsing config file")
		}
	}

	// Flags override the file.
	if *processName != "" {
		cfg.Process = *processName
	}
	if *volume > 0 {
		cfg.Volume = *volume
	}
	if *pollInterval > 0 {
		cfg.PollInterval = *pollInterval
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithError(err).Fatal("invalid log level")
	}
	log.SetLevel(level)

	surface, err := coreaudio.New()
	if err != nil {
		log.WithError(err).Fatal("creating audio surface")
	}
	defer surface.Close()

	engine, err := teamsvolume.NewEngine(teamsvolume.Config{
		ProcessName:   cfg.Process,
		Surface:       surface,
		Locator:       process.PSLocator{},
		Sink:          teamsvolume.NewLogrusSink(log),
		PollInterval:  cfg.PollInterval,
		InitialVolume: cfg.Volume,
	})
	if err != nil {
		log.WithError(err).Fatal("creating engine")
	}
	defer engine.Close()

	log.WithFields(logrus.Fields{
		"process": cfg.Process,
		"volume":  cfg.Volume,
	}).Info("teams-volumed running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
}
