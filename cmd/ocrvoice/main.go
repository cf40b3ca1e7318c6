package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	xlanguage "golang.org/x/text/language"

	"github.com/sipeed/ocrvoice/pkg/artifacts"
	"github.com/sipeed/ocrvoice/pkg/bus"
	"github.com/sipeed/ocrvoice/pkg/channels"
	"github.com/sipeed/ocrvoice/pkg/config"
	"github.com/sipeed/ocrvoice/pkg/failover"
	"github.com/sipeed/ocrvoice/pkg/health"
	"github.com/sipeed/ocrvoice/pkg/language"
	"github.com/sipeed/ocrvoice/pkg/logger"
	"github.com/sipeed/ocrvoice/pkg/ocr"
	"github.com/sipeed/ocrvoice/pkg/pipeline"
	"github.com/sipeed/ocrvoice/pkg/speech"
	"github.com/sipeed/ocrvoice/pkg/supervisor"
	"github.com/sipeed/ocrvoice/pkg/usage"
)

var version = "dev"

func usageText() string {
	return `ocrvoice - read images aloud

Usage:
  ocrvoice gateway      run the enabled channels and the health server
  ocrvoice console      run with the interactive console channel only
  ocrvoice init         write a default config file
  ocrvoice version      print the version

The config file is read from $OCRVOICE_CONFIG or ~/.ocrvoice/config.json.`
}

func main() {
	cmd := "gateway"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	var err error
	switch cmd {
	case "gateway":
		err = runGateway(false)
	case "console":
		err = runGateway(true)
	case "init":
		err = initConfig()
	case "version", "--version", "-v":
		fmt.Println("ocrvoice", version)
	case "help", "--help", "-h":
		fmt.Println(usageText())
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s\n", cmd, usageText())
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func configPath() string {
	if p := os.Getenv("OCRVOICE_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(home, ".ocrvoice", "config.json")
}

func initConfig() error {
	path := configPath()
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}
	if err := config.SaveConfig(path, config.DefaultConfig()); err != nil {
		return err
	}
	fmt.Println("Config written to", path)
	return nil
}

func setupLogging(cfg *config.Config) {
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	if !cfg.Logging.FileEnabled {
		return
	}
	err := logger.EnableFileLoggingWithRotation(cfg.LogFilePath(),
		cfg.Logging.RotationEnabled, cfg.Logging.MaxSizeMB, cfg.Logging.MaxAgeDays)
	if err != nil {
		logger.WarnCF("main", "File logging unavailable", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func newRecognizer(cfg config.OCRConfig) ocr.Recognizer {
	if cfg.Engine == "gosseract" {
		return ocr.NewGosseract(cfg.TessdataDir, cfg.PageSegMode)
	}
	return ocr.NewTesseractCLI(cfg.BinaryPath, cfg.TessdataDir, cfg.PageSegMode)
}

func newSynthesizer(cfg config.SpeechConfig) (*failover.Synthesizer, error) {
	primary, ok := speech.New(cfg.Engine, cfg.GTTSPath, cfg.ESpeakPath)
	if !ok {
		return nil, fmt.Errorf("unknown speech engine %q", cfg.Engine)
	}
	var fallbacks []speech.Synthesizer
	for _, name := range cfg.Fallbacks {
		fb, ok := speech.New(name, cfg.GTTSPath, cfg.ESpeakPath)
		if !ok {
			return nil, fmt.Errorf("unknown speech fallback %q", name)
		}
		fallbacks = append(fallbacks, fb)
	}
	return failover.NewSynthesizer(primary, fallbacks, cfg.FailoverHold()), nil
}

func newMapping(cfg config.LanguageConfig) (language.Mapping, error) {
	m := language.DefaultMapping()
	if cfg.DefaultLocale == "" {
		return m, nil
	}
	tag, err := xlanguage.Parse(cfg.DefaultLocale)
	if err != nil {
		return m, fmt.Errorf("invalid default locale %q: %w", cfg.DefaultLocale, err)
	}
	return m.WithFallback(tag), nil
}

func runGateway(consoleOnly bool) error {
	cfg, err := config.LoadConfig(configPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if consoleOnly {
		cfg.Channels = config.ChannelsConfig{Console: cfg.Channels.Console}
		cfg.Channels.Console.Enabled = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	setupLogging(cfg)
	defer logger.DisableFileLogging()

	mapping, err := newMapping(cfg.Language)
	if err != nil {
		return err
	}
	synth, err := newSynthesizer(cfg.Speech)
	if err != nil {
		return err
	}

	workDir := cfg.WorkDirPath()
	if err := artifacts.EnsureDir(workDir); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	msgBus := bus.NewMessageBus(cfg.Pipeline.QueueSize)
	manager := channels.NewManager(cfg, msgBus)
	registry := artifacts.NewRegistry()
	stats := usage.NewStore(0)

	orch := pipeline.NewOrchestrator(pipeline.Deps{
		Allocator:   artifacts.NewAllocator(workDir),
		Recognizer:  newRecognizer(cfg.OCR),
		Classifier:  language.NewWhatlang(cfg.Language.MinLength),
		Mapping:     mapping,
		Synthesizer: synth,
		Replier:     manager,
	}, pipeline.Options{
		Hints:           cfg.OCR.Languages,
		DownloadTimeout: cfg.Pipeline.DownloadTimeout(),
		OCRTimeout:      cfg.Pipeline.OCRTimeout(),
		TTSTimeout:      cfg.Pipeline.TTSTimeout(),
		DeliveryTimeout: cfg.Pipeline.DeliveryTimeout(),
		MaxImageBytes:   cfg.Pipeline.MaxImageBytes(),
		Acknowledge:     cfg.Pipeline.Acknowledge,
	})
	sup := supervisor.New(msgBus, orch, registry, stats, cfg.Pipeline.MaxConcurrent)

	var consoleDone <-chan struct{}
	if ch, ok := manager.GetChannel("console"); ok {
		if console, ok := ch.(*channels.ConsoleChannel); ok {
			console.Stats = func() string {
				records := stats.Query(usage.Filter{})
				return strings.TrimRight(usage.Summary(usage.AggregateRecords(records), usage.ChannelBreakdown(records)), "\n")
			}
			consoleDone = console.Done()
		}
	}

	if cfg.Janitor.Enabled {
		janitor, err := artifacts.NewJanitor(workDir, cfg.Janitor.Schedule, cfg.Janitor.MaxAge(), registry.IsLive)
		if err != nil {
			return err
		}
		go janitor.Run(ctx)
	}

	var healthSrv *health.Server
	if !consoleOnly {
		healthSrv = health.NewServer(cfg.Gateway.Host, cfg.Gateway.Port, health.Sources{
			Stats:    stats,
			Speech:   synth.Snapshot,
			LiveJobs: registry.IDs,
			Channels: manager.EnabledChannels,
		})
		if err := healthSrv.Start(); err != nil {
			return err
		}
	}

	if err := manager.StartAll(ctx); err != nil {
		return err
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	supDone := make(chan error, 1)
	go func() { supDone <- sup.Run(runCtx) }()

	logger.InfoCF("main", "ocrvoice started", map[string]interface{}{
		"version":        version,
		"channels":       manager.EnabledChannels(),
		"ocr_engine":     cfg.OCR.Engine,
		"speech_engine":  synth.Name(),
		"max_concurrent": cfg.Pipeline.MaxConcurrent,
		"work_dir":       workDir,
	})

	select {
	case <-ctx.Done():
	case <-consoleDone:
	}
	logger.InfoC("main", "Shutting down")

	// Queued messages still run; channels close after the last reply.
	msgBus.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.Pipeline.OCRTimeout())
	defer cancel()
	select {
	case err = <-supDone:
	case <-shutdownCtx.Done():
		cancelRun()
		err = <-supDone
	}

	manager.StopAll(shutdownCtx)
	if healthSrv != nil {
		stopCtx, cancelStop := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelStop()
		_ = healthSrv.Stop(stopCtx)
	}
	return err
}
