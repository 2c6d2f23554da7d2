package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KevoDB/rwwee/pkg/common/log"
	"github.com/KevoDB/rwwee/pkg/config"
	"github.com/KevoDB/rwwee/pkg/eeprom"
	"github.com/KevoDB/rwwee/pkg/nor"
	"github.com/KevoDB/rwwee/pkg/telemetry"
)

const version = "0.3.0"

// Config holds the application configuration
type Config struct {
	ImagePath   string
	Format      bool
	Compact     bool
	ServerMode  bool
	ListenAddr  string
	TLSEnabled  bool
	TLSCertFile string
	TLSKeyFile  string
	Telemetry   bool
	LogLevel    string
}

func main() {
	cfg := parseFlags()

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	logger := log.NewStandardLogger(log.WithLevel(level), log.WithOutput(os.Stderr))
	log.SetDefaultLogger(logger)

	tel, err := setupTelemetry(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing telemetry: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error shutting down telemetry: %v\n", err)
		}
	}()

	img, err := openImage(cfg, logger, tel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening image: %v\n", err)
		os.Exit(1)
	}
	defer img.close()

	if cfg.ServerMode {
		runServer(img, cfg, tel)
		return
	}
	runInteractive(img)
}

// parseFlags parses command line flags and returns a Config
func parseFlags() Config {
	format := flag.Bool("format", false, "Format the emulated EEPROM before initializing it")
	compact := flag.Bool("compact", false, "Use the compact geometry when creating a new image")
	serverMode := flag.Bool("server", false, "Run in server mode, exposing a gRPC API")
	listenAddr := flag.String("address", "localhost:50061", "Address to listen on in server mode")
	tlsEnabled := flag.Bool("tls", false, "Enable TLS for the gRPC server")
	tlsCertFile := flag.String("cert", "", "TLS certificate file")
	tlsKeyFile := flag.String("key", "", "TLS key file")
	tel := flag.Bool("telemetry", false, "Enable OpenTelemetry export (configured through RWWEE_TELEMETRY_* variables)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: rwwee [options] IMAGE\n\n")
		fmt.Fprintf(os.Stderr, "Emulates a wear-leveled EEPROM on the NOR flash image IMAGE.\n")
		fmt.Fprintf(os.Stderr, "The image and its manifest (IMAGE%s) are created if missing.\n\n", config.ManifestSuffix)
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	return Config{
		ImagePath:   flag.Arg(0),
		Format:      *format,
		Compact:     *compact,
		ServerMode:  *serverMode,
		ListenAddr:  *listenAddr,
		TLSEnabled:  *tlsEnabled,
		TLSCertFile: *tlsCertFile,
		TLSKeyFile:  *tlsKeyFile,
		Telemetry:   *tel,
		LogLevel:    *logLevel,
	}
}

func setupTelemetry(cfg Config) (telemetry.Telemetry, error) {
	if !cfg.Telemetry {
		return telemetry.NewNoop(), nil
	}
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version
	tc.LoadFromEnv()
	return telemetry.New(tc)
}

// image bundles a flash image file with its manifest and the emulator
// running on it.
type image struct {
	path     string
	chip     *nor.Chip
	manifest *config.Manifest
	engine   *eeprom.Engine
	logger   log.Logger
}

// openImage loads or creates the manifest next to the image, opens the flash
// file and brings the emulator up. A freshly created image is always
// formatted.
func openImage(cfg Config, logger log.Logger, tel telemetry.Telemetry) (*image, error) {
	mpath := config.ManifestPath(cfg.ImagePath)
	created := false

	manifest, err := config.LoadManifest(mpath)
	if errors.Is(err, config.ErrManifestNotFound) {
		base := config.NewDefaultConfig()
		if cfg.Compact {
			base = config.NewCompactConfig()
		}
		manifest, err = config.NewManifest(mpath, base)
		if err != nil {
			return nil, err
		}
		if err := manifest.Save(); err != nil {
			return nil, err
		}
		created = true
	}
	if err != nil {
		return nil, err
	}

	eecfg := manifest.GetConfig()
	chip, err := nor.OpenFileChip(cfg.ImagePath, nor.GeometryFromConfig(eecfg), nor.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	eng, err := eeprom.New(eecfg, chip, eeprom.WithLogger(logger), eeprom.WithTelemetry(tel))
	if err != nil {
		chip.Close()
		return nil, err
	}

	img := &image{
		path:     cfg.ImagePath,
		chip:     chip,
		manifest: manifest,
		engine:   eng,
		logger:   logger.WithField("image", cfg.ImagePath),
	}

	if created || cfg.Format {
		if err := img.format(); err != nil {
			img.close()
			return nil, err
		}
	}

	if err := eng.Init(); err != nil {
		if errors.Is(err, eeprom.ErrNotFormatted) {
			fmt.Fprintf(os.Stderr, "Image is not formatted, use .format or -format\n")
			return img, nil
		}
		img.close()
		return nil, err
	}
	return img, nil
}

// format formats the emulator region and records the event in the manifest.
func (img *image) format() error {
	if err := img.engine.Format(); err != nil {
		return err
	}
	img.manifest.RecordEvent(config.EventFormat)
	return img.manifest.Save()
}

func (img *image) close() {
	if err := img.engine.Close(); err != nil && !errors.Is(err, eeprom.ErrNoDevice) {
		img.logger.Error("Failed to flush emulator: %v", err)
	}
	if err := img.chip.Close(); err != nil {
		img.logger.Error("Failed to close flash image: %v", err)
	}
}

// runServer initializes and runs the gRPC server
func runServer(img *image, cfg Config, tel telemetry.Telemetry) {
	server := NewServer(img.engine, cfg, tel)

	if err := server.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting server: %v\n", err)
		return
	}

	fmt.Printf("rwwee server started on %s\n", server.Addr())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error shutting down server: %v\n", err)
		}
	}()

	// Serve returns once Shutdown stopped the server; the image is closed by
	// the defer in main.
	if err := server.Serve(); err != nil {
		fmt.Fprintf(os.Stderr, "Error serving: %v\n", err)
	}
	fmt.Println("Shutdown complete")
}
