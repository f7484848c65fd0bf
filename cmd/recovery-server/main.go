package main

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/keyhaven/guardian-recovery-backend/common"
	"github.com/keyhaven/guardian-recovery-backend/frostclient"
	"github.com/keyhaven/guardian-recovery-backend/httpserver"
	"github.com/keyhaven/guardian-recovery-backend/interfaces"
	"github.com/keyhaven/guardian-recovery-backend/notifier"
	"github.com/keyhaven/guardian-recovery-backend/recovery"
	"github.com/keyhaven/guardian-recovery-backend/rewrap"
	"github.com/keyhaven/guardian-recovery-backend/storage"
	"github.com/keyhaven/guardian-recovery-backend/twofactor"
	"github.com/urfave/cli/v2"
)

var flags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8080",
		Usage: "address to listen on for API",
	},
	&cli.StringFlag{
		Name:  "metrics-addr",
		Value: "127.0.0.1:8090",
		Usage: "address to listen on for Prometheus metrics",
	},
	&cli.StringFlag{
		Name:  "db-path",
		Value: "recovery.db",
		Usage: "path to the SQLite database file",
	},
	&cli.StringFlag{
		Name:  "signer-addr",
		Value: "http://127.0.0.1:9000",
		Usage: "base URL of the FROST signing coordinator",
	},
	&cli.StringFlag{
		Name:  "notifier-endpoint",
		Value: "",
		Usage: "guardian notification delivery webhook URL (log-only if empty)",
	},
	&cli.StringFlag{
		Name:  "recovery-kek",
		Value: "",
		Usage: "hex-encoded 32-byte recovery key-encryption key",
	},
	&cli.StringFlag{
		Name:  "two-factor-key",
		Value: "",
		Usage: "hex-encoded 32-byte key sealing two-factor material at rest",
	},
	&cli.IntFlag{
		Name:  "max-starts",
		Value: recovery.DefaultRatePolicy.MaxStarts,
		Usage: "maximum recovery starts per user per window",
	},
	&cli.Int64Flag{
		Name:  "rate-window-hours",
		Value: int64(recovery.DefaultRatePolicy.Window / time.Hour),
		Usage: "rolling rate-limit window in hours",
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Value: false,
		Usage: "log debug messages",
	},
	&cli.BoolFlag{
		Name:  "log-uid",
		Value: false,
		Usage: "generate a uuid and add to all log messages",
	},
	&cli.StringFlag{
		Name:  "log-service",
		Value: "guardian-recovery",
		Usage: "add 'service' tag to logs",
	},
	&cli.BoolFlag{
		Name:  "pprof",
		Value: false,
		Usage: "enable pprof debug endpoint",
	},
	&cli.Int64Flag{
		Name:  "drain-seconds",
		Value: 45,
		Usage: "seconds to wait in drain HTTP request",
	},
}

func parseKey(name, value string) ([]byte, error) {
	if value == "" {
		return nil, fmt.Errorf("%s is required", name)
	}
	key, err := hex.DecodeString(value)
	if err != nil || len(key) != 32 {
		return nil, fmt.Errorf("invalid %s: must be 64 hex chars (32 bytes)", name)
	}
	return key, nil
}

func main() {
	app := &cli.App{
		Name:  "recovery-server",
		Usage: "Serve the guardian-based account recovery API",
		Flags: flags,
		Action: func(cCtx *cli.Context) error {
			listenAddr := cCtx.String("listen-addr")
			metricsAddr := cCtx.String("metrics-addr")
			dbPath := cCtx.String("db-path")
			signerAddr := cCtx.String("signer-addr")
			notifierEndpoint := cCtx.String("notifier-endpoint")
			logJSON := cCtx.Bool("log-json")
			logDebug := cCtx.Bool("log-debug")
			logUID := cCtx.Bool("log-uid")
			logService := cCtx.String("log-service")
			enablePprof := cCtx.Bool("pprof")
			drainDuration := time.Duration(cCtx.Int64("drain-seconds")) * time.Second

			logger := common.SetupLogger(&common.LoggingOpts{
				Debug:   logDebug,
				JSON:    logJSON,
				Service: logService,
				Version: common.Version,
			})

			if logUID {
				id := uuid.Must(uuid.NewRandom())
				logger = logger.With("uid", id.String())
			}

			recoveryKEK, err := parseKey("recovery-kek", cCtx.String("recovery-kek"))
			if err != nil {
				logger.Error("Invalid key flag", "err", err)
				return err
			}
			twoFactorKey, err := parseKey("two-factor-key", cCtx.String("two-factor-key"))
			if err != nil {
				logger.Error("Invalid key flag", "err", err)
				return err
			}

			logger.Info("Opening recovery store", "path", dbPath)
			store, err := storage.Open(dbPath)
			if err != nil {
				logger.Error("Failed to open store", "err", err)
				return err
			}
			defer store.Close()

			signer := &frostclient.Client{ServerAddr: signerAddr}

			var guardianNotifier interfaces.GuardianNotifier
			if notifierEndpoint != "" {
				logger.Info("Using webhook guardian notifier", "endpoint", notifierEndpoint)
				guardianNotifier = &notifier.WebhookNotifier{Endpoint: notifierEndpoint}
			} else {
				logger.Info("No notifier endpoint configured, logging deliveries only")
				guardianNotifier = &notifier.LogNotifier{Log: logger}
			}

			twoFactorVerifier, err := twofactor.NewVerifier(store, twoFactorKey, logger)
			if err != nil {
				logger.Error("Failed to create two-factor verifier", "err", err)
				return err
			}

			policy := recovery.RatePolicy{
				MaxStarts: cCtx.Int("max-starts"),
				Window:    time.Duration(cCtx.Int64("rate-window-hours")) * time.Hour,
			}
			recoverySvc := recovery.NewService(store, signer, guardianNotifier, twoFactorVerifier, policy, logger)

			rewrapEngine, err := rewrap.NewEngine(store, recoveryKEK, logger)
			if err != nil {
				logger.Error("Failed to create rewrap engine", "err", err)
				return err
			}

			cfg := &httpserver.HTTPServerConfig{
				ListenAddr:               listenAddr,
				MetricsAddr:              metricsAddr,
				Log:                      logger,
				EnablePprof:              enablePprof,
				DrainDuration:            drainDuration,
				GracefulShutdownDuration: 30 * time.Second,
				ReadTimeout:              60 * time.Second,
				WriteTimeout:             30 * time.Second,
			}

			handler := httpserver.NewHandler(recoverySvc, rewrapEngine, logger)
			server, err := httpserver.New(cfg, handler)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			logger.Info("Starting server")
			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			logger.Info("Server shutdown complete")

			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
