package main

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/cvm-deployer/cmd/flags"
	"github.com/ruteri/cvm-deployer/devcloud"
	"github.com/urfave/cli/v2"
)

var flagListenAddr *cli.StringFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for API",
}
var flagAPIKey *cli.StringFlag = &cli.StringFlag{
	Name:     "api-key",
	Required: true,
	EnvVars:  []string{"PHALA_CLOUD_API_KEY"},
	Usage:    "API key clients must send in x-api-key",
}

var flagKMSSeed *cli.StringFlag = &cli.StringFlag{
	Name:  "kms-seed",
	Usage: "hex-encoded 32-byte seed KMS app keys are derived from, random when unset",
}

func main() {
	app := &cli.App{
		Name:  "devcloud",
		Usage: "Serve an in-memory CVM API for local deployments",
		Flags: append([]cli.Flag{
			flagListenAddr,
			flagAPIKey,
			flagKMSSeed,
			flags.LogServiceFlagFn("devcloud"),
		}, flags.CommonFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			cfg := flags.ConfigureServer(cCtx, logger, cCtx.String(flagListenAddr.Name))
			cfg.APIKey = cCtx.String(flagAPIKey.Name)
			cfg.Teepods = devcloud.DefaultTeepods()
			cfg.KMS = devcloud.DefaultKMS()

			if kmsSeed := cCtx.String(flagKMSSeed.Name); kmsSeed != "" {
				seed, err := hex.DecodeString(kmsSeed)
				if err != nil || len(seed) != 32 {
					logger.Error("Invalid kms-seed - must be 64 hex chars (32 bytes)", "err", err)
					return fmt.Errorf("invalid kms-seed: %v", err)
				}
				cfg.KMSSeed = seed
			}

			server, err := devcloud.New(cfg)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			logger.Info("Starting server",
				"api", "http://"+cfg.ListenAddr+devcloud.APIPrefix,
				"kmsSigner", server.Handler().KMSSigner().Hex())
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
