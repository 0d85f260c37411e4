package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/cvm-deployer/common"
	"github.com/ruteri/cvm-deployer/config"
	"github.com/ruteri/cvm-deployer/cvmapi"
	"github.com/ruteri/cvm-deployer/devcloud"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

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
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string) *devcloud.Config {
	enablePprof := cCtx.Bool(PprofFlag.Name)
	drainDuration := time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second

	return &devcloud.Config{
		ListenAddr:               listenAddr,
		Log:                      logger,
		EnablePprof:              enablePprof,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

// LoadEnvironment reads the dotenv file named by EnvFileFlag. The default
// file may be absent, an explicitly given one may not.
func LoadEnvironment(cCtx *cli.Context) (*config.Environment, error) {
	return config.LoadEnvironment(config.EnvironmentOpts{
		DotenvFile:     cCtx.String(EnvFileFlag.Name),
		DotenvOptional: !cCtx.IsSet(EnvFileFlag.Name),
	})
}

// NewAPIClient creates a CVM API client from the environment, with the
// endpoint and retry flags applied over it.
func NewAPIClient(cCtx *cli.Context, env *config.Environment, logger *slog.Logger) *cvmapi.Client {
	client := cvmapi.NewClient(APIEndpoint(cCtx, env), env.APIKey, logger)
	client.Retry.MaxTries = cCtx.Uint(RetriesFlag.Name)
	return client
}

// APIEndpoint is the --api-endpoint flag, or the environment's endpoint when unset.
func APIEndpoint(cCtx *cli.Context, env *config.Environment) string {
	if cCtx.IsSet(APIEndpointFlag.Name) {
		return cCtx.String(APIEndpointFlag.Name)
	}
	return env.APIEndpoint
}

var EnvFileFlag = &cli.StringFlag{
	Name:  "env-file",
	Value: config.DefaultDotenvFile,
	Usage: "dotenv file to read before the process environment",
}

var APIEndpointFlag = &cli.StringFlag{
	Name:  "api-endpoint",
	Usage: "CVM API base URL, overrides " + config.EnvAPIEndpoint,
}

var RetriesFlag = &cli.UintFlag{
	Name:  "retries",
	Value: 1,
	Usage: "attempts for idempotent API calls, 1 disables retries",
}

var RpcAddrFlag = &cli.StringFlag{
	Name:    "rpc-addr",
	Usage:   "address to connect to RPC",
	EnvVars: []string{"RPC_ADDR"},
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}

var LoggingFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
}

var CommonFlags = append(append([]cli.Flag{}, LoggingFlags...), PprofFlag, DrainSecondsFlag)
