package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ruteri/cvm-deployer/cmd/flags"
	"github.com/ruteri/cvm-deployer/compose"
	"github.com/ruteri/cvm-deployer/config"
	"github.com/ruteri/cvm-deployer/cryptoutils"
	"github.com/ruteri/cvm-deployer/deploy"
	"github.com/ruteri/cvm-deployer/interfaces"
	"github.com/ruteri/cvm-deployer/storage"
	"github.com/urfave/cli/v2"
)

var flagProfile *cli.StringFlag = &cli.StringFlag{
	Name:    "profile",
	EnvVars: []string{"CVM_PROFILE"},
	Usage:   "YAML deployment profile, the built-in eliza profile when unset",
}
var flagComposeFile *cli.StringFlag = &cli.StringFlag{
	Name:  "compose-file",
	Usage: "docker compose file location, overrides the profile",
}
var flagPreLaunchScript *cli.StringFlag = &cli.StringFlag{
	Name:  "pre-launch-script",
	Usage: "pre-launch script location",
}
var flagWithEnv *cli.BoolFlag = &cli.BoolFlag{
	Name:  "with-env",
	Usage: "resolve the profile env and send it encrypted to the CVM key",
}
var flagTeepodID *cli.IntFlag = &cli.IntFlag{
	Name:  "teepod-id",
	Usage: "teepod to place the replica on, the source teepod when unset",
}
var flagKMSID *cli.StringFlag = &cli.StringFlag{
	Name:  "kms-id",
	Value: "testnet-kms-1",
	Usage: "KMS the app is provisioned with",
}

func main() {
	app := &cli.App{
		Name:  "cvm-deployer",
		Usage: "Deploy confidential VMs with encrypted environment variables",
		Flags: append([]cli.Flag{
			flags.EnvFileFlag,
			flags.APIEndpointFlag,
			flags.RetriesFlag,
			flagProfile,
			flags.LogServiceFlagFn("cvm-deployer"),
		}, flags.LoggingFlags...),
		Action: deployAction,
		Commands: []*cli.Command{
			{
				Name:   "deploy",
				Usage:  "Deploy the profile as a new CVM",
				Flags:  []cli.Flag{flagComposeFile},
				Action: deployAction,
			},
			{
				Name:   "teepods",
				Usage:  "List the available teepods",
				Action: teepodsAction,
			},
			{
				Name:      "compose",
				Usage:     "Show the compose manifest and env pubkey of a CVM",
				ArgsUsage: "<cvm-id>",
				Action:    composeAction,
			},
			{
				Name:      "update-compose",
				Usage:     "Update the compose manifest of a CVM",
				ArgsUsage: "<cvm-id>",
				Flags:     []cli.Flag{flagComposeFile, flagPreLaunchScript, flagWithEnv},
				Action:    updateComposeAction,
			},
			{
				Name:      "replicate",
				Usage:     "Start a replica of a CVM",
				ArgsUsage: "<vm-uuid>",
				Flags:     []cli.Flag{flagTeepodID, flagWithEnv},
				Action:    replicateAction,
			},
			{
				Name:      "replicas",
				Usage:     "List the CVMs of an app",
				ArgsUsage: "<app-id>",
				Action:    replicasAction,
			},
			provisionCommand,
			registerAppCommand,
			commitCommand,
			provisionUpdateCommand,
			registerComposeHashCommand,
			commitUpdateCommand,
			{
				Name:      "encrypt-env",
				Usage:     "Encrypt the profile env to a public key and print the blob",
				ArgsUsage: "<pubkey-hex>",
				Action:    encryptEnvAction,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Deployment failed:", err)
		stop()
		os.Exit(1)
	}
}

// session is what every command needs: logger, environment, profile and
// payload sources.
type session struct {
	log     *slog.Logger
	env     *config.Environment
	profile *config.Profile
	sources *storage.SourceFactory
}

func newSession(cCtx *cli.Context) (*session, error) {
	logger := flags.SetupLogger(cCtx)

	env, err := flags.LoadEnvironment(cCtx)
	if err != nil {
		return nil, err
	}

	profile := config.DefaultProfile()
	if path := cCtx.String(flagProfile.Name); path != "" {
		profile, err = config.LoadProfile(path)
		if err != nil {
			return nil, err
		}
	}

	sources := storage.NewSourceFactory(logger)
	sources.GitHubToken, _ = env.Lookup("GITHUB_TOKEN")
	sources.VaultToken, _ = env.Lookup("VAULT_TOKEN")

	return &session{log: logger, env: env, profile: profile, sources: sources}, nil
}

// checkEnv reports the API key together with every variable of required
// missing from envs.
func (s *session) checkEnv(envs interfaces.EnvVars, required []string) error {
	return config.CheckRequiredIn(
		config.RequiredIn{Lookup: s.env.Lookup, Names: []string{config.EnvAPIKey}},
		config.RequiredIn{Lookup: envs.Lookup, Names: required},
	)
}

// deployer checks for the API key before anything reaches the network.
func (s *session) deployer(cCtx *cli.Context) (*deploy.Deployer, error) {
	if err := s.env.Require(config.EnvAPIKey); err != nil {
		return nil, err
	}
	return deploy.NewDeployer(flags.NewAPIClient(cCtx, s.env, s.log), s.log), nil
}

// composeFile loads the compose file named by flagComposeFile or the
// profile, and falls back to the built-in eliza compose file.
func (s *session) composeFile(cCtx *cli.Context) (string, *compose.Manifest, error) {
	location := s.profile.Compose.File
	if cCtx.IsSet(flagComposeFile.Name) {
		location = cCtx.String(flagComposeFile.Name)
	}

	raw := compose.Default()
	if location != "" {
		data, err := s.sources.Load(cCtx.Context, location)
		if err != nil {
			return "", nil, err
		}
		raw = string(data)
	}

	manifest, err := compose.Parse(raw)
	if err != nil {
		return "", nil, err
	}
	return raw, manifest, nil
}

func (s *session) resolveEnv(cCtx *cli.Context) (interfaces.EnvVars, error) {
	return s.profile.ResolveEnv(cCtx.Context, s.env.Lookup, s.sources.LoadBase64)
}

func (s *session) warnMissingEnv(manifest *compose.Manifest, envs interfaces.EnvVars) {
	if missing := manifest.MissingEnv(envs); len(missing) > 0 {
		s.log.Warn("Compose file references variables not in the env", "missing", missing)
	}
}

func deployAction(cCtx *cli.Context) error {
	s, err := newSession(cCtx)
	if err != nil {
		return err
	}

	if err := s.profile.Validate(); err != nil {
		return err
	}

	raw, manifest, err := s.composeFile(cCtx)
	if err != nil {
		return err
	}

	envs, err := s.resolveEnv(cCtx)
	if err != nil {
		return err
	}
	s.warnMissingEnv(manifest, envs)
	if err := s.checkEnv(envs, s.profile.RequiredEnv()); err != nil {
		return err
	}

	d, err := s.deployer(cCtx)
	if err != nil {
		return err
	}

	cvm, err := d.Deploy(cCtx.Context, deploy.Request{
		Config:   s.profile.VMConfig(raw),
		Env:      envs,
		Required: s.profile.RequiredEnv(),
	})
	if err != nil {
		reportAPIError(os.Stderr, "deploy CVM", err)
		return err
	}

	return printResult(os.Stdout, "Deployment successful:", cvm.Raw)
}

func teepodsAction(cCtx *cli.Context) error {
	s, err := newSession(cCtx)
	if err != nil {
		return err
	}
	d, err := s.deployer(cCtx)
	if err != nil {
		return err
	}

	teepods, err := d.API.AvailableTeepods(cCtx.Context)
	if err != nil {
		reportAPIError(os.Stderr, "list teepods", err)
		return err
	}
	return printResult(os.Stdout, "", teepods)
}

func composeAction(cCtx *cli.Context) error {
	cvmID, err := requireArg(cCtx, 0, "cvm-id")
	if err != nil {
		return err
	}
	s, err := newSession(cCtx)
	if err != nil {
		return err
	}
	d, err := s.deployer(cCtx)
	if err != nil {
		return err
	}

	state, err := d.API.GetCompose(cCtx.Context, cvmID)
	if err != nil {
		reportAPIError(os.Stderr, "fetch compose", err)
		return err
	}
	return printResult(os.Stdout, "", state)
}

func updateComposeAction(cCtx *cli.Context) error {
	cvmID, err := requireArg(cCtx, 0, "cvm-id")
	if err != nil {
		return err
	}
	s, err := newSession(cCtx)
	if err != nil {
		return err
	}

	var composeFile, preLaunchScript string
	if cCtx.IsSet(flagComposeFile.Name) {
		raw, _, err := s.composeFile(cCtx)
		if err != nil {
			return err
		}
		composeFile = raw
	}
	if location := cCtx.String(flagPreLaunchScript.Name); location != "" {
		data, err := s.sources.Load(cCtx.Context, location)
		if err != nil {
			return err
		}
		preLaunchScript = string(data)
	}

	var envs interfaces.EnvVars
	if cCtx.Bool(flagWithEnv.Name) {
		if envs, err = s.resolveEnv(cCtx); err != nil {
			return err
		}
		if err := s.checkEnv(envs, s.profile.RequiredEnv()); err != nil {
			return err
		}
	}

	d, err := s.deployer(cCtx)
	if err != nil {
		return err
	}

	resp, err := d.UpdateCompose(cCtx.Context, cvmID, func(m *interfaces.ComposeManifest) error {
		if composeFile != "" {
			m.DockerComposeFile = composeFile
		}
		if preLaunchScript != "" {
			m.PreLaunchScript = preLaunchScript
		}
		return nil
	}, envs)
	if err != nil {
		reportAPIError(os.Stderr, "update compose", err)
		return err
	}
	return printResult(os.Stdout, "Update successful:", resp)
}

func replicateAction(cCtx *cli.Context) error {
	vmUUID, err := requireArg(cCtx, 0, "vm-uuid")
	if err != nil {
		return err
	}
	s, err := newSession(cCtx)
	if err != nil {
		return err
	}

	var teepodID *int
	if cCtx.IsSet(flagTeepodID.Name) {
		id := cCtx.Int(flagTeepodID.Name)
		teepodID = &id
	}

	var envs interfaces.EnvVars
	if cCtx.Bool(flagWithEnv.Name) {
		if envs, err = s.resolveEnv(cCtx); err != nil {
			return err
		}
	}

	d, err := s.deployer(cCtx)
	if err != nil {
		return err
	}

	cvm, err := d.Replicate(cCtx.Context, vmUUID, teepodID, envs)
	if err != nil {
		reportAPIError(os.Stderr, "replicate CVM", err)
		return err
	}
	return printResult(os.Stdout, "Replica created:", cvm.Raw)
}

func replicasAction(cCtx *cli.Context) error {
	appID, err := requireArg(cCtx, 0, "app-id")
	if err != nil {
		return err
	}
	s, err := newSession(cCtx)
	if err != nil {
		return err
	}
	d, err := s.deployer(cCtx)
	if err != nil {
		return err
	}

	cvms, err := d.API.ListAppCVMs(cCtx.Context, appID)
	if err != nil {
		reportAPIError(os.Stderr, "list replicas", err)
		return err
	}
	return printResult(os.Stdout, "", cvms)
}

func encryptEnvAction(cCtx *cli.Context) error {
	pubkey, err := requireArg(cCtx, 0, "pubkey-hex")
	if err != nil {
		return err
	}
	s, err := newSession(cCtx)
	if err != nil {
		return err
	}

	envs, err := s.resolveEnv(cCtx)
	if err != nil {
		return err
	}
	if err := config.CheckRequired(envs.Lookup, s.profile.RequiredEnv()); err != nil {
		return err
	}

	blob, err := cryptoutils.NewEnvEncryptor(nil).EncryptEnvVars(envs, pubkey)
	if err != nil {
		return err
	}
	s.log.Debug("Encrypted env", "keys", envs.Keys(), "pubkey", pubkey)
	fmt.Println(blob)
	return nil
}

func requireArg(cCtx *cli.Context, i int, name string) (string, error) {
	arg := cCtx.Args().Get(i)
	if arg == "" {
		return "", fmt.Errorf("missing argument <%s>", name)
	}
	return arg, nil
}

// defaultAppName is the name of the working directory, as provisioned apps are
// usually deployed from their project root.
func defaultAppName() string {
	wd, err := os.Getwd()
	if err != nil {
		return "app"
	}
	return filepath.Base(wd)
}
