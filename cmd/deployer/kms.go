package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ruteri/cvm-deployer/cmd/flags"
	"github.com/ruteri/cvm-deployer/config"
	"github.com/ruteri/cvm-deployer/deploy"
	"github.com/ruteri/cvm-deployer/interfaces"
	"github.com/urfave/cli/v2"
)

var flagName *cli.StringFlag = &cli.StringFlag{
	Name:  "name",
	Usage: "app name, the working directory name when unset",
}
var flagImage *cli.StringFlag = &cli.StringFlag{
	Name:  "image",
	Value: "dstack-0.5.1",
	Usage: "OS image",
}
var flagNodeID *cli.IntFlag = &cli.IntFlag{
	Name:  "node-id",
	Value: 7,
	Usage: "node to provision the CVM on",
}
var flagVCPU *cli.IntFlag = &cli.IntFlag{
	Name:  "vcpu",
	Value: 1,
	Usage: "virtual CPUs",
}
var flagMemory *cli.IntFlag = &cli.IntFlag{
	Name:  "memory",
	Value: 1024,
	Usage: "memory in MB",
}
var flagDiskSize *cli.IntFlag = &cli.IntFlag{
	Name:  "disk-size",
	Value: 40,
	Usage: "disk size in GB",
}
var flagKMSContract *cli.StringFlag = &cli.StringFlag{
	Name:  "kms-contract",
	Usage: "KMS contract address, fetched from the API using --kms-id when unset",
}
var flagOwner *cli.StringFlag = &cli.StringFlag{
	Name:  "owner",
	Usage: "app owner address, the --privkey address when unset",
}
var flagPrivateKey *cli.StringFlag = &cli.StringFlag{
	Name:    "privkey",
	EnvVars: []string{"PRIVATE_KEY"},
	Usage:   "Private key to send the registration with",
}
var flagContractAddress *cli.StringFlag = &cli.StringFlag{
	Name:     "contract-address",
	Required: true,
	Usage:    "app contract address created by the registration",
}

var flagKMSSigner *cli.StringFlag = &cli.StringFlag{
	Name:  "kms-signer",
	Usage: "address the KMS env pubkey must be signed by",
}

var provisionCommand = &cli.Command{
	Name:      "provision",
	Usage:     "Provision a CVM against an onchain KMS",
	ArgsUsage: "<compose-file>",
	Flags:     []cli.Flag{flagName, flagImage, flagNodeID, flagVCPU, flagMemory, flagDiskSize, flagKMSID, flagOwner},
	Action: func(cCtx *cli.Context) error {
		location, err := requireArg(cCtx, 0, "compose-file")
		if err != nil {
			return err
		}
		s, err := newSession(cCtx)
		if err != nil {
			return err
		}

		composeFile, err := s.sources.Load(cCtx.Context, location)
		if err != nil {
			return err
		}

		name := cCtx.String(flagName.Name)
		if name == "" {
			name = defaultAppName()
		}

		d, err := s.deployer(cCtx)
		if err != nil {
			return err
		}

		provisioned, err := d.Provision(cCtx.Context, interfaces.ProvisionRequest{
			Name:        name,
			Image:       cCtx.String(flagImage.Name),
			VCPU:        cCtx.Int(flagVCPU.Name),
			Memory:      cCtx.Int(flagMemory.Name),
			DiskSize:    cCtx.Int(flagDiskSize.Name),
			ComposeFile: interfaces.ProvisionComposeFile{DockerComposeFile: string(composeFile)},
			NodeID:      cCtx.Int(flagNodeID.Name),
			KMSID:       cCtx.String(flagKMSID.Name),
		})
		if err != nil {
			reportAPIError(os.Stderr, "provision CVM", err)
			return err
		}

		result := provisioned.Result
		fmt.Println("Provision succeeded!")
		fmt.Println("app_id:", result.AppID)
		fmt.Println("fmspec:", result.Fmspec)
		fmt.Println("device_id:", result.DeviceID)
		fmt.Println("os_image_hash:", result.OSImageHash)
		fmt.Println("compose_hash:", result.ComposeHash)
		fmt.Println()
		printRegisterCommand(os.Stdout, provisioned.KMS.KMSContractAddress, cCtx.String(flagOwner.Name), result.DeviceID, result.ComposeHash)
		return nil
	},
}

var registerAppCommand = &cli.Command{
	Name:        "register-app",
	Usage:       "Register a provisioned app on the KMS contract",
	ArgsUsage:   "<device-id> <compose-hash>",
	Description: "Without --rpc-addr and --privkey the cast command doing the registration is printed instead.",
	Flags:       []cli.Flag{flagKMSContract, flagKMSID, flagOwner, flagPrivateKey, flags.RpcAddrFlag},
	Action: func(cCtx *cli.Context) error {
		deviceID, err := requireArg(cCtx, 0, "device-id")
		if err != nil {
			return err
		}
		composeHash, err := requireArg(cCtx, 1, "compose-hash")
		if err != nil {
			return err
		}
		s, err := newSession(cCtx)
		if err != nil {
			return err
		}

		kmsContract := cCtx.String(flagKMSContract.Name)
		if kmsContract == "" {
			d, err := s.deployer(cCtx)
			if err != nil {
				return err
			}
			kms, err := d.API.GetKMSInfo(cCtx.Context, cCtx.String(flagKMSID.Name))
			if err != nil {
				reportAPIError(os.Stderr, "fetch KMS", err)
				return err
			}
			kmsContract = kms.KMSContractAddress
		}
		contractAddr, err := deploy.ParseAddress(kmsContract)
		if err != nil {
			return fmt.Errorf("invalid kms contract: %w", err)
		}

		owner := cCtx.String(flagOwner.Name)
		rpcAddr := cCtx.String(flags.RpcAddrFlag.Name)
		privkey := cCtx.String(flagPrivateKey.Name)
		if rpcAddr == "" || privkey == "" {
			if _, err := deploy.NewAppRegistration(common.Address{}, deviceID, composeHash); err != nil {
				return err
			}
			printRegisterCommand(os.Stdout, contractAddr.Hex(), owner, deviceID, composeHash)
			return nil
		}

		privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privkey, "0x"))
		if err != nil {
			return fmt.Errorf("failed to parse private key: %w", err)
		}

		s.log.Info("Connecting to Ethereum RPC", "address", rpcAddr)
		client, err := ethclient.DialContext(cCtx.Context, rpcAddr)
		if err != nil {
			return fmt.Errorf("failed to dial RPC: %w", err)
		}
		defer client.Close()

		chainID, err := client.ChainID(cCtx.Context)
		if err != nil {
			return fmt.Errorf("could not fetch chain id: %w", err)
		}
		auth, err := bind.NewKeyedTransactorWithChainID(privateKey, chainID)
		if err != nil {
			return err
		}

		ownerAddr := auth.From
		if owner != "" {
			if ownerAddr, err = deploy.ParseAddress(owner); err != nil {
				return fmt.Errorf("invalid owner: %w", err)
			}
		}

		reg, err := deploy.NewAppRegistration(ownerAddr, deviceID, composeHash)
		if err != nil {
			return err
		}

		registrar := deploy.NewAppRegistrar(contractAddr, client, client, auth)
		tx, err := registrar.Submit(cCtx.Context, reg)
		if err != nil {
			return fmt.Errorf("could not submit registration: %w", err)
		}
		s.log.Info("Registration submitted", "tx", tx.Hash().Hex(), "owner", ownerAddr.Hex())

		receipt, err := registrar.WaitMined(cCtx.Context, tx.Hash())
		if err != nil {
			return err
		}
		fmt.Printf("App registered in block %s, tx %s\n", receipt.BlockNumber, tx.Hash().Hex())
		return nil
	},
}

var commitCommand = &cli.Command{
	Name:      "commit",
	Usage:     "Deploy a provisioned and registered app",
	ArgsUsage: "<app-id> <compose-hash>",
	Flags:     []cli.Flag{flagKMSID, flagKMSSigner, flagContractAddress},
	Action: func(cCtx *cli.Context) error {
		appID, err := requireArg(cCtx, 0, "app-id")
		if err != nil {
			return err
		}
		composeHash, err := requireArg(cCtx, 1, "compose-hash")
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
		if err := s.checkEnv(envs, s.profile.RequiredEnv()); err != nil {
			return err
		}

		d, err := s.deployer(cCtx)
		if err != nil {
			return err
		}

		result, err := d.Commit(cCtx.Context, deploy.CommitParams{
			KMSID:           cCtx.String(flagKMSID.Name),
			AppID:           appID,
			ComposeHash:     composeHash,
			ContractAddress: cCtx.String(flagContractAddress.Name),
			Env:             envs,
			KMSSigner:       cCtx.String(flagKMSSigner.Name),
		})
		if err != nil {
			reportAPIError(os.Stderr, "deploy CVM", err)
			return err
		}
		return printResult(os.Stdout, "Deployment successful:", result.Raw)
	},
}

var flagUpdateEnv *cli.StringFlag = &cli.StringFlag{
	Name:  "env",
	Usage: "dotenv file of the updated environment",
}

// readUpdateEnv reads the --env file, or returns an empty env when unset.
func readUpdateEnv(cCtx *cli.Context) (interfaces.EnvVars, error) {
	path := cCtx.String(flagUpdateEnv.Name)
	if path == "" {
		return interfaces.EnvVars{}, nil
	}
	return config.ReadEnvFile(path)
}

var provisionUpdateCommand = &cli.Command{
	Name:        "provision-update",
	Usage:       "Provision a compose update of a CVM deployed against an onchain KMS",
	ArgsUsage:   "<cvm-id> <compose-file>",
	Description: "The variables of the --env file become the allowed envs of the app.",
	Flags:       []cli.Flag{flagUpdateEnv},
	Action: func(cCtx *cli.Context) error {
		cvmID, err := requireArg(cCtx, 0, "cvm-id")
		if err != nil {
			return err
		}
		location, err := requireArg(cCtx, 1, "compose-file")
		if err != nil {
			return err
		}
		s, err := newSession(cCtx)
		if err != nil {
			return err
		}

		composeFile, err := s.sources.Load(cCtx.Context, location)
		if err != nil {
			return err
		}
		envs, err := readUpdateEnv(cCtx)
		if err != nil {
			return err
		}

		d, err := s.deployer(cCtx)
		if err != nil {
			return err
		}

		upd, err := d.ProvisionComposeUpdate(cCtx.Context, deploy.ComposeUpdate{
			CVMID:             cvmID,
			DockerComposeFile: string(composeFile),
			AllowedEnvs:       envs.Keys(),
		})
		if err != nil {
			reportAPIError(os.Stderr, "provision compose update", err)
			return err
		}

		printComposeHashCommand(os.Stdout, upd.CVM.ContractAddress, cvmID, upd.ComposeHash, cCtx.String(flagUpdateEnv.Name))
		return nil
	},
}

var registerComposeHashCommand = &cli.Command{
	Name:        "register-compose-hash",
	Usage:       "Allow a compose hash on an app contract",
	ArgsUsage:   "<app-contract> <compose-hash>",
	Description: "Without --rpc-addr and --privkey the cast command is printed instead.",
	Flags:       []cli.Flag{flagPrivateKey, flags.RpcAddrFlag},
	Action: func(cCtx *cli.Context) error {
		contract, err := requireArg(cCtx, 0, "app-contract")
		if err != nil {
			return err
		}
		composeHash, err := requireArg(cCtx, 1, "compose-hash")
		if err != nil {
			return err
		}
		appContract, err := deploy.ParseAddress(contract)
		if err != nil {
			return fmt.Errorf("invalid app contract: %w", err)
		}
		hash, err := deploy.ParseHash32(composeHash)
		if err != nil {
			return fmt.Errorf("invalid compose hash: %w", err)
		}

		rpcAddr := cCtx.String(flags.RpcAddrFlag.Name)
		privkey := cCtx.String(flagPrivateKey.Name)
		if rpcAddr == "" || privkey == "" {
			fmt.Printf("cast send --rpc-url $RPC_URL --private-key $PRIVATE_KEY %s '%s' %s\n", appContract.Hex(), addComposeHashSignature, composeHash)
			return nil
		}

		s, err := newSession(cCtx)
		if err != nil {
			return err
		}
		privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privkey, "0x"))
		if err != nil {
			return fmt.Errorf("failed to parse private key: %w", err)
		}

		s.log.Info("Connecting to Ethereum RPC", "address", rpcAddr)
		client, err := ethclient.DialContext(cCtx.Context, rpcAddr)
		if err != nil {
			return fmt.Errorf("failed to dial RPC: %w", err)
		}
		defer client.Close()

		chainID, err := client.ChainID(cCtx.Context)
		if err != nil {
			return fmt.Errorf("could not fetch chain id: %w", err)
		}
		auth, err := bind.NewKeyedTransactorWithChainID(privateKey, chainID)
		if err != nil {
			return err
		}

		registrar := deploy.NewAppRegistrar(common.Address{}, client, client, auth)
		tx, err := registrar.AddComposeHash(cCtx.Context, appContract, hash)
		if err != nil {
			return fmt.Errorf("could not submit compose hash: %w", err)
		}
		s.log.Info("Compose hash submitted", "tx", tx.Hash().Hex(), "contract", appContract.Hex())

		receipt, err := registrar.WaitMined(cCtx.Context, tx.Hash())
		if err != nil {
			return err
		}
		fmt.Printf("Compose hash allowed in block %s, tx %s\n", receipt.BlockNumber, tx.Hash().Hex())
		return nil
	},
}

var commitUpdateCommand = &cli.Command{
	Name:      "commit-update",
	Usage:     "Deploy a provisioned compose update whose hash is allowed onchain",
	ArgsUsage: "<cvm-id> <compose-hash>",
	Flags:     []cli.Flag{flagUpdateEnv, flagKMSSigner, &cli.StringFlag{Name: flagKMSID.Name, Usage: "KMS of the app, the one the CVM reports when unset"}},
	Action: func(cCtx *cli.Context) error {
		cvmID, err := requireArg(cCtx, 0, "cvm-id")
		if err != nil {
			return err
		}
		composeHash, err := requireArg(cCtx, 1, "compose-hash")
		if err != nil {
			return err
		}
		s, err := newSession(cCtx)
		if err != nil {
			return err
		}

		envs, err := readUpdateEnv(cCtx)
		if err != nil {
			return err
		}
		if err := s.checkEnv(envs, nil); err != nil {
			return err
		}

		d, err := s.deployer(cCtx)
		if err != nil {
			return err
		}

		_, err = d.CommitComposeUpdate(cCtx.Context, deploy.ComposeUpdateCommit{
			CVMID:       cvmID,
			ComposeHash: composeHash,
			KMSID:       cCtx.String(flagKMSID.Name),
			Env:         envs,
			KMSSigner:   cCtx.String(flagKMSSigner.Name),
		})
		if err != nil {
			reportAPIError(os.Stderr, "commit compose update", err)
			return err
		}

		fmt.Println("The update has been deployed, you can view it via dashboard:")
		fmt.Println(dashboardURL(flags.APIEndpoint(cCtx, s.env), cvmID))
		return nil
	},
}
