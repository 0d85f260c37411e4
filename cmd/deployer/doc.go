// Package main (cmd/deployer) is the command line deployer for confidential VMs.
//
// Without a command it deploys the configured profile: the built-in eliza
// agent profile, or a YAML profile given with --profile. Deploying loads the
// environment from the process and an optional dotenv file, checks that
// PHALA_CLOUD_API_KEY and the profile's required variables are set, fetches an
// encryption key for the VM configuration, encrypts the environment to it and
// creates the VM:
//
//	cvm-deployer --env-file .env deploy
//
// Env values may come from payload locations (file, s3, ipfs, vault, github or
// http), which are base64 encoded before encryption, e.g. an agent character
// file read from S3 with a local fallback:
//
//	env:
//	  - key: CHARACTER_DATA
//	    from_file: s3://agents/c3po.character.json?region=us-east-1|./c3po.character.json
//
// Running CVMs are managed with compose, update-compose, replicate and
// replicas. Deployments against an onchain KMS take three steps:
//
//	cvm-deployer provision ./docker-compose.yml
//	cvm-deployer register-app --rpc-addr $RPC_URL --privkey $PRIVATE_KEY <device-id> <compose-hash>
//	cvm-deployer commit --contract-address <app-contract> <app-id> <compose-hash>
//
// Results are printed to stdout and logs to stderr. Any failure prints
// "Deployment failed: <error>" and exits with status 1; API validation
// failures print the response body first.
package main
