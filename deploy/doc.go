// Package deploy orchestrates CVM deployments.
//
// # Deploy
//
// A deployment moves through a fixed sequence of stages:
//
//	start -> validate_env -> fetch_pubkey -> encrypt -> create_vm -> done
//
// A failure at any stage ends the deployment in the failed stage and is
// returned as *StageError naming the stage. Nothing is rolled back: a public
// key fetched before a failed VM creation is discarded.
//
//	d := deploy.NewDeployer(cvmapi.NewClient(endpoint, apiKey, log), log)
//	cvm, err := d.Deploy(ctx, deploy.Request{
//		Config:   profile.VMConfig(compose.Default()),
//		Env:      env,
//		Required: profile.RequiredEnv(),
//	})
//
// # KMS-backed deployments
//
// Deployments governed by an onchain KMS happen in two phases. Provision
// reserves the CVM and returns its device id and compose hash. The app is then
// registered on the KMS auth contract with deployAndRegisterApp, either by
// submitting the Calldata of an AppRegistration or through an AppRegistrar.
// Commit finally encrypts the environment to the key the KMS derived for the
// app and starts the CVM.
package deploy
