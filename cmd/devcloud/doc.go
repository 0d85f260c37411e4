// Package main (cmd/devcloud) runs the in-memory CVM API of package devcloud.
//
// Point the deployer at it to exercise a full deployment locally:
//
//	devcloud --api-key dev &
//	PHALA_CLOUD_API_KEY=dev cvm-deployer --api-endpoint http://127.0.0.1:8080/api/v1 deploy
package main
