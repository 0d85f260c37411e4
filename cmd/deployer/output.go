package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/ruteri/cvm-deployer/cvmapi"
)

// indentJSON pretty prints a JSON body, falling back to the raw bytes.
func indentJSON(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

func printResult(w io.Writer, title string, v any) error {
	raw, ok := v.(json.RawMessage)
	if !ok {
		var err error
		raw, err = json.Marshal(v)
		if err != nil {
			return fmt.Errorf("could not encode result: %w", err)
		}
	}
	if title == "" {
		_, err := fmt.Fprintln(w, indentJSON(raw))
		return err
	}
	_, err := fmt.Fprintln(w, title, indentJSON(raw))
	return err
}

// reportAPIError prints the server's validation body for 400 and 422
// responses, and the error itself otherwise.
func reportAPIError(w io.Writer, action string, err error) {
	var apiErr *cvmapi.APIError
	if errors.As(err, &apiErr) && (apiErr.IsValidation() || apiErr.IsBadRequest()) {
		fmt.Fprintf(w, "Failed to %s (%d): %s\n", action, apiErr.StatusCode, apiErr.PrettyBody())
		return
	}
	fmt.Fprintf(w, "Failed to %s: %v\n", action, err)
}

const registerSignature = "deployAndRegisterApp(address,bool,bool,bytes32,bytes32)"

// printRegisterCommand prints the cast invocation registering a provisioned
// app. An empty owner is left for cast to derive from the private key.
func printRegisterCommand(w io.Writer, kmsContract, owner, deviceID, composeHash string) {
	if owner == "" {
		owner = "$(cast wallet address <PRIVATE_KEY>)"
	}
	fmt.Fprintln(w, "Next step: register the app on the KMS contract.")
	fmt.Fprintln(w, "Replace PRIVATE_KEY with your private key and RPC_URL with the RPC URL of the KMS chain,")
	fmt.Fprintln(w, "or run register-app with --rpc-addr and --privkey.")
	fmt.Fprintln(w, `cast send --rpc-url <RPC_URL> --private-key <PRIVATE_KEY> \`)
	fmt.Fprintf(w, "  %s \\\n", kmsContract)
	fmt.Fprintf(w, "  '%s' \\\n", registerSignature)
	fmt.Fprintf(w, "  %s \\\n", owner)
	fmt.Fprintln(w, `  false \`)
	fmt.Fprintln(w, `  false \`)
	fmt.Fprintf(w, "  %s \\\n", deviceID)
	fmt.Fprintf(w, "  %s\n", composeHash)
}

const addComposeHashSignature = "addComposeHash(bytes32)"

// printComposeHashCommand prints the cast invocation allowing a provisioned
// compose update on the app contract, followed by the commit step.
func printComposeHashCommand(w io.Writer, appContract, cvmID, composeHash, envFile string) {
	fmt.Fprintln(w, "The update has been provisioned. Two steps remain to deploy it.")
	fmt.Fprintln(w, "Step 1: register the compose hash on chain, or run register-compose-hash with --rpc-addr and --privkey:")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "cast send --rpc-url $RPC_URL --private-key $PRIVATE_KEY %s '%s' %s\n", appContract, addComposeHashSignature, composeHash)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Step 2: deploy the update:")
	fmt.Fprintln(w)
	step2 := fmt.Sprintf("cvm-deployer commit-update %s %s", cvmID, composeHash)
	if envFile != "" {
		step2 += " --env " + envFile
	}
	fmt.Fprintln(w, step2)
}

// dashboardURL is the dashboard page of a CVM on the cloud serving apiEndpoint.
func dashboardURL(apiEndpoint, cvmID string) string {
	u, err := url.Parse(apiEndpoint)
	if err != nil || u.Host == "" {
		return "https://cloud.phala.network/dashboard/cvms/" + cvmID
	}
	if host, ok := strings.CutPrefix(u.Host, "cloud-api."); ok {
		u.Host = "cloud." + host
	}
	u.Path = "/dashboard/cvms/" + url.PathEscape(cvmID)
	u.RawQuery = ""
	return u.String()
}
