// Package cvmapi is a client for the CVM cloud API.
//
// Every request carries the account API key in the x-api-key header and a
// JSON body. Any response outside the 2xx range is returned as *APIError with
// the raw body, so callers can print validation details:
//
//	cvm, err := client.CreateVM(ctx, req)
//	var apiErr *cvmapi.APIError
//	if errors.As(err, &apiErr) && apiErr.IsValidation() {
//		fmt.Println(apiErr.PrettyBody())
//	}
//
// # Retries
//
// Retries are off by default. With RetryPolicy.MaxTries above one, read-only
// calls and the public key fetch are retried with exponential backoff on
// transport failures and 5xx responses. Calls that create or modify resources
// are sent once.
package cvmapi
