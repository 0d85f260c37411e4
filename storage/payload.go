package storage

import (
	"context"
	"encoding/base64"

	"github.com/ruteri/cvm-deployer/interfaces"
)

// LoadBase64 reads the full payload of src and returns its standard base64
// encoding. Repeated calls over an unchanged source return the same string.
func LoadBase64(ctx context.Context, src interfaces.PayloadSource) (string, error) {
	data, err := src.Fetch(ctx)
	if err != nil {
		return "", ioError(src.LocationURI(), err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
