package provision

import (
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
	"github.com/bigdatalab/labprovision/internal/bootstrap"
	"github.com/bigdatalab/labprovision/internal/session"
)

// Category tags a failure with the boundary it came from, so the entry point
// can decide how to report it.
type Category string

const (
	CategoryNone        Category = ""
	CategoryCredentials Category = "credentials"
	CategoryProvider    Category = "provider"
	CategoryConnect     Category = "connect"
	CategoryCommand     Category = "command"
)

var (
	ErrProvider      = fmt.Errorf("cloud provider request failed")
	ErrNoImage       = fmt.Errorf("no available image matches the query")
	ErrNoInstance    = fmt.Errorf("provider returned no instance")
	ErrNoPublicIP    = fmt.Errorf("instance has no public IP address")
	ErrKeyFileExists = fmt.Errorf("private key file already exists")
	ErrKeyFile       = fmt.Errorf("failed to write private key file")
	ErrNoKeyMaterial = fmt.Errorf("provider returned no private key material")
	ErrConfig        = fmt.Errorf("invalid configuration")
)

// CategoryOf classifies 'err'. Anything not recognizably a credential,
// connection or command failure is attributed to the provider.
func CategoryOf(err error) Category {
	var cmdErr *bootstrap.CommandError
	switch {
	case err == nil:
		return CategoryNone
	case errors.Is(err, session.ErrMissingCredentials), errors.Is(err, session.ErrPartialCredentials):
		return CategoryCredentials
	case errors.Is(err, bootstrap.ErrConnect):
		return CategoryConnect
	case errors.As(err, &cmdErr):
		return CategoryCommand
	default:
		return CategoryProvider
	}
}

// apiErrorCode returns the AWS error code carried by 'err', if any.
func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
