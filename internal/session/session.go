// session resolves AWS credentials and the target region from the process
// environment and turns them into the single 'aws.Config' every EC2 call is
// made with.
//
// A Session is built once at process start and passed explicitly to whatever
// issues provider calls. Nothing here touches the network: missing or partial
// credentials are reported before the first request is ever signed.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/chainguard-dev/clog"
	"github.com/joho/godotenv"
)

const (
	EnvAccessKeyID     = "AWS_ACCESS_KEY_ID"
	EnvSecretAccessKey = "AWS_SECRET_ACCESS_KEY"
	EnvSessionToken    = "AWS_SESSION_TOKEN"
	EnvRegion          = "AWS_REGION"
	EnvDefaultRegion   = "AWS_DEFAULT_REGION"

	DefaultRegion = "us-east-1"
)

var (
	ErrMissingCredentials = fmt.Errorf("AWS credentials are missing: set %s and %s", EnvAccessKeyID, EnvSecretAccessKey)
	ErrPartialCredentials = fmt.Errorf("AWS credentials are incomplete: %s and %s must both be set", EnvAccessKeyID, EnvSecretAccessKey)
	ErrLoadConfig         = fmt.Errorf("failed to load AWS configuration")
	ErrDotEnv             = fmt.Errorf("failed to load env file")
)

// Credentials holds the static authentication material read from the
// environment.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Validate reports missing or partial credentials.
func (c Credentials) Validate() error {
	switch {
	case c.AccessKeyID == "" && c.SecretAccessKey == "":
		return ErrMissingCredentials
	case c.AccessKeyID == "" || c.SecretAccessKey == "":
		return ErrPartialCredentials
	}
	return nil
}

// Session is the immutable authentication + region context.
type Session struct {
	region string
	cfg    aws.Config
	ec2    *ec2.Client
}

// LookupFunc matches 'os.LookupEnv'.
type LookupFunc func(key string) (string, bool)

// LoadDotEnv loads 'path' into the process environment when the file exists.
// Variables that are already set win over the file.
func LoadDotEnv(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		clog.FromContext(ctx).Debug("no env file found, using process environment only", "path", path)
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("%w [%s]: %w", ErrDotEnv, path, err)
	}
	clog.FromContext(ctx).Info("loaded env file", "path", path)
	return nil
}

// FromEnv builds a Session from the process environment. A non-empty 'region'
// overrides the environment's region.
func FromEnv(ctx context.Context, region string) (*Session, error) {
	return FromLookup(ctx, os.LookupEnv, region)
}

// FromLookup builds a Session from an arbitrary environment lookup.
func FromLookup(ctx context.Context, lookup LookupFunc, region string) (*Session, error) {
	get := func(key string) string {
		v, _ := lookup(key)
		return v
	}
	creds := Credentials{
		AccessKeyID:     get(EnvAccessKeyID),
		SecretAccessKey: get(EnvSecretAccessKey),
		SessionToken:    get(EnvSessionToken),
	}
	if region == "" {
		region = get(EnvRegion)
	}
	if region == "" {
		region = get(EnvDefaultRegion)
	}
	if region == "" {
		region = DefaultRegion
	}
	return New(ctx, creds, region)
}

// New validates 'creds' and loads an 'aws.Config' pinned to those static
// credentials and 'region'.
func New(ctx context.Context, creds Credentials, region string) (*Session, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	if region == "" {
		region = DefaultRegion
	}
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			creds.AccessKeyID,
			creds.SecretAccessKey,
			creds.SessionToken,
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}
	clog.FromContext(ctx).Debug("aws session ready",
		"region", region,
		"temporary_credentials", creds.SessionToken != "",
	)
	return &Session{region: region, cfg: cfg}, nil
}

func (s *Session) Region() string {
	return s.region
}

// Config returns a copy of the session's AWS configuration.
func (s *Session) Config() aws.Config {
	return s.cfg.Copy()
}

// EC2 lazily constructs the session's EC2 client.
func (s *Session) EC2() *ec2.Client {
	if s.ec2 == nil {
		s.ec2 = ec2.NewFromConfig(s.cfg)
	}
	return s.ec2
}
