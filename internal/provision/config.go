package provision

import (
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/bigdatalab/labprovision/internal/bootstrap"
	"github.com/bigdatalab/labprovision/internal/ssh"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
)

const (
	DefaultUser               = "user123"
	DefaultInstanceType       = "t2.large"
	DefaultInstanceNamePrefix = "MyLinuxInstance"
	DefaultKeyPairPrefix      = "my-key-pair"
	// Amazon's own publisher account for Amazon Linux images.
	DefaultImageOwner        = "137112412989"
	DefaultImageNamePattern  = "amzn2-ami-hvm-2.0.*-x86_64-gp2"
	DefaultImageArchitecture = "x86_64"
	DefaultSSHUser           = "ec2-user"
	DefaultSSHPort           = 22
	DefaultKnownHostsPath    = "known_hosts"
	DefaultInventoryPath     = "labprovision-inventory.json"
	DefaultRunningTimeout    = 10 * time.Minute
	DefaultSSHWaitTimeout    = 3 * time.Minute
)

// Config configures a provisioning run.
type Config struct {
	// User identifies whoever the lab machine is for; it is folded into the key
	// pair name and the instance 'Name' tag.
	User string

	// Image selection. A non-empty ImageID skips catalog resolution.
	ImageID           string
	ImageOwners       []string
	ImageNamePattern  string
	ImageArchitecture string

	InstanceType       string // default: t2.large
	InstanceNamePrefix string // default: MyLinuxInstance
	SubnetID           string
	SecurityGroupIDs   []string
	RunningTimeout     time.Duration // default: 10m

	KeyPairPrefix string    // default: my-key-pair
	KeyDir        string    // default: working directory
	KeyType       string    // default: rsa
	KeySource     KeySource // default: create

	SSHUser        string // default: ec2-user
	SSHPort        uint16 // default: 22
	HostKeyPolicy  ssh.HostKeyPolicy
	KnownHostsPath string        // default: known_hosts
	SSHWaitTimeout time.Duration // default: 3m, negative disables the wait

	// Toolchains to bootstrap, in order. Empty (with SkipBootstrap unset)
	// means every known toolchain.
	Toolchains    []string
	SkipBootstrap bool

	// Where launched instances are recorded. Empty disables the inventory.
	InventoryPath string
}

func (c *Config) applyDefaults() {
	if c.User == "" {
		c.User = DefaultUser
	}
	if len(c.ImageOwners) == 0 {
		c.ImageOwners = []string{DefaultImageOwner}
	}
	if c.ImageNamePattern == "" {
		c.ImageNamePattern = DefaultImageNamePattern
	}
	if c.ImageArchitecture == "" {
		c.ImageArchitecture = DefaultImageArchitecture
	}
	if c.InstanceType == "" {
		c.InstanceType = DefaultInstanceType
	}
	if c.InstanceNamePrefix == "" {
		c.InstanceNamePrefix = DefaultInstanceNamePrefix
	}
	if c.RunningTimeout == 0 {
		c.RunningTimeout = DefaultRunningTimeout
	}
	if c.KeyPairPrefix == "" {
		c.KeyPairPrefix = DefaultKeyPairPrefix
	}
	if c.KeyType == "" {
		c.KeyType = string(types.KeyTypeRsa)
	}
	if c.KeySource == "" {
		c.KeySource = KeySourceCreate
	}
	if c.SSHUser == "" {
		c.SSHUser = DefaultSSHUser
	}
	if c.SSHPort == 0 {
		c.SSHPort = DefaultSSHPort
	}
	if c.HostKeyPolicy == "" {
		c.HostKeyPolicy = ssh.HostKeyAcceptNew
	}
	if c.KnownHostsPath == "" {
		c.KnownHostsPath = DefaultKnownHostsPath
	}
	if c.SSHWaitTimeout == 0 {
		c.SSHWaitTimeout = DefaultSSHWaitTimeout
	}
	switch {
	case c.SkipBootstrap:
		c.Toolchains = nil
	case len(c.Toolchains) == 0:
		c.Toolchains = bootstrap.ToolchainNames()
	}
}

func (c *Config) validate() error {
	if slug.Make(c.User) == "" {
		return fmt.Errorf("%w: user %q yields an empty resource name", ErrConfig, c.User)
	}
	switch types.KeyType(c.KeyType) {
	case types.KeyTypeRsa, types.KeyTypeEd25519:
	default:
		return fmt.Errorf("%w: key type must be one of rsa, ed25519 (got %q)", ErrConfig, c.KeyType)
	}
	switch c.KeySource {
	case KeySourceCreate, KeySourceImport:
	default:
		return fmt.Errorf("%w: key source must be one of create, import (got %q)", ErrConfig, c.KeySource)
	}
	if _, err := ssh.ParseHostKeyPolicy(string(c.HostKeyPolicy)); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	for _, name := range c.Toolchains {
		if _, err := bootstrap.LookupToolchain(name); err != nil {
			return fmt.Errorf("%w: %w", ErrConfig, err)
		}
	}
	return nil
}

func (c *Config) instanceType() types.InstanceType {
	return types.InstanceType(c.InstanceType)
}

// KeyPairName is stable for a given user so re-runs reuse the same key pair.
func (c *Config) KeyPairName() string {
	return c.KeyPairPrefix + "-" + slug.Make(c.User)
}

// instanceName is unique per launch.
func (c *Config) instanceName() string {
	suffix, _, _ := strings.Cut(uuid.NewString(), "-")
	return c.InstanceNamePrefix + "-" + slug.Make(c.User) + "-" + suffix
}
