package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/bigdatalab/labprovision/internal/bootstrap"
	"github.com/bigdatalab/labprovision/internal/inventory"
	"github.com/bigdatalab/labprovision/internal/o11y"
	"github.com/bigdatalab/labprovision/internal/session"
	"github.com/bigdatalab/labprovision/internal/ssh"
	"github.com/chainguard-dev/clog"
	"go.opentelemetry.io/otel/attribute"
)

// BootstrapRunner installs one toolchain on a remote host.
type BootstrapRunner interface {
	Run(ctx context.Context, t bootstrap.Target, tc bootstrap.Toolchain) (*bootstrap.Result, error)
}

var _ BootstrapRunner = (*bootstrap.Runner)(nil)

// Provisioner launches one lab instance and bootstraps it.
type Provisioner struct {
	cfg    Config
	region string

	ec2       EC2API
	runner    BootstrapRunner
	inventory inventory.Inventory
	out       io.Writer
	progress  io.Writer
}

// New validates 'cfg' (after filling in defaults) and wires the collaborators
// that were not supplied through 'opts'.
func New(sess *session.Session, cfg Config, opts ...Option) (*Provisioner, error) {
	if sess == nil {
		return nil, fmt.Errorf("%w: a session is required", session.ErrMissingCredentials)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	p := &Provisioner{
		cfg:    cfg,
		region: sess.Region(),
		out:    io.Discard,
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}

	if p.ec2 == nil {
		p.ec2 = sess.EC2()
	}
	if p.inventory == nil {
		if cfg.InventoryPath != "" {
			p.inventory = inventory.NewFile(cfg.InventoryPath)
		} else {
			p.inventory = inventory.Discard{}
		}
	}
	if p.runner == nil && len(cfg.Toolchains) > 0 {
		// Strict checking can only ever trust what is already on disk, so a
		// missing file is a configuration error worth reporting before launch.
		if cfg.HostKeyPolicy == ssh.HostKeyStrict {
			if _, err := os.Stat(cfg.KnownHostsPath); err != nil {
				return nil, fmt.Errorf("%w: %w: %w", ErrConfig, ssh.ErrKnownHosts, err)
			}
		}
		p.runner = &bootstrap.Runner{
			Dialer: &bootstrap.SSHDialer{
				HostKeyPolicy:  cfg.HostKeyPolicy,
				KnownHostsPath: cfg.KnownHostsPath,
				WaitTimeout:    cfg.SSHWaitTimeout,
			},
			Stdout:   p.out,
			Progress: p.progress,
		}
	}
	return p, nil
}

// Config returns the effective configuration, defaults included.
func (p *Provisioner) Config() Config {
	return p.cfg
}

// Run provisions an instance and, unless bootstrap is skipped, installs every
// configured toolchain on it. A launched instance is returned even when its
// bootstrap fails; it is left running.
func (p *Provisioner) Run(ctx context.Context) (Instance, error) {
	inst, err := p.Provision(ctx)
	if err != nil {
		return Instance{}, err
	}
	if p.cfg.SkipBootstrap {
		return inst, nil
	}
	return inst, p.BootstrapAll(ctx, inst)
}

// Provision resolves the image, ensures the key pair and launches the
// instance. Any failure yields no Instance.
func (p *Provisioner) Provision(ctx context.Context) (_ Instance, err error) {
	ctx, span := o11y.Start(ctx, "provision", attribute.String(o11y.AttrRegion, p.region))
	defer func() { o11y.End(span, err) }()
	log := clog.FromContext(ctx).With("region", p.region, "user", p.cfg.User)

	imageID := p.cfg.ImageID
	if imageID == "" {
		img, err := ResolveImage(ctx, p.ec2, ImageQuery{
			Owners:       p.cfg.ImageOwners,
			NamePattern:  p.cfg.ImageNamePattern,
			Architecture: p.cfg.ImageArchitecture,
		})
		if err != nil {
			return Instance{}, err
		}
		imageID = img.ID
		fmt.Fprintf(p.out, "Using image %s (%s, created %s)\n", img.ID, img.Name, img.Created)
	} else {
		log.Info("using configured image", "image", imageID)
	}

	kp, err := EnsureKeyPair(ctx, p.ec2, KeyPairSpec{
		Name:   p.cfg.KeyPairName(),
		Dir:    p.cfg.KeyDir,
		Type:   types.KeyType(p.cfg.KeyType),
		Source: p.cfg.KeySource,
		Owner:  p.cfg.User,
	})
	if err != nil {
		return Instance{}, err
	}
	if kp.Created {
		fmt.Fprintf(p.out, "Private key saved to %s\n", kp.Path)
	} else {
		fmt.Fprintf(p.out, "Reusing existing key pair %s\n", kp.Name)
	}

	fmt.Fprintln(p.out, "Creating instance...")
	inst, err := LaunchInstance(ctx, p.ec2, LaunchSpec{
		ImageID:          imageID,
		InstanceType:     p.cfg.instanceType(),
		KeyName:          kp.Name,
		Name:             p.cfg.instanceName(),
		Owner:            p.cfg.User,
		SubnetID:         p.cfg.SubnetID,
		SecurityGroupIDs: p.cfg.SecurityGroupIDs,
		RunningTimeout:   p.cfg.RunningTimeout,
	})
	if err != nil {
		return Instance{}, err
	}
	inst.KeyPath = kp.Path
	span.SetAttributes(
		attribute.String(o11y.AttrImageID, imageID),
		attribute.String(o11y.AttrKeyPair, kp.Name),
		attribute.String(o11y.AttrInstanceID, inst.ID),
	)
	fmt.Fprintf(p.out, "Instance created: %s\n", inst.ID)
	fmt.Fprintf(p.out, "Public IP address: %s\n", inst.PublicIP)

	rec := inventory.Record{
		InstanceID:   inst.ID,
		Name:         inst.Name,
		Region:       p.region,
		ImageID:      imageID,
		InstanceType: p.cfg.InstanceType,
		PublicIP:     inst.PublicIP,
		KeyName:      inst.KeyName,
		KeyPath:      inst.KeyPath,
		LaunchedAt:   time.Now().UTC(),
	}
	if !p.cfg.SkipBootstrap && len(p.cfg.Toolchains) > 0 {
		rec.Bootstrap = make(map[string]inventory.Status, len(p.cfg.Toolchains))
		for _, name := range p.cfg.Toolchains {
			rec.Bootstrap[name] = inventory.StatusPending
		}
	}
	// The instance exists whatever happens to the inventory, so a failed write
	// must not hide it from the caller.
	if err := p.inventory.Record(ctx, rec); err != nil {
		log.Warn("failed to record instance in inventory", "id", inst.ID, "error", err)
	}
	return inst, nil
}

// BootstrapAll installs every configured toolchain in order. Toolchains are
// independent: a failed one does not stop the next. The returned error joins
// every failure.
func (p *Provisioner) BootstrapAll(ctx context.Context, inst Instance) error {
	var errs []error
	for _, name := range p.cfg.Toolchains {
		if err := p.Bootstrap(ctx, inst, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Bootstrap installs toolchain 'name' on 'inst' over SSH and records the
// outcome in the inventory.
func (p *Provisioner) Bootstrap(ctx context.Context, inst Instance, name string) (err error) {
	ctx, span := o11y.Start(ctx, "bootstrap",
		attribute.String(o11y.AttrInstanceID, inst.ID),
		attribute.String(o11y.AttrToolchain, name),
	)
	defer func() {
		if err != nil {
			span.SetAttributes(attribute.String(o11y.AttrCategory, string(CategoryOf(err))))
		}
		o11y.End(span, err)
	}()
	log := clog.FromContext(ctx).With("id", inst.ID, "toolchain", name)
	tc, err := bootstrap.LookupToolchain(name)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if p.runner == nil {
		return fmt.Errorf("%w: no bootstrap runner configured", ErrConfig)
	}

	fmt.Fprintf(p.out, "Installing %s on %s...\n", tc.Name, inst.PublicIP)
	_, err = p.runner.Run(ctx, bootstrap.Target{
		Host:    inst.PublicIP,
		Port:    p.cfg.SSHPort,
		User:    p.cfg.SSHUser,
		KeyPath: inst.KeyPath,
	}, tc)

	status := inventory.StatusSucceeded
	if err != nil {
		status = inventory.StatusFailed
		fmt.Fprintf(p.out, "Installing %s failed\n", tc.Name)
	} else {
		fmt.Fprintf(p.out, "Installed %s\n", tc.Name)
	}
	if invErr := p.inventory.SetBootstrapStatus(ctx, inst.ID, tc.Name, status); invErr != nil {
		log.Warn("failed to update inventory", "error", invErr)
	}
	return err
}
