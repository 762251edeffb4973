// cli is the 'labprovision' command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bigdatalab/labprovision/internal/bootstrap"
	"github.com/bigdatalab/labprovision/internal/log"
	"github.com/bigdatalab/labprovision/internal/o11y"
	"github.com/bigdatalab/labprovision/internal/provision"
	"github.com/bigdatalab/labprovision/internal/session"
	"github.com/bigdatalab/labprovision/internal/ssh"
	"github.com/spf13/cobra"
)

type options struct {
	region   string
	envFile  string
	logLevel string
	logFile  string
	progress bool

	// Released by 'Execute' once the command returns, whatever the outcome.
	closers []func(context.Context) error

	cfg           provision.Config
	keySource     string
	hostKeyPolicy string
}

// NewRootCmd builds the command tree. With no flags at all, the root command
// provisions one instance with the defaults and installs every toolchain.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&options{})
}

func newRootCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "labprovision",
		Short: "Launch an EC2 lab instance and install Hadoop and Spark on it",
		Long: `labprovision launches a single EC2 instance from the newest Amazon Linux 2
image, creating an SSH key pair '<name>.pem' next to it if needed, and then
installs the Hadoop and Spark toolchains over SSH.

Credentials come from AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY and the optional
AWS_SESSION_TOKEN, read from the environment or a .env file.

Instances are never terminated by this tool. Every launch is recorded in the
inventory file; see 'labprovision inventory'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			ctx, closeLog, err := log.Setup(cmd.Context(), log.Options{
				Level:   opts.logLevel,
				Console: cmd.ErrOrStderr(),
				File:    opts.logFile,
			})
			if err != nil {
				return err
			}
			opts.closers = append(opts.closers, func(context.Context) error { return closeLog() })

			shutdown, err := o11y.SetupTracing(ctx)
			if err != nil {
				log.Warn(ctx, "tracing disabled", "error", err)
			}
			opts.closers = append(opts.closers, shutdown)

			ctx = log.With(ctx, "command", cmd.Name())
			cmd.SetContext(ctx)
			return session.LoadDotEnv(ctx, opts.envFile)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runProvision(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), opts)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.envFile, "env-file", ".env", "env file to load before reading AWS credentials (ignored if missing)")
	pf.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	pf.StringVar(&opts.logFile, "log-file", "", "also write JSON logs to this file")
	pf.StringVar(&opts.cfg.InventoryPath, "inventory", provision.DefaultInventoryPath, "launch inventory file (empty disables it)")

	f := cmd.Flags()
	f.StringVarP(&opts.region, "region", "r", "", "AWS region (default: $AWS_REGION, $AWS_DEFAULT_REGION or "+session.DefaultRegion+")")
	f.StringVarP(&opts.cfg.User, "user", "u", provision.DefaultUser, "user the instance and key pair are named after")

	f.StringVar(&opts.cfg.ImageID, "image-id", "", "launch this image instead of resolving the newest one")
	f.StringSliceVar(&opts.cfg.ImageOwners, "image-owner", []string{provision.DefaultImageOwner}, "trusted image owner account IDs")
	f.StringVar(&opts.cfg.ImageNamePattern, "image-pattern", provision.DefaultImageNamePattern, "image name glob")
	f.StringVar(&opts.cfg.ImageArchitecture, "image-arch", provision.DefaultImageArchitecture, "image architecture")

	f.StringVarP(&opts.cfg.InstanceType, "instance-type", "t", provision.DefaultInstanceType, "EC2 instance type")
	f.StringVar(&opts.cfg.SubnetID, "subnet", "", "subnet to launch into (default: the default VPC)")
	f.StringSliceVar(&opts.cfg.SecurityGroupIDs, "security-group", nil, "security groups to attach (default: the VPC's default group)")
	f.DurationVar(&opts.cfg.RunningTimeout, "running-timeout", provision.DefaultRunningTimeout, "how long to wait for the instance to run")

	f.StringVar(&opts.cfg.KeyDir, "key-dir", "", "directory the private key file is written to (default: working directory)")
	f.StringVar(&opts.cfg.KeyType, "key-type", "rsa", "type of a newly created key pair: rsa or ed25519")
	f.StringVar(&opts.keySource, "key-source", string(provision.KeySourceCreate), "who generates a new key pair: create (EC2) or import (local ed25519)")

	f.StringVar(&opts.cfg.SSHUser, "ssh-user", provision.DefaultSSHUser, "SSH login user")
	f.StringVar(&opts.hostKeyPolicy, "host-key-policy", string(ssh.HostKeyAcceptNew), "SSH host key policy: "+joinPolicies())
	f.StringVar(&opts.cfg.KnownHostsPath, "known-hosts", provision.DefaultKnownHostsPath, "known_hosts file for the accept-new and strict policies")
	f.DurationVar(&opts.cfg.SSHWaitTimeout, "ssh-wait", provision.DefaultSSHWaitTimeout, "how long to wait for SSH to come up (negative disables the wait)")

	f.StringSliceVar(&opts.cfg.Toolchains, "toolchain", bootstrap.ToolchainNames(), "toolchains to install, in order")
	f.BoolVar(&opts.cfg.SkipBootstrap, "skip-bootstrap", false, "launch only, install nothing")
	f.BoolVar(&opts.progress, "progress", true, "show a progress bar while installing")

	cmd.AddCommand(newInventoryCmd(opts))
	return cmd
}

func joinPolicies() string {
	var names []string
	for _, p := range ssh.HostKeyPolicies() {
		names = append(names, string(p))
	}
	return strings.Join(names, ", ")
}

func runProvision(ctx context.Context, stdout, stderr io.Writer, opts *options) (err error) {
	ctx, span := o11y.Start(ctx, "labprovision")
	defer func() { o11y.End(span, err) }()

	cfg := opts.cfg
	cfg.KeySource = provision.KeySource(opts.keySource)
	cfg.HostKeyPolicy = ssh.HostKeyPolicy(opts.hostKeyPolicy)
	log.Info(ctx, "provisioning lab instance",
		"user", cfg.User,
		"toolchains", cfg.Toolchains,
		"skip_bootstrap", cfg.SkipBootstrap,
	)
	if cfg.HostKeyPolicy == ssh.HostKeyInsecure {
		log.Warn(ctx, "SSH host keys will not be verified")
	}

	sess, err := session.FromEnv(ctx, opts.region)
	if err != nil {
		return err
	}

	provOpts := []provision.Option{provision.WithOutput(stdout)}
	if opts.progress {
		// Keep the bar on stderr, away from command output.
		provOpts = append(provOpts, provision.WithProgress(stderr))
	}
	p, err := provision.New(sess, cfg, provOpts...)
	if err != nil {
		return err
	}

	inst, err := p.Run(ctx)
	if inst.ID != "" {
		fmt.Fprintln(stdout)
		printSummary(stdout, sess.Region(), p.Config().SSHUser, inst, err)
	}
	return err
}

// Execute runs the root command and reports a failure with its category.
func Execute(ctx context.Context) error {
	return execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts := &options{}
	cmd := newRootCmd(opts)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		log.Debug(ctx, "command failed", "category", provision.CategoryOf(err), "error", err)
		reportError(cmd.ErrOrStderr(), err)
	}
	opts.close(context.WithoutCancel(ctx))
	return err
}

func (o *options) close(ctx context.Context) {
	for i := len(o.closers) - 1; i >= 0; i-- {
		if err := o.closers[i](ctx); err != nil {
			log.Error(ctx, "cleanup failed", "error", err)
		}
	}
	o.closers = nil
}

func reportError(w io.Writer, err error) {
	category := provision.CategoryOf(err)
	if errors.Is(err, provision.ErrConfig) || errors.Is(err, log.ErrLogLevel) || errors.Is(err, session.ErrDotEnv) {
		category = "configuration"
	}
	fmt.Fprintf(w, "Error (%s): %v\n", category, err)
	if category == provision.CategoryCommand || category == provision.CategoryConnect {
		fmt.Fprintln(w, "The instance is still running. See 'labprovision inventory'.")
	}
}
