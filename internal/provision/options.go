package provision

import (
	"fmt"
	"io"

	"github.com/bigdatalab/labprovision/internal/inventory"
)

type Option func(*Provisioner) error

// WithEC2API replaces the session's EC2 client.
func WithEC2API(api EC2API) Option {
	return func(p *Provisioner) error {
		if api == nil {
			return fmt.Errorf("%w: nil EC2 API", ErrConfig)
		}
		p.ec2 = api
		return nil
	}
}

// WithRunner replaces the SSH bootstrap runner.
func WithRunner(r BootstrapRunner) Option {
	return func(p *Provisioner) error {
		p.runner = r
		return nil
	}
}

// WithInventory records launches in 'inv'. It overrides 'Config.InventoryPath'.
func WithInventory(inv inventory.Inventory) Option {
	return func(p *Provisioner) error {
		p.inventory = inv
		return nil
	}
}

// WithOutput sends human-readable progress to 'w' instead of discarding it.
func WithOutput(w io.Writer) Option {
	return func(p *Provisioner) error {
		p.out = w
		return nil
	}
}

// WithProgress shows a bootstrap progress bar on 'w'. It has no effect
// together with 'WithRunner'.
func WithProgress(w io.Writer) Option {
	return func(p *Provisioner) error {
		p.progress = w
		return nil
	}
}
