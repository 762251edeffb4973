// inventory keeps a local record of every instance this tool launched.
//
// Nothing is ever torn down automatically, so the inventory is how a human
// finds instances that are still billing, in particular ones whose bootstrap
// failed halfway.
package inventory

import (
	"context"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Record is one launched instance.
type Record struct {
	InstanceID   string            `json:"instance_id"`
	Name         string            `json:"name"`
	Region       string            `json:"region"`
	ImageID      string            `json:"image_id"`
	InstanceType string            `json:"instance_type"`
	PublicIP     string            `json:"public_ip"`
	KeyName      string            `json:"key_name"`
	KeyPath      string            `json:"key_path"`
	LaunchedAt   time.Time         `json:"launched_at"`
	Bootstrap    map[string]Status `json:"bootstrap,omitempty"`
}

// Inventory stores launch records.
type Inventory interface {
	// Record inserts 'r', or replaces the record with the same instance ID.
	Record(ctx context.Context, r Record) error
	// SetBootstrapStatus updates one toolchain's status on an existing record.
	SetBootstrapStatus(ctx context.Context, instanceID, toolchain string, s Status) error
	// List returns every record in launch order.
	List(ctx context.Context) ([]Record, error)
}

// Discard is an Inventory that remembers nothing.
type Discard struct{}

var _ Inventory = Discard{}

func (Discard) Record(context.Context, Record) error { return nil }

func (Discard) SetBootstrapStatus(context.Context, string, string, Status) error { return nil }

func (Discard) List(context.Context) ([]Record, error) { return nil, nil }
