package provision

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"
)

// LaunchSpec describes the single instance to launch.
type LaunchSpec struct {
	ImageID      string
	InstanceType types.InstanceType
	KeyName      string
	// Name becomes the instance's 'Name' tag.
	Name  string
	Owner string

	// Optional network placement. Empty means the region's default VPC.
	SubnetID         string
	SecurityGroupIDs []string

	// RunningTimeout bounds the wait for the 'running' state.
	RunningTimeout time.Duration
	// WaiterOptions tune the SDK's running waiter (poll delays, logging).
	WaiterOptions []func(*ec2.InstanceRunningWaiterOptions)
}

// Instance is what the rest of the program knows about a launched instance.
type Instance struct {
	ID       string
	Name     string
	PublicIP string
	KeyName  string
	// KeyPath is the local private key for 'KeyName'.
	KeyPath string
}

// LaunchInstance launches exactly one instance, waits until EC2 reports it
// running and refreshes it to learn the public address (the RunInstances
// response is too early to carry one).
//
// Any failure yields no Instance. An instance that launched but never reached
// 'running' is left to the provider; its ID is in the logs and the error.
func LaunchInstance(ctx context.Context, api EC2API, spec LaunchSpec) (Instance, error) {
	log := clog.FromContext(ctx)

	input := &ec2.RunInstancesInput{
		ImageId:           aws.String(spec.ImageID),
		InstanceType:      spec.InstanceType,
		MinCount:          aws.Int32(1),
		MaxCount:          aws.Int32(1),
		KeyName:           aws.String(spec.KeyName),
		TagSpecifications: tagSpecificationWithDefaults(types.ResourceTypeInstance, spec.Owner, nameTag(spec.Name)),
	}
	if spec.SubnetID != "" || len(spec.SecurityGroupIDs) > 0 {
		// A public address must be requested explicitly once we describe the
		// network interface ourselves.
		nic := types.InstanceNetworkInterfaceSpecification{
			DeviceIndex:              aws.Int32(0),
			AssociatePublicIpAddress: aws.Bool(true),
			Groups:                   spec.SecurityGroupIDs,
		}
		if spec.SubnetID != "" {
			nic.SubnetId = aws.String(spec.SubnetID)
		}
		input.NetworkInterfaces = []types.InstanceNetworkInterfaceSpecification{nic}
	}

	result, err := api.RunInstances(ctx, input)
	if err != nil {
		return Instance{}, fmt.Errorf("%w: launching instance: %w", ErrProvider, err)
	}
	if result == nil || len(result.Instances) != 1 || result.Instances[0].InstanceId == nil {
		return Instance{}, ErrNoInstance
	}
	id := aws.ToString(result.Instances[0].InstanceId)
	log = log.With("id", id)
	log.Info("launched instance", "name", spec.Name, "type", spec.InstanceType, "image", spec.ImageID)

	timeout := spec.RunningTimeout
	if timeout <= 0 {
		timeout = DefaultRunningTimeout
	}
	log.Info("waiting for instance to enter running state", "timeout", timeout)
	waiter := ec2.NewInstanceRunningWaiter(api, spec.WaiterOptions...)
	if err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	}, timeout); err != nil {
		return Instance{}, fmt.Errorf("%w: waiting for instance %s to run: %w", ErrProvider, id, err)
	}

	inst, err := describeInstance(ctx, api, id)
	if err != nil {
		return Instance{}, err
	}
	if aws.ToString(inst.PublicIpAddress) == "" {
		return Instance{}, fmt.Errorf("%w: %s", ErrNoPublicIP, id)
	}

	launched := Instance{
		ID:       id,
		Name:     spec.Name,
		PublicIP: aws.ToString(inst.PublicIpAddress),
		KeyName:  aws.ToString(inst.KeyName),
	}
	if launched.KeyName == "" {
		launched.KeyName = spec.KeyName
	}
	if name := tagValue(inst.Tags, tagKeyName); name != "" {
		launched.Name = name
	}
	log.Info("instance running", "ip", launched.PublicIP)
	return launched, nil
}

func describeInstance(ctx context.Context, api EC2API, id string) (types.Instance, error) {
	out, err := api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		return types.Instance{}, fmt.Errorf("%w: refreshing instance %s: %w", ErrProvider, id, err)
	}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			if aws.ToString(inst.InstanceId) == id {
				return inst, nil
			}
		}
	}
	return types.Instance{}, fmt.Errorf("%w: %s not found on refresh", ErrNoInstance, id)
}
