package provision

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLaunchSpec() LaunchSpec {
	return LaunchSpec{
		ImageID:      "img-2",
		InstanceType: types.InstanceTypeT2Large,
		KeyName:      "my-key-pair-user123",
		Name:         "MyLinuxInstance-user123-1a2b3c4d",
		Owner:        "user123",
		WaiterOptions: []func(*ec2.InstanceRunningWaiterOptions){
			func(o *ec2.InstanceRunningWaiterOptions) {
				o.MinDelay = time.Millisecond
				o.MaxDelay = 5 * time.Millisecond
			},
		},
		RunningTimeout: 5 * time.Second,
	}
}

func TestLaunchInstance(t *testing.T) {
	api := &mockEC2Client{}
	inst, err := LaunchInstance(t.Context(), api, testLaunchSpec())
	require.NoError(t, err)

	assert.Equal(t, testInstanceID, inst.ID)
	assert.Equal(t, testPublicIP, inst.PublicIP)
	assert.Equal(t, "my-key-pair-user123", inst.KeyName)
	assert.Equal(t, "MyLinuxInstance-user123-1a2b3c4d", inst.Name)

	// Launch, then at least one waiter poll, then the refresh.
	require.GreaterOrEqual(t, len(api.operations), 3)
	assert.Equal(t, opRunInstances, api.operations[0])
	assert.Equal(t, opDescribeInstances, api.operations[len(api.operations)-1])

	in := api.runInput
	require.NotNil(t, in)
	assert.Equal(t, "img-2", aws.ToString(in.ImageId))
	assert.Equal(t, types.InstanceTypeT2Large, in.InstanceType)
	assert.Equal(t, int32(1), aws.ToInt32(in.MinCount))
	assert.Equal(t, int32(1), aws.ToInt32(in.MaxCount))
	assert.Equal(t, "my-key-pair-user123", aws.ToString(in.KeyName))
	assert.Empty(t, in.NetworkInterfaces)
	require.Len(t, in.TagSpecifications, 1)
	assert.Equal(t, types.ResourceTypeInstance, in.TagSpecifications[0].ResourceType)
	assert.Equal(t, "MyLinuxInstance-user123-1a2b3c4d", tagValue(in.TagSpecifications[0].Tags, tagKeyName))
	assert.Equal(t, tagDefaultProject, tagValue(in.TagSpecifications[0].Tags, tagKeyProject))
}

func TestLaunchInstanceNetwork(t *testing.T) {
	api := &mockEC2Client{}
	spec := testLaunchSpec()
	spec.SubnetID = "subnet-1"
	spec.SecurityGroupIDs = []string{"sg-1"}

	_, err := LaunchInstance(t.Context(), api, spec)
	require.NoError(t, err)
	require.Len(t, api.runInput.NetworkInterfaces, 1)
	nic := api.runInput.NetworkInterfaces[0]
	assert.Equal(t, "subnet-1", aws.ToString(nic.SubnetId))
	assert.Equal(t, []string{"sg-1"}, nic.Groups)
	assert.True(t, aws.ToBool(nic.AssociatePublicIpAddress))
}

func TestLaunchInstanceWaitsForRunning(t *testing.T) {
	polls := 0
	api := &mockEC2Client{}
	api.describeInstancesFunc = func(_ context.Context, params *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
		polls++
		state := types.InstanceStateNamePending
		var ip *string
		if polls >= 3 {
			state = types.InstanceStateNameRunning
			ip = aws.String(testPublicIP)
		}
		return &ec2.DescribeInstancesOutput{Reservations: []types.Reservation{{
			Instances: []types.Instance{{
				InstanceId:      aws.String(params.InstanceIds[0]),
				State:           &types.InstanceState{Name: state},
				PublicIpAddress: ip,
			}},
		}}}, nil
	}

	inst, err := LaunchInstance(t.Context(), api, testLaunchSpec())
	require.NoError(t, err)
	assert.Equal(t, testPublicIP, inst.PublicIP)
	// Two pending polls, one running poll, one refresh.
	assert.Equal(t, 4, polls)
}

func TestLaunchInstanceErrors(t *testing.T) {
	denied := errors.New("InsufficientInstanceCapacity")

	t.Run("run fails", func(t *testing.T) {
		api := &mockEC2Client{
			runInstancesFunc: func(context.Context, *ec2.RunInstancesInput, ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
				return nil, denied
			},
		}
		inst, err := LaunchInstance(t.Context(), api, testLaunchSpec())
		require.ErrorIs(t, err, ErrProvider)
		require.ErrorIs(t, err, denied)
		assert.Equal(t, Instance{}, inst)
		assert.Equal(t, 0, api.count(opDescribeInstances))
	})

	t.Run("no instance returned", func(t *testing.T) {
		api := &mockEC2Client{
			runInstancesFunc: func(context.Context, *ec2.RunInstancesInput, ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
				return &ec2.RunInstancesOutput{}, nil
			},
		}
		_, err := LaunchInstance(t.Context(), api, testLaunchSpec())
		require.ErrorIs(t, err, ErrNoInstance)
	})

	t.Run("terminated while waiting", func(t *testing.T) {
		api := &mockEC2Client{
			describeInstancesFunc: func(_ context.Context, params *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
				return &ec2.DescribeInstancesOutput{Reservations: []types.Reservation{{
					Instances: []types.Instance{{
						InstanceId: aws.String(params.InstanceIds[0]),
						State:      &types.InstanceState{Name: types.InstanceStateNameTerminated},
					}},
				}}}, nil
			},
		}
		inst, err := LaunchInstance(t.Context(), api, testLaunchSpec())
		require.ErrorIs(t, err, ErrProvider)
		assert.Equal(t, Instance{}, inst)
	})

	t.Run("no public address", func(t *testing.T) {
		api := &mockEC2Client{
			describeInstancesFunc: func(_ context.Context, params *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
				return &ec2.DescribeInstancesOutput{Reservations: []types.Reservation{{
					Instances: []types.Instance{{
						InstanceId: aws.String(params.InstanceIds[0]),
						State:      &types.InstanceState{Name: types.InstanceStateNameRunning},
					}},
				}}}, nil
			},
		}
		_, err := LaunchInstance(t.Context(), api, testLaunchSpec())
		require.ErrorIs(t, err, ErrNoPublicIP)
	})
}
