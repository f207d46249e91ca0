package cloud

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
)

// EC2API is the subset of the EC2 client used here.
type EC2API interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

// EC2 looks up instance metadata.
type EC2 struct {
	api    EC2API
	logger *slog.Logger
}

// NewEC2 creates an EC2 collaborator.
func NewEC2(api EC2API, logger *slog.Logger) *EC2 {
	if logger == nil {
		logger = slog.Default()
	}
	return &EC2{api: api, logger: logger.With("component", "ec2")}
}

// Instance is the metadata the utilization tools need.
type Instance struct {
	ID           string    `json:"instance_id"`
	Name         string    `json:"name,omitempty"`
	InstanceType string    `json:"instance_type"`
	State        string    `json:"state"`
	Monitoring   string    `json:"monitoring"`
	LaunchTime   time.Time `json:"launch_time,omitempty"`
}

// Stopped reports whether the instance cannot be producing metrics.
func (i Instance) Stopped() bool {
	return i.State == "stopped" || i.State == "terminated"
}

// DescribeInstances returns metadata keyed by instance id. Unknown ids
// are absent from the map.
func (e *EC2) DescribeInstances(ctx context.Context, ids []string) (map[string]Instance, error) {
	input := &ec2.DescribeInstancesInput{InstanceIds: ids}
	instances := make(map[string]Instance, len(ids))

	for {
		out, err := e.api.DescribeInstances(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("describe instances: %w", err)
		}
		for _, res := range out.Reservations {
			for _, inst := range res.Instances {
				i := Instance{
					ID:           aws.ToString(inst.InstanceId),
					InstanceType: string(inst.InstanceType),
					LaunchTime:   aws.ToTime(inst.LaunchTime),
				}
				if inst.State != nil {
					i.State = string(inst.State.Name)
				}
				if inst.Monitoring != nil {
					i.Monitoring = string(inst.Monitoring.State)
				}
				for _, tag := range inst.Tags {
					if aws.ToString(tag.Key) == "Name" {
						i.Name = aws.ToString(tag.Value)
					}
				}
				instances[i.ID] = i
			}
		}
		if out.NextToken == nil || *out.NextToken == "" {
			break
		}
		input.NextToken = out.NextToken
	}
	return instances, nil
}
