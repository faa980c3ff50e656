// Package ec2 implements compute.Provider on Amazon EC2.  Credentials come
// from the default AWS chain (environment, shared config, instance role).
package ec2

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/poolscaler/internal/compute"
)

const tagName = "Name"

// Config holds EC2-specific settings.
type Config struct {
	Name             string
	Region           string
	AMI              string
	InstanceType     string
	SubnetID         string
	SecurityGroupIDs []string
	KeyName          string
	InstanceProfile  string
	VolumeSize       int32
	VolumeType       string

	// Tags are added to every instance and volume.
	Tags map[string]string

	// Pools lists the pool names this provider serves.
	Pools []string

	// CreateTimeout bounds RunInstances.  Default: 2m.
	CreateTimeout time.Duration
}

// Renderer produces the user data for a new instance.
type Renderer interface {
	Render(ctx context.Context, name, pool string) (string, error)
}

// ec2API is the subset of *ec2.Client the provider uses.
type ec2API interface {
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// Provider manages runner instances on EC2.
type Provider struct {
	client    ec2API
	cfg       Config
	bootstrap Renderer
	logger    *slog.Logger
	pools     map[string]bool
	tracer    trace.Tracer
}

// Compile-time check that Provider satisfies the compute.Provider interface.
var _ compute.Provider = (*Provider)(nil)

// New loads the default AWS configuration for cfg.Region.
func New(ctx context.Context, cfg Config, bootstrap Renderer, logger *slog.Logger) (*Provider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	p := newProvider(ec2.NewFromConfig(awsCfg), cfg, bootstrap, logger)
	logger.Info("ec2 provider initialized",
		slog.String("provider", p.cfg.Name),
		slog.String("region", cfg.Region),
		slog.String("instance_type", p.cfg.InstanceType),
	)
	return p, nil
}

func newProvider(api ec2API, cfg Config, bootstrap Renderer, logger *slog.Logger) *Provider {
	if cfg.Name == "" {
		cfg.Name = "ec2"
	}
	if cfg.InstanceType == "" {
		cfg.InstanceType = "t3.medium"
	}
	if cfg.VolumeSize == 0 {
		cfg.VolumeSize = 50
	}
	if cfg.VolumeType == "" {
		cfg.VolumeType = "gp3"
	}
	if cfg.CreateTimeout == 0 {
		cfg.CreateTimeout = 2 * time.Minute
	}
	pools := make(map[string]bool, len(cfg.Pools))
	for _, name := range cfg.Pools {
		pools[name] = true
	}
	return &Provider{
		client:    api,
		cfg:       cfg,
		bootstrap: bootstrap,
		logger:    logger,
		pools:     pools,
		tracer:    otel.Tracer("poolscaler/compute/ec2"),
	}
}

func (p *Provider) Name() string { return p.cfg.Name }

func (p *Provider) ListInstances(ctx context.Context, pool string) ([]compute.Instance, error) {
	all, err := p.list(ctx, types.Filter{
		Name:   aws.String("tag:" + compute.PoolKey),
		Values: []string{pool},
	})
	if err != nil {
		return nil, err
	}
	return all[pool], nil
}

func (p *Provider) ListAllInstances(ctx context.Context) (map[string][]compute.Instance, error) {
	return p.list(ctx)
}

func (p *Provider) list(ctx context.Context, extra ...types.Filter) (map[string][]compute.Instance, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: append([]types.Filter{
			{
				Name:   aws.String("tag:" + compute.ManagedByKey),
				Values: []string{compute.ManagedByValue},
			},
			{
				Name: aws.String("instance-state-name"),
				Values: []string{
					string(types.InstanceStateNamePending),
					string(types.InstanceStateNameRunning),
					string(types.InstanceStateNameStopping),
					string(types.InstanceStateNameStopped),
				},
			},
		}, extra...),
	}

	out := make(map[string][]compute.Instance)
	pages := ec2.NewDescribeInstancesPaginator(p.client, input)
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe instances: %w", err)
		}
		for _, r := range page.Reservations {
			for _, inst := range r.Instances {
				ci, ok := p.toInstance(inst)
				if ok {
					out[ci.Pool] = append(out[ci.Pool], ci)
				}
			}
		}
	}
	return out, nil
}

func (p *Provider) toInstance(inst types.Instance) (compute.Instance, bool) {
	var name, pool string
	for _, tag := range inst.Tags {
		switch aws.ToString(tag.Key) {
		case tagName:
			name = aws.ToString(tag.Value)
		case compute.PoolKey:
			pool = aws.ToString(tag.Value)
		}
	}
	if !p.pools[pool] {
		return compute.Instance{}, false
	}

	extra := map[string]string{"region": p.cfg.Region}
	if inst.State != nil {
		extra["state"] = string(inst.State.Name)
	}
	if inst.Placement != nil {
		extra["az"] = aws.ToString(inst.Placement.AvailabilityZone)
	}

	return compute.Instance{
		ID:        aws.ToString(inst.InstanceId),
		Name:      name,
		Pool:      pool,
		CreatedAt: aws.ToTime(inst.LaunchTime),
		Extra:     extra,
	}, true
}

// CreateInstance launches one on-demand instance whose user data
// registers an ephemeral agent.
func (p *Provider) CreateInstance(ctx context.Context, pool string) (string, error) {
	name := compute.InstanceName(compute.ManagedByValue, pool)

	ctx, span := p.tracer.Start(ctx, "compute.ec2.CreateInstance")
	defer span.End()
	span.SetAttributes(
		attribute.String("instance.name", name),
		attribute.String("instance.pool", pool),
		attribute.String("aws.region", p.cfg.Region),
	)

	script, err := p.bootstrap.Render(ctx, name, pool)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.CreateTimeout)
	defer cancel()

	tags := p.tags(name, pool)
	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(p.cfg.AMI),
		InstanceType: types.InstanceType(p.cfg.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		UserData:     aws.String(base64.StdEncoding.EncodeToString([]byte(script))),
		TagSpecifications: []types.TagSpecification{
			{ResourceType: types.ResourceTypeInstance, Tags: tags},
			{ResourceType: types.ResourceTypeVolume, Tags: tags},
		},
		BlockDeviceMappings: []types.BlockDeviceMapping{
			{
				DeviceName: aws.String("/dev/sda1"),
				Ebs: &types.EbsBlockDevice{
					VolumeSize:          aws.Int32(p.cfg.VolumeSize),
					VolumeType:          types.VolumeType(p.cfg.VolumeType),
					DeleteOnTermination: aws.Bool(true),
				},
			},
		},
		InstanceInitiatedShutdownBehavior: types.ShutdownBehaviorTerminate,
	}
	if p.cfg.SubnetID != "" {
		input.SubnetId = aws.String(p.cfg.SubnetID)
	}
	if len(p.cfg.SecurityGroupIDs) > 0 {
		input.SecurityGroupIds = p.cfg.SecurityGroupIDs
	}
	if p.cfg.KeyName != "" {
		input.KeyName = aws.String(p.cfg.KeyName)
	}
	if p.cfg.InstanceProfile != "" {
		input.IamInstanceProfile = &types.IamInstanceProfileSpecification{
			Name: aws.String(p.cfg.InstanceProfile),
		}
	}

	p.logger.Info("launching EC2 instance",
		slog.String("name", name),
		slog.String("pool", pool),
		slog.String("instance_type", p.cfg.InstanceType),
	)

	out, err := p.client.RunInstances(ctx, input)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", &compute.CreateTimeoutError{Pool: pool, Name: name, Indeterminate: true, Err: err}
		}
		return "", fmt.Errorf("run instance %s: %w", name, err)
	}
	if len(out.Instances) == 0 {
		return "", fmt.Errorf("run instance %s: no instance returned", name)
	}

	p.logger.Info("EC2 instance launched",
		slog.String("name", name),
		slog.String("instance_id", aws.ToString(out.Instances[0].InstanceId)),
	)
	return name, nil
}

func (p *Provider) tags(name, pool string) []types.Tag {
	tags := []types.Tag{
		{Key: aws.String(tagName), Value: aws.String(name)},
		{Key: aws.String(compute.ManagedByKey), Value: aws.String(compute.ManagedByValue)},
		{Key: aws.String(compute.PoolKey), Value: aws.String(pool)},
	}
	for k, v := range p.cfg.Tags {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return tags
}

// DeleteInstance terminates an instance.  An unknown instance id counts
// as terminated.
func (p *Provider) DeleteInstance(ctx context.Context, req compute.DeleteInstanceRequest) error {
	ctx, span := p.tracer.Start(ctx, "compute.ec2.DeleteInstance")
	defer span.End()
	span.SetAttributes(attribute.String("aws.instance_id", req.InstanceID))

	p.logger.Info("terminating EC2 instance",
		slog.String("name", req.InstanceName),
		slog.String("instance_id", req.InstanceID),
	)

	_, err := p.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{req.InstanceID},
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidInstanceID.NotFound" {
			p.logger.Info("EC2 instance already gone", slog.String("instance_id", req.InstanceID))
			return nil
		}
		return fmt.Errorf("terminate instance %s: %w", req.InstanceID, err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no resources.
func (p *Provider) Close() error {
	return nil
}
