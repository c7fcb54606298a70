package backend

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alessio/shellescape"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	log "github.com/sirupsen/logrus"

	"evalgo.org/vmcrate/internal/config"
	"evalgo.org/vmcrate/models"
)

// EC2API is the subset of the EC2 client used to launch instances.
type EC2API interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
}

// Error codes that mean the caller's credentials were rejected.
var authErrorCodes = map[string]bool{
	"AuthFailure":                 true,
	"UnauthorizedOperation":       true,
	"InvalidClientTokenId":        true,
	"SignatureDoesNotMatch":       true,
	"ExpiredToken":                true,
	"RequestExpired":              true,
	"OptInRequired":               true,
	"UnrecognizedClientException": true,
}

// EC2 creates one instance per provisioning call.
type EC2 struct {
	AWS     config.AWSConfig
	Client  EC2API
	Timeout time.Duration
	Log     log.FieldLogger

	once    sync.Once
	initErr error
}

// Kind implements Backend.
func (e *EC2) Kind() models.BackendKind { return models.BackendEC2 }

func (e *EC2) client(ctx context.Context) (EC2API, error) {
	e.once.Do(func() {
		if e.Client != nil {
			return
		}
		var opts []func(*awsConfig.LoadOptions) error
		if e.AWS.Region != "" {
			opts = append(opts, awsConfig.WithRegion(e.AWS.Region))
		}
		if e.AWS.Profile != "" {
			opts = append(opts, awsConfig.WithSharedConfigProfile(e.AWS.Profile))
		}
		cfg, err := awsConfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			e.initErr = models.NewError(models.KindBackendUnavailable, "cannot load AWS configuration", err)
			return
		}
		if cfg.Region == "" {
			e.initErr = models.Errorf(models.KindBackendUnavailable, "no AWS region configured (aws.region or AWS_REGION)")
			return
		}
		e.Client = ec2.NewFromConfig(cfg)
	})
	return e.Client, e.initErr
}

// BuildRunInstancesInput maps launch parameters onto a RunInstances request
// for exactly one instance.
func BuildRunInstancesInput(p *models.LaunchParams) *ec2.RunInstancesInput {
	in := &ec2.RunInstancesInput{
		ImageId:      aws.String(p.ImageID),
		InstanceType: types.InstanceType(p.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
	}
	if p.UserData != "" {
		in.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(p.UserData)))
	}
	if p.KeyName != "" {
		in.KeyName = aws.String(p.KeyName)
	}
	if len(p.SecurityGroupIDs) > 0 {
		in.SecurityGroupIds = append([]string(nil), p.SecurityGroupIDs...)
	}
	if p.SubnetID != "" {
		in.SubnetId = aws.String(p.SubnetID)
	}
	if p.RootDevice != "" && p.VolumeGiB > 0 {
		in.BlockDeviceMappings = []types.BlockDeviceMapping{{
			DeviceName: aws.String(p.RootDevice),
			Ebs: &types.EbsBlockDevice{
				VolumeSize:          aws.Int32(p.VolumeGiB),
				DeleteOnTermination: aws.Bool(true),
			},
		}}
	}
	if len(p.Tags) > 0 {
		keys := make([]string, 0, len(p.Tags))
		for k := range p.Tags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		tags := make([]types.Tag, 0, len(keys))
		for _, k := range keys {
			tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(p.Tags[k])})
		}
		in.TagSpecifications = []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         tags,
		}}
	}
	return in
}

// ConnectHint returns the command for reaching instance id.
func ConnectHint(id string) string {
	return shellescape.QuoteCommand([]string{"aws", "ec2-instance-connect", "ssh", "--instance-id", id})
}

// Provision implements Backend.
func (e *EC2) Provision(ctx context.Context, cfg *models.ProvisioningConfig) (*models.Instance, error) {
	if cfg.Launch == nil {
		return nil, models.Errorf(models.KindProvisionFailed, "no launch parameters for %s", cfg.InstanceName)
	}
	cli, err := e.client(ctx)
	if err != nil {
		return nil, err
	}

	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	e.logger().WithFields(log.Fields{
		"instance":      cfg.InstanceName,
		"image_id":      cfg.Launch.ImageID,
		"instance_type": cfg.Launch.InstanceType,
	}).Info("Creating EC2 instance")

	out, err := cli.RunInstances(ctx, BuildRunInstancesInput(cfg.Launch))
	if err != nil {
		return nil, classifyEC2Error(err)
	}
	if out == nil || len(out.Instances) == 0 || aws.ToString(out.Instances[0].InstanceId) == "" {
		return nil, models.Errorf(models.KindProvisionFailed, "RunInstances returned no instance")
	}

	id := aws.ToString(out.Instances[0].InstanceId)
	e.logger().WithField("instance_id", id).Info("Created EC2 instance")
	return &models.Instance{ID: id, ConnectHint: ConnectHint(id)}, nil
}

// classifyEC2Error maps an SDK error onto the provisioning error kinds.
func classifyEC2Error(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		diag := fmt.Sprintf("%s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())
		kind := models.KindProvisionFailed
		if authErrorCodes[apiErr.ErrorCode()] || strings.HasPrefix(apiErr.ErrorCode(), "Unauthorized") {
			kind = models.KindBackendUnavailable
		}
		return models.NewError(kind, "RunInstances failed", err).WithDiagnostic(diag)
	}
	return models.NewError(models.KindBackendUnavailable, "cannot reach EC2", err)
}

func (e *EC2) logger() log.FieldLogger {
	if e.Log == nil {
		return log.StandardLogger()
	}
	return e.Log
}
