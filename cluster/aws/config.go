package aws

import (
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudformation"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/ssm"
	"go.uber.org/zap"
)

// config loads and stores dynamically-loaded config for the cluster.
type config struct {
	loadedMut sync.Mutex
	loaded    bool

	resourcesProvider ResourcesProvider
	staticResources   *Resources
	resources         *Resources

	log       *zap.SugaredLogger
	session   *session.Session
	ec2Client ec2iface.EC2API
	s3Client  s3iface.S3API
}

type ResourcesProvider func() (*Resources, error)

// Resources contains the AWS resources required for running clusters on EC2.
type Resources struct {
	InstanceProfileARN      string
	InstanceSecurityGroupID string
	AMIID                   string
	AccountID               string
	SubnetID                string
	// StagingBucket holds uploaded workdirs and exit statuses.
	StagingBucket string
}

func (c *config) withLogger(l *zap.SugaredLogger) *config {
	c.log = l
	return c
}

func (c *config) ensureLoaded() error {
	c.loadedMut.Lock()
	defer c.loadedMut.Unlock()
	if c.loaded {
		return nil
	}

	if c.log == nil {
		l, err := zap.NewProduction()
		if err != nil {
			return fmt.Errorf("building logger: %w", err)
		}
		c.withLogger(l.Sugar().Named("ec2_cluster"))
	}

	if c.session == nil {
		// credentials come from the shared credentials file written by the credentials package
		sess, err := session.NewSessionWithOptions(session.Options{SharedConfigState: session.SharedConfigEnable})
		if err != nil {
			return fmt.Errorf("creating AWS Go SDK session: %w", err)
		}
		c.session = sess
	}

	if c.s3Client == nil {
		c.s3Client = s3.New(c.session)
	}
	if c.ec2Client == nil {
		c.ec2Client = ec2.New(c.session)
	}

	if c.resourcesProvider == nil && c.staticResources != nil {
		provider := &StaticResourcesProvider{
			SSMClient: ssm.New(c.session),
			Resources: *c.staticResources,
		}
		c.resourcesProvider = provider.Provide
	}
	if c.resourcesProvider == nil {
		provider := &CFNResourcesProvider{
			CFNClient: cloudformation.New(c.session),
			SSMClient: ssm.New(c.session),
		}
		c.resourcesProvider = provider.Provide
	}

	resources, err := c.resourcesProvider()
	if err != nil {
		return fmt.Errorf("loading AWS resources: %w", err)
	}
	if resources.StagingBucket == "" {
		return fmt.Errorf("no staging bucket configured")
	}
	c.resources = resources

	c.loaded = true
	return nil
}
