// Package config collects everything an invocation reads from its environment into one value.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/guseggert/clusterrun/cluster"
	"github.com/guseggert/clusterrun/credentials"
	"github.com/guseggert/clusterrun/deploy"
)

const (
	RunIDVar             = "DAGSTER_RUN_ID"
	ResultsBucketVar     = "RESULTS_BUCKET"
	ResultsS3EndpointVar = "RESULTS_S3_ENDPOINT"
	MaxStepsVar          = "MAX_STEPS"
	SpotLaunchVar        = "SPOT_LAUNCH"
	HFTokenVar           = "HF_TOKEN"

	BackendVar         = "CLUSTERRUN_BACKEND"
	ClusterNameVar     = "CLUSTERRUN_CLUSTER_NAME"
	TaskFileVar        = "CLUSTERRUN_TASK_FILE"
	IdleMinutesVar     = "CLUSTERRUN_IDLE_MINUTES"
	TeardownTimeoutVar = "CLUSTERRUN_TEARDOWN_TIMEOUT"
	DockerImageVar     = "CLUSTERRUN_DOCKER_IMAGE"
	LocalRootVar       = "CLUSTERRUN_LOCAL_ROOT"

	AWSInstanceTypeVar       = "CLUSTERRUN_AWS_INSTANCE_TYPE"
	AWSAMIIDVar              = "CLUSTERRUN_AWS_AMI_ID"
	AWSSubnetIDVar           = "CLUSTERRUN_AWS_SUBNET_ID"
	AWSSecurityGroupIDVar    = "CLUSTERRUN_AWS_SECURITY_GROUP_ID"
	AWSInstanceProfileARNVar = "CLUSTERRUN_AWS_INSTANCE_PROFILE_ARN"
	AWSStagingBucketVar      = "CLUSTERRUN_AWS_STAGING_BUCKET"
)

const (
	BackendAWS    = "aws"
	BackendDocker = "docker"
	BackendLocal  = "local"
)

const (
	DefaultMaxSteps        = 10
	DefaultIdleMinutes     = cluster.DefaultIdleMinutesToAutostop
	DefaultTeardownTimeout = 10 * time.Minute
)

// forwardedVars are passed through to the task unchanged when set.
var forwardedVars = []string{HFTokenVar}

// AWS configures the EC2 backend. With no staging bucket, resources are discovered from the CloudFormation stack.
type AWS struct {
	InstanceType       string
	AMIID              string
	SubnetID           string
	SecurityGroupID    string
	InstanceProfileARN string
	StagingBucket      string
}

// Config is the configuration of one invocation.
type Config struct {
	Environment deploy.Environment
	RunID       string
	// Secrets holds the credential provider variables that are set.
	Secrets map[string]string

	ResultsBucket     string
	ResultsS3Endpoint string

	MaxSteps   int
	SpotLaunch bool
	// Forward holds variables passed through to the task.
	Forward map[string]string

	Backend         string
	ClusterName     string
	TaskFile        string
	IdleMinutes     int
	TeardownTimeout time.Duration
	DockerImage     string
	LocalRoot       string
	AWS             AWS
}

// Environ converts os.Environ-style entries to a map.
func Environ(entries []string) map[string]string {
	env := make(map[string]string, len(entries))
	for _, e := range entries {
		k, v, ok := strings.Cut(e, "=")
		if !ok {
			continue
		}
		env[k] = v
	}
	return env
}

// FromEnv builds a Config from env. It does not read the process environment.
func FromEnv(env map[string]string) (*Config, error) {
	c := &Config{
		Environment:       deploy.Classify(env),
		RunID:             env[RunIDVar],
		Secrets:           map[string]string{},
		ResultsBucket:     env[ResultsBucketVar],
		ResultsS3Endpoint: env[ResultsS3EndpointVar],
		MaxSteps:          DefaultMaxSteps,
		Forward:           map[string]string{},
		Backend:           BackendAWS,
		ClusterName:       env[ClusterNameVar],
		TaskFile:          env[TaskFileVar],
		IdleMinutes:       DefaultIdleMinutes,
		TeardownTimeout:   DefaultTeardownTimeout,
		DockerImage:       env[DockerImageVar],
		LocalRoot:         env[LocalRootVar],
		AWS: AWS{
			InstanceType:       env[AWSInstanceTypeVar],
			AMIID:              env[AWSAMIIDVar],
			SubnetID:           env[AWSSubnetIDVar],
			SecurityGroupID:    env[AWSSecurityGroupIDVar],
			InstanceProfileARN: env[AWSInstanceProfileARNVar],
			StagingBucket:      env[AWSStagingBucketVar],
		},
	}

	for _, p := range credentials.DefaultProviders {
		for _, k := range p.Required {
			if v, ok := env[k]; ok {
				c.Secrets[k] = v
			}
		}
	}
	for _, k := range forwardedVars {
		if v := env[k]; v != "" {
			c.Forward[k] = v
		}
	}

	if v := env[MaxStepsVar]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%s must be a positive integer, got %q", MaxStepsVar, v)
		}
		c.MaxSteps = n
	}
	if v := env[SpotLaunchVar]; v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", SpotLaunchVar, err)
		}
		c.SpotLaunch = b
	}
	if v := env[BackendVar]; v != "" {
		c.Backend = strings.ToLower(v)
	}
	if v := env[IdleMinutesVar]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%s must be a positive integer, got %q", IdleMinutesVar, v)
		}
		c.IdleMinutes = n
	}
	if v := env[TeardownTimeoutVar]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", TeardownTimeoutVar, err)
		}
		c.TeardownTimeout = d
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks fields that may also be set by flags after FromEnv.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendAWS, BackendDocker, BackendLocal:
	default:
		return fmt.Errorf("unknown backend %q, must be one of %s, %s, %s", c.Backend, BackendAWS, BackendDocker, BackendLocal)
	}
	if c.TeardownTimeout <= 0 {
		return fmt.Errorf("teardown timeout must be positive, got %s", c.TeardownTimeout)
	}
	if c.ClusterName != "" {
		if err := cluster.ValidateName(c.ClusterName); err != nil {
			return fmt.Errorf("invalid %s: %w", ClusterNameVar, err)
		}
	}
	return nil
}

// Overrides returns the variables merged into the task's envs.
func (c *Config) Overrides() map[string]string {
	o := map[string]string{
		MaxStepsVar: strconv.Itoa(c.MaxSteps),
	}
	if c.RunID != "" {
		o[RunIDVar] = c.RunID
	}
	for k, v := range c.Forward {
		o[k] = v
	}
	return o
}

func (c *Config) LaunchMode() cluster.LaunchMode {
	if c.SpotLaunch {
		return cluster.ManagedSpot
	}
	return cluster.OnDemand
}

// Cluster returns the cluster name for this invocation, derived from the run ID unless one is configured.
func (c *Config) Cluster() string {
	if c.ClusterName != "" {
		return c.ClusterName
	}
	return cluster.NameForRun(c.RunID)
}
