package aws

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/s3"
	clusteriface "github.com/guseggert/clusterrun/cluster"
	"github.com/guseggert/clusterrun/task"
	"go.uber.org/zap"
)

const (
	tagCluster     = "clusterrun:cluster"
	tagIdleMinutes = "clusterrun:idle-minutes"
	stagingPrefix  = "clusterrun"
	remoteWorkdir  = "/opt/clusterrun/workdir"

	maxUserDataBytes = 16 * 1024
)

const userDataTemplate = `#!/bin/bash
mkdir -p {{.Workdir}}
cd /opt/clusterrun
echo '{{.ScriptB64}}' | base64 -d > task.sh
code=1
if curl -sSf --retry 3 -o workdir.tar.gz '{{.WorkdirURL}}' && tar -xzf workdir.tar.gz -C {{.Workdir}}; then
  bash task.sh > task.log 2>&1
  code=$?
fi
echo "$code" > exit_code
curl -sS --retry 5 -X PUT --upload-file task.log '{{.LogURL}}'
curl -sS --retry 5 -X PUT --upload-file exit_code '{{.ExitCodeURL}}'
shutdown -h +{{.IdleMinutes}}
`

var userDataTmpl = template.Must(template.New("userdata").Parse(userDataTemplate))

// liveStates are the instance states of a cluster that still holds (or is about to release) resources.
var liveStates = []*string{
	aws.String(ec2.InstanceStateNamePending),
	aws.String(ec2.InstanceStateNameRunning),
	aws.String(ec2.InstanceStateNameShuttingDown),
	aws.String(ec2.InstanceStateNameStopping),
	aws.String(ec2.InstanceStateNameStopped),
}

// acceleratorInstanceTypes picks an instance type for accelerator requests that don't name one.
var acceleratorInstanceTypes = map[string]string{
	"T4:1":   "g4dn.xlarge",
	"A10G:1": "g5.xlarge",
	"A10G:4": "g5.12xlarge",
	"L4:1":   "g6.xlarge",
	"V100:1": "p3.2xlarge",
	"V100:4": "p3.8xlarge",
	"A100:8": "p4d.24xlarge",
	"H100:8": "p5.48xlarge",
}

// Cluster is a Backend that runs each cluster as an EC2 instance tagged with the cluster name.
// The instance runs the task from its user data, reports its exit status and log through presigned S3 URLs,
// and then shuts itself down after the idle timeout, which terminates it.
type Cluster struct {
	InstanceType       string
	PollInterval       time.Duration
	PresignTTL         time.Duration
	CleanupWait        bool
	RunInstancesConfig func(*ec2.RunInstancesInput) error

	config *config
}

func collectPages[IN any, OUT any](input IN, fn func(IN, func(OUT, bool) bool) error) ([]OUT, error) {
	var out []OUT
	err := fn(input, func(output OUT, more bool) bool {
		out = append(out, output)
		return true
	})
	return out, err
}

func collectPagesWithContext[IN any, OUT any](ctx context.Context, input IN, fn func(context.Context, IN, func(OUT, bool) bool, ...request.Option) error, opts ...request.Option) ([]OUT, error) {
	var out []OUT
	err := fn(ctx, input, func(output OUT, more bool) bool {
		out = append(out, output)
		return true
	}, opts...)
	return out, err
}

// WithRunInstancesInput registers a callback for customizing RunInstances calls when clusters are launched.
func (c *Cluster) WithRunInstancesInput(f func(input *ec2.RunInstancesInput) error) *Cluster {
	c.RunInstancesConfig = f
	return c
}

func (c *Cluster) WithLogger(l *zap.SugaredLogger) *Cluster {
	c.config.log = l.Named("ec2_cluster")
	return c
}

func (c *Cluster) WithInstanceType(s string) *Cluster {
	c.InstanceType = s
	return c
}

func (c *Cluster) WithSession(sess *session.Session) *Cluster {
	c.config.session = sess
	return c
}

// WithResources uses the given resources instead of discovering them from the CloudFormation stack.
func (c *Cluster) WithResources(r Resources) *Cluster {
	c.config.staticResources = &r
	return c
}

func (c *Cluster) WithResourcesProvider(p ResourcesProvider) *Cluster {
	c.config.resourcesProvider = p
	return c
}

// WithCleanupWait causes Down to wait for instance termination to succeed before returning.
func (c *Cluster) WithCleanupWait() *Cluster {
	c.CleanupWait = true
	return c
}

// NewCluster creates a new EC2 backend.
// This uses standard AWS profile env vars and the shared credentials file.
// With no configuration, this uses the default profile.
// The user/role used must have permissions to launch, describe, and terminate EC2 instances
// and to read and write the staging bucket.
//
// By default, resources are discovered from the stack exported as StackExportName.
func NewCluster() *Cluster {
	return &Cluster{
		InstanceType: "t3.micro",
		PollInterval: 15 * time.Second,
		PresignTTL:   7 * 24 * time.Hour,
		config:       &config{},
	}
}

func (c *Cluster) ensureLoaded() error {
	return c.config.ensureLoaded()
}

func exitCodeKey(cluster string) string {
	return path.Join(stagingPrefix, "clusters", cluster, "exit_code")
}

func taskLogKey(cluster string) string {
	return path.Join(stagingPrefix, "clusters", cluster, "task.log")
}

func (c *Cluster) instanceType(r task.Resources) (string, error) {
	if r.InstanceType != "" {
		return r.InstanceType, nil
	}
	if r.Accelerators != "" {
		acc := r.Accelerators
		if !strings.Contains(acc, ":") {
			acc += ":1"
		}
		it, ok := acceleratorInstanceTypes[acc]
		if !ok {
			return "", fmt.Errorf("no known instance type for accelerators %q, set resources.instance_type", r.Accelerators)
		}
		return it, nil
	}
	return c.InstanceType, nil
}

// stageWorkdir uploads the workdir to the staging bucket, keyed by its hash for deduping, and returns a presigned URL for it.
func (c *Cluster) stageWorkdir(ctx context.Context, dir string) (string, error) {
	archive, sum, err := archiveDir(dir)
	if err != nil {
		return "", err
	}
	bucket := c.config.resources.StagingBucket
	key := path.Join(stagingPrefix, "workdirs", sum+".tar.gz")

	_, err = c.config.s3Client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		_, err = c.config.s3Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
			Bucket: &bucket,
			Key:    &key,
			Body:   bytes.NewReader(archive),
		})
		if err != nil {
			return "", fmt.Errorf("putting workdir to S3: %w", err)
		}
	}

	req, _ := c.config.s3Client.GetObjectRequest(&s3.GetObjectInput{Bucket: &bucket, Key: &key})
	u, err := req.Presign(c.PresignTTL)
	if err != nil {
		return "", fmt.Errorf("presigning workdir URL: %w", err)
	}
	return u, nil
}

func (c *Cluster) presignPut(key string) (string, error) {
	req, _ := c.config.s3Client.PutObjectRequest(&s3.PutObjectInput{
		Bucket: &c.config.resources.StagingBucket,
		Key:    &key,
	})
	u, err := req.Presign(c.PresignTTL)
	if err != nil {
		return "", fmt.Errorf("presigning %q: %w", key, err)
	}
	return u, nil
}

func renderUserData(req clusteriface.LaunchRequest, workdirURL, logURL, exitCodeURL string) (string, error) {
	script := &clusteriface.Script{Task: req.Task, Workdir: remoteWorkdir}
	text, err := script.Render()
	if err != nil {
		return "", err
	}
	buf := &bytes.Buffer{}
	err = userDataTmpl.Execute(buf, map[string]any{
		"Workdir":     remoteWorkdir,
		"ScriptB64":   base64.StdEncoding.EncodeToString([]byte(text)),
		"WorkdirURL":  workdirURL,
		"LogURL":      logURL,
		"ExitCodeURL": exitCodeURL,
		"IdleMinutes": req.IdleMinutesToAutostop,
	})
	if err != nil {
		return "", fmt.Errorf("executing user data template: %w", err)
	}
	if buf.Len() > maxUserDataBytes {
		return "", fmt.Errorf("user data is %d bytes, larger than the EC2 limit of %d", buf.Len(), maxUserDataBytes)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (c *Cluster) runInstancesInput(req clusteriface.LaunchRequest, instanceType, userData string) *ec2.RunInstancesInput {
	res := c.config.resources
	input := &ec2.RunInstancesInput{
		ImageId:                           &res.AMIID,
		InstanceType:                      &instanceType,
		MaxCount:                          aws.Int64(1),
		MinCount:                          aws.Int64(1),
		InstanceInitiatedShutdownBehavior: aws.String(ec2.ShutdownBehaviorTerminate),
		UserData:                          &userData,
		TagSpecifications: []*ec2.TagSpecification{{
			ResourceType: aws.String(ec2.ResourceTypeInstance),
			Tags: []*ec2.Tag{
				{Key: aws.String(tagCluster), Value: aws.String(req.Cluster)},
				{Key: aws.String(tagIdleMinutes), Value: aws.String(strconv.Itoa(req.IdleMinutesToAutostop))},
				{Key: aws.String("Name"), Value: aws.String(req.Cluster)},
			},
		}},
	}
	if res.InstanceProfileARN != "" {
		input.IamInstanceProfile = &ec2.IamInstanceProfileSpecification{Arn: &res.InstanceProfileARN}
	}
	if res.SubnetID != "" {
		iface := &ec2.InstanceNetworkInterfaceSpecification{
			AssociatePublicIpAddress: aws.Bool(true),
			DeleteOnTermination:      aws.Bool(true),
			SubnetId:                 &res.SubnetID,
			DeviceIndex:              aws.Int64(0),
		}
		if res.InstanceSecurityGroupID != "" {
			iface.Groups = []*string{&res.InstanceSecurityGroupID}
		}
		input.NetworkInterfaces = []*ec2.InstanceNetworkInterfaceSpecification{iface}
	}
	if size := req.Task.Resources.DiskSizeGB; size > 0 {
		input.BlockDeviceMappings = []*ec2.BlockDeviceMapping{{
			DeviceName: aws.String("/dev/xvda"),
			Ebs: &ec2.EbsBlockDevice{
				VolumeSize:          aws.Int64(int64(size)),
				DeleteOnTermination: aws.Bool(true),
			},
		}}
	}
	if req.Mode == clusteriface.ManagedSpot {
		input.InstanceMarketOptions = &ec2.InstanceMarketOptionsRequest{
			MarketType: aws.String(ec2.MarketTypeSpot),
			SpotOptions: &ec2.SpotMarketOptions{
				SpotInstanceType:             aws.String(ec2.SpotInstanceTypeOneTime),
				InstanceInterruptionBehavior: aws.String(ec2.InstanceInterruptionBehaviorTerminate),
			},
		}
	}
	return input
}

func (c *Cluster) Launch(ctx context.Context, req clusteriface.LaunchRequest) error {
	launchErr := func(err error) error { return &clusteriface.LaunchError{Cluster: req.Cluster, Err: err} }
	if err := c.ensureLoaded(); err != nil {
		return launchErr(err)
	}
	log := c.config.log

	for dst, src := range req.Task.FileMounts {
		if !task.IsRemote(src) {
			return launchErr(fmt.Errorf("local mount source %q for %q cannot be shipped to EC2, use an s3:// source", src, dst))
		}
	}
	if r := req.Task.Resources.Region; r != "" && c.config.session != nil && c.config.session.Config.Region != nil && r != *c.config.session.Config.Region {
		log.Warnw("task region differs from the session region, launching in the session region", "taskRegion", r, "region", *c.config.session.Config.Region)
	}

	existing, err := c.clusterInstances(ctx, req.Cluster)
	if err != nil {
		return launchErr(err)
	}
	if len(existing) > 0 {
		return launchErr(fmt.Errorf("cluster already has %d live instances", len(existing)))
	}

	instanceType, err := c.instanceType(req.Task.Resources)
	if err != nil {
		return launchErr(err)
	}

	workdirURL, err := c.stageWorkdir(ctx, req.Task.Workdir)
	if err != nil {
		return launchErr(fmt.Errorf("staging workdir: %w", err))
	}
	c.deleteStatusObjects(ctx, req.Cluster)
	logURL, err := c.presignPut(taskLogKey(req.Cluster))
	if err != nil {
		return launchErr(err)
	}
	exitCodeURL, err := c.presignPut(exitCodeKey(req.Cluster))
	if err != nil {
		return launchErr(err)
	}

	userData, err := renderUserData(req, workdirURL, logURL, exitCodeURL)
	if err != nil {
		return launchErr(err)
	}

	input := c.runInstancesInput(req, instanceType, userData)
	if c.RunInstancesConfig != nil {
		if err := c.RunInstancesConfig(input); err != nil {
			return launchErr(fmt.Errorf("calling RunInstancesConfig function: %w", err))
		}
	}

	reservation, err := c.config.ec2Client.RunInstancesWithContext(ctx, input)
	if err != nil {
		return launchErr(fmt.Errorf("launching instance: %w", err))
	}
	if len(reservation.Instances) != 1 {
		return launchErr(fmt.Errorf("expected 1 instance but got %d", len(reservation.Instances)))
	}

	instances, err := c.waitForInstances(ctx, reservation.Instances)
	if err != nil {
		return launchErr(fmt.Errorf("waiting for instances: %w", err))
	}
	instanceIDs := make([]*string, 0, len(instances))
	for _, inst := range instances {
		instanceIDs = append(instanceIDs, inst.InstanceId)
		log.Infow("instance running", "cluster", req.Cluster, "instanceID", *inst.InstanceId, "instanceType", instanceType, "mode", req.Mode.String())
	}

	code, err := c.waitForExitCode(ctx, req.Cluster, instanceIDs)
	c.copyTaskLog(ctx, req.Cluster, req.Stdout)
	if err != nil {
		return &clusteriface.TaskExecutionError{Cluster: req.Cluster, ExitCode: -1, Err: err}
	}
	if code != 0 {
		return &clusteriface.TaskExecutionError{Cluster: req.Cluster, ExitCode: code}
	}
	return nil
}

func (c *Cluster) waitForInstances(ctx context.Context, instances []*ec2.Instance) ([]*ec2.Instance, error) {
	var instanceIDs []*string
	for _, inst := range instances {
		instanceIDs = append(instanceIDs, inst.InstanceId)
	}

	var newInstances []*ec2.Instance
	for i := 0; ; i++ {
		if i != 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(1 * time.Second):
			}
		}
		out, err := c.config.ec2Client.DescribeInstancesWithContext(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: instanceIDs,
		})
		if err != nil {
			// this can happen due to EC2 eventual consistency, ignore it and keep polling
			if awsErr, ok := err.(awserr.Error); ok {
				if awsErr.Code() == "InvalidInstanceID.NotFound" {
					continue
				}
			}
			return nil, fmt.Errorf("waiting for EC2 instance: %w", err)
		}
		newInstances = nil
		for _, res := range out.Reservations {
			for _, inst := range res.Instances {
				stateName := *inst.State.Name
				switch stateName {
				case ec2.InstanceStateNamePending:
					continue
				case ec2.InstanceStateNameRunning:
					newInstances = append(newInstances, inst)
				default:
					return nil, fmt.Errorf("unexpected instance state %q", stateName)
				}
			}
		}
		if len(newInstances) == len(instances) {
			return newInstances, nil
		}
	}
}

// waitForExitCode polls for the exit status uploaded by the instance.
func (c *Cluster) waitForExitCode(ctx context.Context, cluster string, instanceIDs []*string) (int, error) {
	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()
	for {
		code, ok, err := c.readExitCode(ctx, cluster)
		if err != nil {
			return -1, err
		}
		if ok {
			return code, nil
		}

		alive, err := c.instancesAlive(ctx, instanceIDs)
		if err != nil {
			return -1, err
		}
		if !alive {
			// the instance may have reported right before it went away
			if code, ok, err := c.readExitCode(ctx, cluster); err == nil && ok {
				return code, nil
			}
			return -1, errors.New("instance stopped before reporting an exit status, it may have been preempted")
		}

		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Cluster) readExitCode(ctx context.Context, cluster string) (int, bool, error) {
	out, err := c.config.s3Client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: &c.config.resources.StagingBucket,
		Key:    aws.String(exitCodeKey(cluster)),
	})
	if err != nil {
		if awsErr, ok := err.(awserr.Error); ok && awsErr.Code() == s3.ErrCodeNoSuchKey {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("reading exit code: %w", err)
	}
	defer out.Body.Close()
	b, err := io.ReadAll(out.Body)
	if err != nil {
		return 0, false, fmt.Errorf("reading exit code: %w", err)
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, false, fmt.Errorf("parsing exit code %q: %w", b, err)
	}
	return code, true, nil
}

func (c *Cluster) instancesAlive(ctx context.Context, instanceIDs []*string) (bool, error) {
	out, err := c.config.ec2Client.DescribeInstancesWithContext(ctx, &ec2.DescribeInstancesInput{InstanceIds: instanceIDs})
	if err != nil {
		return false, fmt.Errorf("describing instances: %w", err)
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			switch *inst.State.Name {
			case ec2.InstanceStateNamePending, ec2.InstanceStateNameRunning:
				return true, nil
			}
		}
	}
	return false, nil
}

func (c *Cluster) copyTaskLog(ctx context.Context, cluster string, w io.Writer) {
	if w == nil {
		return
	}
	out, err := c.config.s3Client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: &c.config.resources.StagingBucket,
		Key:    aws.String(taskLogKey(cluster)),
	})
	if err != nil {
		c.config.log.Debugw("task log unavailable", "cluster", cluster, "error", err)
		return
	}
	defer out.Body.Close()
	if _, err := io.Copy(w, out.Body); err != nil {
		c.config.log.Warnw("copying task log", "cluster", cluster, "error", err)
	}
}

func (c *Cluster) deleteStatusObjects(ctx context.Context, cluster string) {
	for _, key := range []string{exitCodeKey(cluster), taskLogKey(cluster)} {
		_, err := c.config.s3Client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
			Bucket: &c.config.resources.StagingBucket,
			Key:    aws.String(key),
		})
		if err != nil {
			c.config.log.Warnw("unable to delete staging object", "cluster", cluster, "key", key, "error", err)
		}
	}
}

func (c *Cluster) describeInstances(ctx context.Context, filters []*ec2.Filter) ([]*ec2.Instance, error) {
	pages, err := collectPagesWithContext(ctx, &ec2.DescribeInstancesInput{Filters: filters}, c.config.ec2Client.DescribeInstancesPagesWithContext)
	if err != nil {
		return nil, fmt.Errorf("describing instances: %w", err)
	}
	var instances []*ec2.Instance
	for _, page := range pages {
		for _, res := range page.Reservations {
			instances = append(instances, res.Instances...)
		}
	}
	return instances, nil
}

func (c *Cluster) clusterInstances(ctx context.Context, cluster string) ([]*ec2.Instance, error) {
	return c.describeInstances(ctx, []*ec2.Filter{
		{Name: aws.String("tag:" + tagCluster), Values: []*string{aws.String(cluster)}},
		{Name: aws.String("instance-state-name"), Values: liveStates},
	})
}

func instanceTag(inst *ec2.Instance, key string) string {
	for _, t := range inst.Tags {
		if t.Key != nil && *t.Key == key && t.Value != nil {
			return *t.Value
		}
	}
	return ""
}

// aggregateState reports a cluster as Running if any instance runs, then Pending, then Stopped.
func aggregateState(states []string) clusteriface.State {
	result := clusteriface.Unknown
	rank := map[clusteriface.State]int{clusteriface.Unknown: 0, clusteriface.Stopped: 1, clusteriface.Pending: 2, clusteriface.Running: 3}
	for _, s := range states {
		var st clusteriface.State
		switch s {
		case ec2.InstanceStateNameRunning:
			st = clusteriface.Running
		case ec2.InstanceStateNamePending:
			st = clusteriface.Pending
		case ec2.InstanceStateNameStopping, ec2.InstanceStateNameStopped, ec2.InstanceStateNameShuttingDown:
			st = clusteriface.Stopped
		default:
			st = clusteriface.Unknown
		}
		if rank[st] > rank[result] {
			result = st
		}
	}
	return result
}

func (c *Cluster) Status(ctx context.Context) ([]clusteriface.Handle, error) {
	if err := c.ensureLoaded(); err != nil {
		return nil, err
	}
	instances, err := c.describeInstances(ctx, []*ec2.Filter{
		{Name: aws.String("tag-key"), Values: []*string{aws.String(tagCluster)}},
		{Name: aws.String("instance-state-name"), Values: liveStates},
	})
	if err != nil {
		return nil, err
	}

	states := map[string][]string{}
	for _, inst := range instances {
		name := instanceTag(inst, tagCluster)
		states[name] = append(states[name], *inst.State.Name)
	}
	var handles []clusteriface.Handle
	for name, s := range states {
		handles = append(handles, clusteriface.Handle{Name: name, State: aggregateState(s)})
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].Name < handles[j].Name })
	return handles, nil
}

func (c *Cluster) Down(ctx context.Context, name string) error {
	if err := c.ensureLoaded(); err != nil {
		return err
	}
	instances, err := c.clusterInstances(ctx, name)
	if err != nil {
		return err
	}

	var instanceIDs []*string
	for _, inst := range instances {
		instanceIDs = append(instanceIDs, inst.InstanceId)
	}
	if len(instanceIDs) > 0 {
		_, err = c.config.ec2Client.TerminateInstancesWithContext(ctx, &ec2.TerminateInstancesInput{InstanceIds: instanceIDs})
		if err != nil {
			if awsErr, ok := err.(awserr.Error); !ok || awsErr.Code() != "InvalidInstanceID.NotFound" {
				return fmt.Errorf("terminating instances of cluster %q: %w", name, err)
			}
		}
		if c.CleanupWait {
			err := c.config.ec2Client.WaitUntilInstanceTerminatedWithContext(ctx, &ec2.DescribeInstancesInput{InstanceIds: instanceIDs})
			if err != nil {
				return fmt.Errorf("waiting for instances of cluster %q to terminate: %w", name, err)
			}
		}
	}

	c.deleteStatusObjects(ctx, name)
	return nil
}
