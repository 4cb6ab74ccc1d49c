package aws

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	clusteriface "github.com/guseggert/clusterrun/cluster"
	"github.com/guseggert/clusterrun/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeEC2 struct {
	ec2iface.EC2API

	instances    []*ec2.Instance
	terminated   []string
	terminateErr error
}

func tagFilterMatches(inst *ec2.Instance, f *ec2.Filter) bool {
	name := *f.Name
	match := func(v string) bool {
		for _, want := range f.Values {
			if *want == v {
				return true
			}
		}
		return false
	}
	switch {
	case name == "tag-key":
		for _, want := range f.Values {
			for _, t := range inst.Tags {
				if *t.Key == *want {
					return true
				}
			}
		}
		return false
	case strings.HasPrefix(name, "tag:"):
		key := strings.TrimPrefix(name, "tag:")
		for _, t := range inst.Tags {
			if *t.Key == key && match(*t.Value) {
				return true
			}
		}
		return false
	case name == "instance-state-name":
		return match(*inst.State.Name)
	}
	return true
}

func (f *fakeEC2) DescribeInstancesPagesWithContext(ctx aws.Context, input *ec2.DescribeInstancesInput, fn func(*ec2.DescribeInstancesOutput, bool) bool, opts ...request.Option) error {
	var matched []*ec2.Instance
	for _, inst := range f.instances {
		ok := true
		for _, filter := range input.Filters {
			if !tagFilterMatches(inst, filter) {
				ok = false
				break
			}
		}
		if ok {
			matched = append(matched, inst)
		}
	}
	// one instance per page to exercise pagination
	if len(matched) == 0 {
		fn(&ec2.DescribeInstancesOutput{}, true)
		return nil
	}
	for i, inst := range matched {
		fn(&ec2.DescribeInstancesOutput{Reservations: []*ec2.Reservation{{Instances: []*ec2.Instance{inst}}}}, i == len(matched)-1)
	}
	return nil
}

func (f *fakeEC2) TerminateInstancesWithContext(ctx aws.Context, input *ec2.TerminateInstancesInput, opts ...request.Option) (*ec2.TerminateInstancesOutput, error) {
	for _, id := range input.InstanceIds {
		f.terminated = append(f.terminated, *id)
	}
	return &ec2.TerminateInstancesOutput{}, f.terminateErr
}

type fakeS3 struct {
	s3iface.S3API

	objects map[string]string
	deleted []string
}

func (f *fakeS3) DeleteObjectWithContext(ctx aws.Context, input *s3.DeleteObjectInput, opts ...request.Option) (*s3.DeleteObjectOutput, error) {
	f.deleted = append(f.deleted, *input.Key)
	delete(f.objects, *input.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error) {
	v, ok := f.objects[*input.Key]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "not found", nil)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(v))}, nil
}

func instance(id, cluster, state string) *ec2.Instance {
	inst := &ec2.Instance{
		InstanceId: aws.String(id),
		State:      &ec2.InstanceState{Name: aws.String(state)},
	}
	if cluster != "" {
		inst.Tags = []*ec2.Tag{{Key: aws.String(tagCluster), Value: aws.String(cluster)}}
	}
	return inst
}

func newTestCluster(t *testing.T, ec2Client *fakeEC2, s3Client *fakeS3) *Cluster {
	c := NewCluster()
	c.config = &config{
		loaded:    true,
		log:       zaptest.NewLogger(t).Sugar(),
		ec2Client: ec2Client,
		s3Client:  s3Client,
		resources: &Resources{StagingBucket: "staging", AMIID: "ami-123"},
	}
	return c
}

func TestParseStackOutputs(t *testing.T) {
	outputs := map[string]string{
		"EC2InstanceProfileARN":      "arn:aws:iam::123456789012:instance-profile/clusterrun",
		"PublicSubnetIDs":            "subnet-a,subnet-b",
		"EC2InstanceSecurityGroupID": "sg-1",
		"S3BucketARN":                "arn:aws:s3:::staging-bucket",
	}
	parsed, err := parseStackOutputs(outputs)
	require.NoError(t, err)
	assert.Equal(t, "123456789012", parsed.accountID)
	assert.Equal(t, []string{"subnet-a", "subnet-b"}, parsed.publicSubnetIDs)
	assert.Equal(t, "sg-1", parsed.ec2SecurityGroupID)
	assert.Equal(t, "staging-bucket", parsed.s3Bucket)

	delete(outputs, "S3BucketARN")
	_, err = parseStackOutputs(outputs)
	assert.ErrorContains(t, err, "S3 bucket")
}

func TestArchiveDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "train.py"), []byte("print(1)"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "data.txt"), []byte("abc"), 0644))

	b, sum, err := archiveDir(dir)
	require.NoError(t, err)
	assert.Len(t, sum, 64)

	gz, err := gzip.NewReader(bytes.NewReader(b))
	require.NoError(t, err)
	tr := tar.NewReader(gz)
	files := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if hdr.Typeflag == tar.TypeReg {
			content, err := io.ReadAll(tr)
			require.NoError(t, err)
			files[hdr.Name] = string(content)
		}
	}
	assert.Equal(t, map[string]string{"train.py": "print(1)", "sub/data.txt": "abc"}, files)

	_, sum2, err := archiveDir(dir)
	require.NoError(t, err)
	assert.Equal(t, sum, sum2)
}

func TestRenderUserData(t *testing.T) {
	req := clusteriface.LaunchRequest{
		Cluster:               "run-1",
		Task:                  &task.Spec{Name: "train", Run: "python train.py", Envs: map[string]string{"RUN_ID": "1"}},
		IdleMinutesToAutostop: 7,
	}
	encoded, err := renderUserData(req, "https://get?a=1&b=2", "https://log", "https://exit")
	require.NoError(t, err)
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	userData := string(decoded)

	assert.Contains(t, userData, "curl -sSf --retry 3 -o workdir.tar.gz 'https://get?a=1&b=2'")
	assert.Contains(t, userData, "--upload-file exit_code 'https://exit'")
	assert.Contains(t, userData, "shutdown -h +7")

	start := strings.Index(userData, "echo '") + len("echo '")
	end := strings.Index(userData[start:], "'")
	script, err := base64.StdEncoding.DecodeString(userData[start : start+end])
	require.NoError(t, err)
	assert.Contains(t, string(script), "cd '/opt/clusterrun/workdir'")
	assert.Contains(t, string(script), "export RUN_ID='1'")
	assert.Contains(t, string(script), "python train.py")

	req.Task.Run = strings.Repeat("x", maxUserDataBytes)
	_, err = renderUserData(req, "u", "l", "e")
	assert.ErrorContains(t, err, "user data")
}

func TestInstanceType(t *testing.T) {
	c := NewCluster()
	cases := []struct {
		name      string
		resources task.Resources
		expected  string
		err       bool
	}{
		{name: "default", expected: "t3.micro"},
		{name: "explicit", resources: task.Resources{InstanceType: "m5.large", Accelerators: "A100:8"}, expected: "m5.large"},
		{name: "accelerator", resources: task.Resources{Accelerators: "A10G:1"}, expected: "g5.xlarge"},
		{name: "accelerator without count", resources: task.Resources{Accelerators: "T4"}, expected: "g4dn.xlarge"},
		{name: "unknown accelerator", resources: task.Resources{Accelerators: "TPU:9"}, err: true},
	}
	for _, c2 := range cases {
		t.Run(c2.name, func(t *testing.T) {
			it, err := c.instanceType(c2.resources)
			if c2.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c2.expected, it)
		})
	}
}

func TestRunInstancesInput(t *testing.T) {
	c := newTestCluster(t, &fakeEC2{}, &fakeS3{})
	c.config.resources.SubnetID = "subnet-a"
	c.config.resources.InstanceSecurityGroupID = "sg-1"
	req := clusteriface.LaunchRequest{
		Cluster:               "run-1",
		Task:                  &task.Spec{Resources: task.Resources{DiskSizeGB: 100}},
		Mode:                  clusteriface.ManagedSpot,
		IdleMinutesToAutostop: 10,
	}
	input := c.runInstancesInput(req, "g5.xlarge", "ZGF0YQ==")

	assert.Equal(t, "g5.xlarge", *input.InstanceType)
	assert.Equal(t, ec2.ShutdownBehaviorTerminate, *input.InstanceInitiatedShutdownBehavior)
	assert.Equal(t, ec2.MarketTypeSpot, *input.InstanceMarketOptions.MarketType)
	assert.Equal(t, int64(100), *input.BlockDeviceMappings[0].Ebs.VolumeSize)
	assert.Equal(t, "subnet-a", *input.NetworkInterfaces[0].SubnetId)
	assert.Equal(t, "sg-1", *input.NetworkInterfaces[0].Groups[0])
	assert.Equal(t, "run-1", instanceTag(&ec2.Instance{Tags: input.TagSpecifications[0].Tags}, tagCluster))

	req.Mode = clusteriface.OnDemand
	assert.Nil(t, c.runInstancesInput(req, "t3.micro", "").InstanceMarketOptions)
}

func TestAggregateState(t *testing.T) {
	assert.Equal(t, clusteriface.Running, aggregateState([]string{"stopped", "running", "pending"}))
	assert.Equal(t, clusteriface.Pending, aggregateState([]string{"stopped", "pending"}))
	assert.Equal(t, clusteriface.Stopped, aggregateState([]string{"shutting-down"}))
	assert.Equal(t, clusteriface.Unknown, aggregateState(nil))
}

func TestStatusAndDown(t *testing.T) {
	ctx := context.Background()
	ec2Client := &fakeEC2{instances: []*ec2.Instance{
		instance("i-1", "run-b", ec2.InstanceStateNameRunning),
		instance("i-2", "run-a", ec2.InstanceStateNameStopped),
		instance("i-3", "run-a", ec2.InstanceStateNamePending),
		instance("i-4", "run-c", ec2.InstanceStateNameTerminated),
		instance("i-5", "", ec2.InstanceStateNameRunning),
	}}
	s3Client := &fakeS3{objects: map[string]string{exitCodeKey("run-a"): "0"}}
	c := newTestCluster(t, ec2Client, s3Client)

	handles, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, []clusteriface.Handle{
		{Name: "run-a", State: clusteriface.Pending},
		{Name: "run-b", State: clusteriface.Running},
	}, handles)

	require.NoError(t, c.Down(ctx, "run-a"))
	assert.ElementsMatch(t, []string{"i-2", "i-3"}, ec2Client.terminated)
	assert.Contains(t, s3Client.deleted, exitCodeKey("run-a"))
	assert.NotContains(t, s3Client.objects, exitCodeKey("run-a"))

	// no instances left for the name is still success
	ec2Client.terminated = nil
	require.NoError(t, c.Down(ctx, "run-missing"))
	assert.Empty(t, ec2Client.terminated)

	ec2Client.terminateErr = awserr.New("InvalidInstanceID.NotFound", "gone", nil)
	require.NoError(t, c.Down(ctx, "run-b"))

	ec2Client.terminateErr = awserr.New("UnauthorizedOperation", "denied", nil)
	assert.ErrorContains(t, c.Down(ctx, "run-b"), "denied")
}

func TestReadExitCode(t *testing.T) {
	ctx := context.Background()
	s3Client := &fakeS3{objects: map[string]string{exitCodeKey("run-a"): "3\n", exitCodeKey("run-bad"): "oops"}}
	c := newTestCluster(t, &fakeEC2{}, s3Client)

	code, ok, err := c.readExitCode(ctx, "run-a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, code)

	_, ok, err = c.readExitCode(ctx, "run-none")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = c.readExitCode(ctx, "run-bad")
	assert.Error(t, err)
}

func TestLaunchRejectsLocalMounts(t *testing.T) {
	c := newTestCluster(t, &fakeEC2{}, &fakeS3{})
	err := c.Launch(context.Background(), clusteriface.LaunchRequest{
		Cluster: "run-1",
		Task:    &task.Spec{Name: "t", Run: "true", FileMounts: map[string]string{"/data": "/home/me/data"}},
	})
	var launchErr *clusteriface.LaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.Equal(t, "run-1", launchErr.Cluster)
}

func TestLaunchCollision(t *testing.T) {
	ec2Client := &fakeEC2{instances: []*ec2.Instance{instance("i-1", "run-1", ec2.InstanceStateNameRunning)}}
	c := newTestCluster(t, ec2Client, &fakeS3{})
	err := c.Launch(context.Background(), clusteriface.LaunchRequest{
		Cluster: "run-1",
		Task:    &task.Spec{Name: "t", Run: "true"},
	})
	var launchErr *clusteriface.LaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.ErrorContains(t, err, "live instances")
}
