package aws

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws/arn"
	"github.com/aws/aws-sdk-go/service/cloudformation"
	"github.com/aws/aws-sdk-go/service/ssm"
)

// StackExportName is the CloudFormation export holding the ARN of the stack that provides cluster resources.
const StackExportName = "ClusterrunStackARN"

// DefaultAMIParameter is the public SSM parameter holding the latest Amazon Linux AMI, which ships with bash, curl, and the AWS CLI.
const DefaultAMIParameter = "/aws/service/ami-amazon-linux-latest/al2023-ami-kernel-default-x86_64"

type stackOutputs struct {
	accountID             string
	ec2InstanceProfileARN string
	ec2SecurityGroupID    string
	publicSubnetIDs       []string
	s3Bucket              string
}

// CFNResourcesProvider discovers resources from the outputs of the exported clusterrun stack.
type CFNResourcesProvider struct {
	CFNClient *cloudformation.CloudFormation
	SSMClient *ssm.SSM
	Defaults  Resources
}

func (p *CFNResourcesProvider) Provide() (*Resources, error) {
	outputsMap, err := p.fetchStackOutputs()
	if err != nil {
		return nil, fmt.Errorf("fetching stack outputs: %w", err)
	}

	outputs, err := parseStackOutputs(outputsMap)
	if err != nil {
		return nil, fmt.Errorf("parsing stack outputs: %w", err)
	}

	resources := p.Defaults

	if resources.AMIID == "" {
		amiID, err := fetchAMIID(p.SSMClient, DefaultAMIParameter)
		if err != nil {
			return nil, err
		}
		resources.AMIID = amiID
	}

	resources.StagingBucket = outputs.s3Bucket
	resources.SubnetID = outputs.publicSubnetIDs[0]
	resources.InstanceProfileARN = outputs.ec2InstanceProfileARN
	resources.InstanceSecurityGroupID = outputs.ec2SecurityGroupID
	resources.AccountID = outputs.accountID

	return &resources, nil
}

// StaticResourcesProvider provides resources from configuration, looking up the AMI if none is set.
type StaticResourcesProvider struct {
	SSMClient *ssm.SSM
	Resources Resources
}

func (p *StaticResourcesProvider) Provide() (*Resources, error) {
	resources := p.Resources
	if resources.AMIID == "" {
		amiID, err := fetchAMIID(p.SSMClient, DefaultAMIParameter)
		if err != nil {
			return nil, err
		}
		resources.AMIID = amiID
	}
	return &resources, nil
}

func parseStackOutputs(outputs map[string]string) (stackOutputs, error) {
	var stackOutputs stackOutputs
	ec2InstanceProfileARN := outputs["EC2InstanceProfileARN"]
	if ec2InstanceProfileARN == "" {
		return stackOutputs, errors.New("unable to find EC2 instance profile ARN")
	}
	stackOutputs.ec2InstanceProfileARN = ec2InstanceProfileARN

	parsedARN, err := arn.Parse(ec2InstanceProfileARN)
	if err != nil {
		return stackOutputs, fmt.Errorf("parsing EC2 instance profile ARN %q: %w", ec2InstanceProfileARN, err)
	}
	stackOutputs.accountID = parsedARN.AccountID

	publicSubnetIDsStr := outputs["PublicSubnetIDs"]
	if publicSubnetIDsStr == "" {
		return stackOutputs, errors.New("unable to find subnet IDs")
	}
	stackOutputs.publicSubnetIDs = strings.Split(publicSubnetIDsStr, ",")

	securityGroupID := outputs["EC2InstanceSecurityGroupID"]
	if securityGroupID == "" {
		return stackOutputs, errors.New("unable to find security group ID")
	}
	stackOutputs.ec2SecurityGroupID = securityGroupID

	s3BucketARNStr := outputs["S3BucketARN"]
	if s3BucketARNStr == "" {
		return stackOutputs, errors.New("unable to find S3 bucket ARN")
	}
	s3BucketARN, err := arn.Parse(s3BucketARNStr)
	if err != nil {
		return stackOutputs, fmt.Errorf("parsing S3 bucket ARN %q: %w", s3BucketARNStr, err)
	}
	stackOutputs.s3Bucket = s3BucketARN.Resource

	return stackOutputs, nil
}

func (p *CFNResourcesProvider) fetchStackOutputs() (map[string]string, error) {
	listExportsPages, err := collectPages(&cloudformation.ListExportsInput{}, p.CFNClient.ListExportsPages)
	if err != nil {
		return nil, fmt.Errorf("listing CloudFormation exports: %w", err)
	}

	var stackARN string
	for _, page := range listExportsPages {
		for _, export := range page.Exports {
			if *export.Name == StackExportName {
				stackARN = *export.Value
			}
		}
	}
	if stackARN == "" {
		return nil, fmt.Errorf("unable to find CloudFormation export %q, configure resources explicitly or deploy the stack", StackExportName)
	}

	describeStacksPages, err := collectPages(
		&cloudformation.DescribeStacksInput{StackName: &stackARN},
		p.CFNClient.DescribeStacksPages,
	)
	if err != nil {
		return nil, fmt.Errorf("describing stack %q: %w", stackARN, err)
	}
	if len(describeStacksPages) != 1 {
		return nil, fmt.Errorf("expected DescribeStacks to have 1 page, but had %d", len(describeStacksPages))
	}
	if len(describeStacksPages[0].Stacks) != 1 {
		return nil, fmt.Errorf("expected DescribeStacks page to have 1 stack, but had %d", len(describeStacksPages[0].Stacks))
	}
	stack := describeStacksPages[0].Stacks[0]

	outputs := map[string]string{}
	for _, output := range stack.Outputs {
		outputs[*output.OutputKey] = *output.OutputValue
	}

	return outputs, nil
}

func fetchAMIID(client *ssm.SSM, param string) (string, error) {
	res, err := client.GetParameter(&ssm.GetParameterInput{Name: &param})
	if err != nil {
		return "", fmt.Errorf("fetching AMI ID from SSM parameter %q: %w", param, err)
	}
	if res.Parameter == nil || res.Parameter.Value == nil || *res.Parameter.Value == "" {
		return "", fmt.Errorf("SSM parameter %q has no value", param)
	}
	return *res.Parameter.Value, nil
}
