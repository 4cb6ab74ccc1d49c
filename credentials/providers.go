package credentials

import (
	"bytes"
	"fmt"

	"github.com/go-ini/ini"
)

const (
	AWSAccessKeyIDVar     = "AWS_ACCESS_KEY_ID"
	AWSSecretAccessKeyVar = "AWS_SECRET_ACCESS_KEY"
	LambdaAPIKeyVar       = "LAMBDA_LABS_API_KEY"
)

// Provider describes one cloud provider's credential file.
type Provider struct {
	Name string
	// Path is relative to the home directory.
	Path string
	// Required lists the secrets that must all be present for the file to be written.
	Required []string
	Render   func(values map[string]string) ([]byte, error)
}

// AWS writes the shared credentials file read by the AWS SDKs and CLI.
var AWS = Provider{
	Name:     "aws",
	Path:     ".aws/credentials",
	Required: []string{AWSAccessKeyIDVar, AWSSecretAccessKeyVar},
	Render: func(values map[string]string) ([]byte, error) {
		f := ini.Empty()
		sec, err := f.NewSection("default")
		if err != nil {
			return nil, err
		}
		if _, err := sec.NewKey("aws_access_key_id", values[AWSAccessKeyIDVar]); err != nil {
			return nil, err
		}
		if _, err := sec.NewKey("aws_secret_access_key", values[AWSSecretAccessKeyVar]); err != nil {
			return nil, err
		}
		buf := &bytes.Buffer{}
		if _, err := f.WriteTo(buf); err != nil {
			return nil, fmt.Errorf("rendering INI: %w", err)
		}
		return buf.Bytes(), nil
	},
}

// Lambda writes the Lambda Cloud key file.
var Lambda = Provider{
	Name:     "lambda",
	Path:     ".lambda_cloud/lambda_keys",
	Required: []string{LambdaAPIKeyVar},
	Render: func(values map[string]string) ([]byte, error) {
		return []byte(fmt.Sprintf("api_key = %s\n", values[LambdaAPIKeyVar])), nil
	},
}

// DefaultProviders are the providers provisioned when none are configured.
var DefaultProviders = []Provider{AWS, Lambda}
