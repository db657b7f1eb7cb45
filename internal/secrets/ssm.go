// Package secrets resolves configuration values stored in AWS SSM Parameter Store.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the subset of *ssm.Client the resolver uses.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSM fetches decrypted parameters. It satisfies config.SecretGetter.
type SSM struct {
	api   ssmAPI
	cache map[string]string
}

// New wraps an SSM API implementation.
func New(api ssmAPI) (*SSM, error) {
	if api == nil {
		return nil, errors.New("secrets: api must not be nil")
	}
	return &SSM{api: api, cache: make(map[string]string)}, nil
}

// NewFromEnvironment builds a resolver from the default AWS credential chain.
func NewFromEnvironment(ctx context.Context) (*SSM, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("secrets: load aws config: %w", err)
	}
	return New(ssm.NewFromConfig(awsCfg))
}

// GetParameter returns the decrypted value of the named parameter.
func (s *SSM) GetParameter(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("secrets: name is required")
	}
	if v, ok := s.cache[name]; ok {
		return v, nil
	}

	out, err := s.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("secrets: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("secrets: parameter %q has no value", name)
	}
	v := aws.ToString(out.Parameter.Value)
	s.cache[name] = v
	return v, nil
}
