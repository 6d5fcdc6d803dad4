package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// SecretScheme marks a value stored in AWS SSM Parameter Store, e.g.
// ssm:///voxsync/prod/jwt-secret.
const SecretScheme = "ssm://"

// ssmAPI is the part of *ssm.Client the resolver uses.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// ParamStore reads decrypted parameters from SSM.
type ParamStore struct {
	api ssmAPI
}

// NewParamStore wraps api.
func NewParamStore(api ssmAPI) (*ParamStore, error) {
	if api == nil {
		return nil, errors.New("config: ssm api must not be nil")
	}
	return &ParamStore{api: api}, nil
}

// NewAWSParamStore builds a ParamStore from the default AWS credential
// chain. region may be empty.
func NewAWSParamStore(ctx context.Context, region string) (*ParamStore, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return NewParamStore(ssm.NewFromConfig(awsCfg))
}

// Get returns the value of parameter name.
func (p *ParamStore) Get(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("config: parameter name is required")
	}

	withDecryption := true
	out, err := p.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("failed to get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %q has no value", name)
	}
	return *out.Parameter.Value, nil
}

// IsSecretRef reports whether v names an SSM parameter.
func IsSecretRef(v string) bool {
	return strings.HasPrefix(v, SecretScheme)
}

// secretFields lists the settings that may hold ssm:// references.
func (c *Config) secretFields() map[string]*string {
	return map[string]*string{
		"api.jwt_secret":   &c.API.JWTSecret,
		"backend.dsn":      &c.Backend.DSN,
		"notify.redis_url": &c.Notify.RedisURL,
	}
}

// HasSecretRefs reports whether any setting needs ResolveSecrets.
func (c *Config) HasSecretRefs() bool {
	for _, p := range c.secretFields() {
		if IsSecretRef(*p) {
			return true
		}
	}
	return false
}

// ResolveSecrets replaces ssm:// references in place.
func (c *Config) ResolveSecrets(ctx context.Context, store *ParamStore) error {
	for key, p := range c.secretFields() {
		if !IsSecretRef(*p) {
			continue
		}
		val, err := store.Get(ctx, strings.TrimPrefix(*p, SecretScheme))
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", key, err)
		}
		*p = val
	}
	return nil
}
