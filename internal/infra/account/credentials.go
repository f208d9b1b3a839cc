// Package account performs the cross-account credential exchange and
// candidate account validation.
package account

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/drwave/drwave/internal/core/domain"
)

// Resolver builds per-account AWS configurations. Assume-role failures are
// authorization errors and never retried.
type Resolver struct {
	base        aws.Config
	sessionName string
}

// NewResolver wraps the process's base configuration.
func NewResolver(base aws.Config, sessionName string) *Resolver {
	if sessionName == "" {
		sessionName = "drwave"
	}
	return &Resolver{base: base, sessionName: sessionName}
}

// LoadBaseConfig loads the default AWS configuration for the given region.
func LoadBaseConfig(ctx context.Context, region string) (aws.Config, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return cfg, nil
}

// Config returns an AWS configuration scoped to the account context. When
// the context names a role, short-lived credentials are obtained through
// STS with the configured external ID; otherwise the base credentials are
// used with the context's region.
func (r *Resolver) Config(ctx context.Context, acct domain.AccountContext) (aws.Config, error) {
	cfg := r.base.Copy()
	if acct.Region != "" {
		cfg.Region = acct.Region
	}
	if acct.RoleARN == "" {
		return cfg, nil
	}

	stsClient := sts.NewFromConfig(cfg)
	provider := stscreds.NewAssumeRoleProvider(stsClient, acct.RoleARN, func(o *stscreds.AssumeRoleOptions) {
		o.RoleSessionName = r.sessionName
		if acct.ExternalID != "" {
			o.ExternalID = aws.String(acct.ExternalID)
		}
	})
	cfg.Credentials = aws.NewCredentialsCache(provider)

	// Force the exchange now so authorization failures surface at
	// admission, not mid-wave.
	if _, err := cfg.Credentials.Retrieve(ctx); err != nil {
		return aws.Config{}, &domain.AuthorizationError{
			AccountID: acct.AccountID,
			RoleARN:   acct.RoleARN,
			Err:       err,
		}
	}
	return cfg, nil
}

// ValidationResult is the outcome of a candidate account check.
type ValidationResult struct {
	Valid     bool   `json:"valid"`
	AccountID string `json:"account_id,omitempty"`
	ARN       string `json:"arn,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Validate verifies that the role in the account context can be assumed
// and reports the identity it resolves to.
func (r *Resolver) Validate(ctx context.Context, acct domain.AccountContext) ValidationResult {
	cfg, err := r.Config(ctx, acct)
	if err != nil {
		return ValidationResult{Valid: false, Error: err.Error()}
	}

	out, err := sts.NewFromConfig(cfg).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return ValidationResult{Valid: false, Error: err.Error()}
	}
	return ValidationResult{
		Valid:     true,
		AccountID: aws.ToString(out.Account),
		ARN:       aws.ToString(out.Arn),
	}
}
