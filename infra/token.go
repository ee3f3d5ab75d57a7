package infra

import (
	"fmt"

	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/secretsmanager"
	"github.com/pulumi/pulumi-random/sdk/v4/go/random"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// originToken is the edge authentication secret. The value is generated once
// and stays stable across redeployments; only the Secrets Manager ARN is
// ever exported.
type originToken struct {
	value     pulumi.StringOutput
	secretArn pulumi.StringOutput
}

func newOriginToken(ctx *pulumi.Context) (*originToken, error) {
	pw, err := random.NewRandomPassword(ctx, "origin-token", &random.RandomPasswordArgs{
		Length:  pulumi.Int(48),
		Special: pulumi.Bool(false),
	})
	if err != nil {
		return nil, fmt.Errorf("Error creating origin token: %w", err)
	}

	secret, err := secretsmanager.NewSecret(ctx, "origin-token-secret", &secretsmanager.SecretArgs{
		NamePrefix:  pulumi.String("webui-origin-token-"),
		Description: pulumi.String("Header value the edge distribution must present to the WebUI ALB"),
	})
	if err != nil {
		return nil, fmt.Errorf("Error creating origin token secret: %w", err)
	}
	_, err = secretsmanager.NewSecretVersion(ctx, "origin-token-secret-version", &secretsmanager.SecretVersionArgs{
		SecretId:     secret.ID(),
		SecretString: pw.Result,
	})
	if err != nil {
		return nil, fmt.Errorf("Error creating origin token secret version: %w", err)
	}

	return &originToken{value: pw.Result, secretArn: secret.Arn}, nil
}
