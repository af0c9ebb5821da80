package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"
)

// storedCredentials is the JSON shape of the cross-account secret.
type storedCredentials struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
}

// fetchStoredCredentials retrieves and validates the cross-account
// credentials held in the secrets store.
func fetchStoredCredentials(ctx context.Context, region, secretName string) (storedCredentials, error) {
	if secretName == "" {
		return storedCredentials{}, errors.New("secret name is required but not configured")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return storedCredentials{}, fmt.Errorf("load aws config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg)
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretName),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "ResourceNotFoundException":
				return storedCredentials{}, fmt.Errorf("secret %q not found in secrets store", secretName)
			case "AccessDeniedException":
				return storedCredentials{}, fmt.Errorf("access denied to secret %q, check IAM permissions", secretName)
			}
		}
		return storedCredentials{}, fmt.Errorf("retrieve secret %q: %w", secretName, err)
	}

	var creds storedCredentials
	if err := json.Unmarshal([]byte(aws.ToString(out.SecretString)), &creds); err != nil {
		return storedCredentials{}, fmt.Errorf("secret %q contains invalid JSON: %w", secretName, err)
	}
	if creds.AccessKeyID == "" {
		return storedCredentials{}, fmt.Errorf("secret %q is missing access_key_id", secretName)
	}
	if creds.SecretAccessKey == "" {
		return storedCredentials{}, fmt.Errorf("secret %q is missing secret_access_key", secretName)
	}
	return creds, nil
}
