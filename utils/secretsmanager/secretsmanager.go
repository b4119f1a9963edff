/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package secretsmanager

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gcpsecretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/keyvault/azsecrets"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

var ErrInvalidCredentials = errors.New("couchbase server credentials secret must be formatted `username:password`")

// Credentials are the data service credentials held in a secret.
type Credentials struct {
	Username string
	Password string
}

func FetchAWSCredentials(ctx context.Context, secretId string, region string) (Credentials, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to load default aws config: %w", err)
	}

	secrets := secretsmanager.NewFromConfig(cfg)
	res, err := secrets.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &secretId})
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to get aws secret: %w", err)
	}
	if res.SecretString == nil {
		return Credentials{}, fmt.Errorf("aws secret %s not a string", secretId)
	}

	return ParseCredentials(*res.SecretString)
}

func FetchAzureCredentials(ctx context.Context, secretId string, keyVaultName string) (Credentials, error) {
	vaultURI := fmt.Sprintf("https://%s.vault.azure.net/", keyVaultName)

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to obtain azure credential: %w", err)
	}

	client, err := azsecrets.NewClient(vaultURI, cred, nil)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to create azure client: %w", err)
	}

	// an empty version fetches the latest version of the secret
	resp, err := client.GetSecret(ctx, secretId, "", nil)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to get azure secret: %w", err)
	}
	if resp.Value == nil {
		return Credentials{}, fmt.Errorf("azure secret %s has no value", secretId)
	}

	return ParseCredentials(*resp.Value)
}

func FetchGcpCredentials(ctx context.Context, secretId string, projectId string) (Credentials, error) {
	client, err := gcpsecretmanager.NewClient(ctx)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to create gcp secretmanager client: %w", err)
	}
	defer client.Close()

	req := &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", projectId, secretId),
	}

	result, err := client.AccessSecretVersion(ctx, req)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to get gcp secret: %w", err)
	}

	return ParseCredentials(string(result.Payload.Data))
}

// ParseCredentials splits a `username:password` secret.  The password may
// itself contain colons.
func ParseCredentials(secret string) (Credentials, error) {
	username, password, ok := strings.Cut(strings.TrimSpace(secret), ":")
	if !ok || username == "" {
		return Credentials{}, ErrInvalidCredentials
	}

	return Credentials{
		Username: username,
		Password: password,
	}, nil
}
