package config

import (
	"fmt"
	"os"

	"github.com/hashicorp/vault/api"
)

// defaultSecretPath is the KV2 location holding the daemon's secret
// bundle: hub token, database token, webhook secret, weather API key.
// Keys in the bundle use the same names as their environment variables.
const defaultSecretPath = "secret/data/home/ingestor"

// LoadSecrets reads the secret bundle from Vault when VAULT_ADDR is
// set; the result seeds Load and the environment still overrides every
// key. Returns nil without error when Vault is not configured.
func LoadSecrets() (map[string]interface{}, error) {
	addr := os.Getenv("VAULT_ADDR")
	if addr == "" {
		return nil, nil
	}
	path := os.Getenv("VAULT_SECRET_PATH")
	if path == "" {
		path = defaultSecretPath
	}

	vc, err := newVaultClient(addr, os.Getenv("VAULT_TOKEN"))
	if err != nil {
		return nil, err
	}
	return vc.readKV2(path)
}

type vaultClient struct {
	c *api.Client
}

func newVaultClient(addr, token string) (*vaultClient, error) {
	vcfg := api.DefaultConfig()
	vcfg.Address = addr
	c, err := api.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("vault client for %s: %w", addr, err)
	}
	c.SetToken(token)
	return &vaultClient{c: c}, nil
}

// readKV2 reads path from a KV v2 backend and unwraps the version-2
// envelope so callers see the flat key bundle they wrote.
func (v *vaultClient) readKV2(path string) (map[string]interface{}, error) {
	secret, err := v.c.Logical().Read(path)
	if err != nil {
		return nil, fmt.Errorf("read secrets at %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no secret bundle at %s", path)
	}
	inner, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("secret at %s is not a KV v2 entry", path)
	}
	return inner, nil
}
