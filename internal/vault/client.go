package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"scalping-engine/config"
)

// Credentials holds the API secrets for one broker account.
type Credentials struct {
	APIKey     string `json:"api_key"`
	APISecret  string `json:"api_secret"`
	Passphrase string `json:"passphrase,omitempty"`
	IsTestnet  bool   `json:"is_testnet"`
}

// Client wraps the HashiCorp Vault client. When Vault is disabled the
// client degrades to an in-memory map seeded via Store, which keeps local
// development working without a Vault server.
type Client struct {
	client *api.Client
	config config.VaultConfig
	mu     sync.RWMutex
	cache  map[string]*Credentials // broker/network -> credentials
}

// NewClient creates a new Vault client
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{
			config: cfg,
			cache:  make(map[string]*Credentials),
		}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	return &Client{
		client: client,
		config: cfg,
		cache:  make(map[string]*Credentials),
	}, nil
}

// Store writes broker credentials to Vault and refreshes the cache.
func (c *Client) Store(ctx context.Context, broker string, creds Credentials) error {
	if !c.config.Enabled {
		c.mu.Lock()
		c.cache[c.cacheKey(broker, creds.IsTestnet)] = &creds
		c.mu.Unlock()
		return nil
	}

	path := c.secretPath(broker, creds.IsTestnet)

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"api_key":    creds.APIKey,
			"api_secret": creds.APISecret,
			"passphrase": creds.Passphrase,
			"is_testnet": creds.IsTestnet,
		},
	}

	if _, err := c.client.Logical().WriteWithContext(ctx, path, secretData); err != nil {
		return fmt.Errorf("failed to store credentials in vault: %w", err)
	}

	c.mu.Lock()
	c.cache[c.cacheKey(broker, creds.IsTestnet)] = &creds
	c.mu.Unlock()

	return nil
}

// Get retrieves broker credentials from Vault, consulting the cache first.
func (c *Client) Get(ctx context.Context, broker string, isTestnet bool) (*Credentials, error) {
	c.mu.RLock()
	if cached, ok := c.cache[c.cacheKey(broker, isTestnet)]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return nil, fmt.Errorf("credentials for %s not found and vault is disabled", broker)
	}

	path := c.secretPath(broker, isTestnet)

	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials from vault: %w", err)
	}

	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("credentials for %s not found", broker)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format")
	}

	creds := &Credentials{
		APIKey:     getString(data, "api_key"),
		APISecret:  getString(data, "api_secret"),
		Passphrase: getString(data, "passphrase"),
		IsTestnet:  getBool(data, "is_testnet"),
	}

	c.mu.Lock()
	c.cache[c.cacheKey(broker, isTestnet)] = creds
	c.mu.Unlock()

	return creds, nil
}

// Delete removes broker credentials from Vault and the cache.
func (c *Client) Delete(ctx context.Context, broker string, isTestnet bool) error {
	c.mu.Lock()
	delete(c.cache, c.cacheKey(broker, isTestnet))
	c.mu.Unlock()

	if !c.config.Enabled {
		return nil
	}

	path := c.metadataPath(broker, isTestnet)

	if _, err := c.client.Logical().DeleteWithContext(ctx, path); err != nil {
		return fmt.Errorf("failed to delete credentials from vault: %w", err)
	}

	return nil
}

// ClearCache drops all cached credentials, forcing the next Get to hit Vault.
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cache = make(map[string]*Credentials)
	c.mu.Unlock()
}

// IsEnabled reports whether a real Vault backend is configured.
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}

	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}

	return nil
}

func (c *Client) secretPath(broker string, isTestnet bool) string {
	return fmt.Sprintf("%s/data/%s/%s_%s", c.config.MountPath, c.config.SecretPath, broker, network(isTestnet))
}

func (c *Client) metadataPath(broker string, isTestnet bool) string {
	return fmt.Sprintf("%s/metadata/%s/%s_%s", c.config.MountPath, c.config.SecretPath, broker, network(isTestnet))
}

func (c *Client) cacheKey(broker string, isTestnet bool) string {
	return fmt.Sprintf("%s_%s", broker, network(isTestnet))
}

func network(isTestnet bool) string {
	if isTestnet {
		return "testnet"
	}
	return "mainnet"
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	if val, ok := data[key]; ok {
		if b, ok := val.(bool); ok {
			return b
		}
	}
	return false
}

// NewMockClient creates a disabled client for tests; Store seeds it.
func NewMockClient() *Client {
	return &Client{
		config: config.VaultConfig{Enabled: false},
		cache:  make(map[string]*Credentials),
	}
}
