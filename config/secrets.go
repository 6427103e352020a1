// Copyright 2025 LexFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretResolver reads JSON-map secrets from AWS Secrets Manager with a
// short-lived in-process cache.
type SecretResolver struct {
	client *secretsmanager.Client
	ttl    time.Duration

	mu    sync.RWMutex
	cache map[string]secretEntry
}

type secretEntry struct {
	values    map[string]string
	expiresAt time.Time
}

// NewSecretResolver creates a resolver using the default credential chain.
func NewSecretResolver(ctx context.Context, region string) (*SecretResolver, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SecretResolver{
		client: secretsmanager.NewFromConfig(awsCfg),
		ttl:    5 * time.Minute,
		cache:  make(map[string]secretEntry),
	}, nil
}

// Get returns one key from a JSON-map secret.
func (r *SecretResolver) Get(ctx context.Context, secretName, key string) (string, error) {
	values, err := r.fetch(ctx, secretName)
	if err != nil {
		return "", err
	}
	value, ok := values[key]
	if !ok {
		return "", fmt.Errorf("secret %s has no key %q", secretName, key)
	}
	return value, nil
}

func (r *SecretResolver) fetch(ctx context.Context, secretName string) (map[string]string, error) {
	r.mu.RLock()
	entry, ok := r.cache[secretName]
	r.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.values, nil
	}

	out, err := r.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretName),
	})
	if err != nil {
		return nil, fmt.Errorf("get secret %s: %w", secretName, err)
	}
	if out.SecretString == nil {
		return nil, fmt.Errorf("secret %s has no string payload", secretName)
	}

	var values map[string]string
	if err := json.Unmarshal([]byte(*out.SecretString), &values); err != nil {
		return nil, fmt.Errorf("secret %s is not a JSON map: %w", secretName, err)
	}

	r.mu.Lock()
	r.cache[secretName] = secretEntry{values: values, expiresAt: time.Now().Add(r.ttl)}
	r.mu.Unlock()
	return values, nil
}

// ResolveSecrets fills blank credentials from Secrets Manager when a secret
// name is configured. Environment and file values win over the secret.
func (c *Config) ResolveSecrets(ctx context.Context) error {
	if c.Secrets.Name == "" {
		return nil
	}
	resolver, err := NewSecretResolver(ctx, c.Secrets.Region)
	if err != nil {
		return err
	}

	if c.LLM.AnthropicAPIKey == "" {
		if v, err := resolver.Get(ctx, c.Secrets.Name, "anthropic_api_key"); err == nil {
			c.LLM.AnthropicAPIKey = v
		}
	}
	if c.Database.Password == "" || c.Database.Password == Defaults().Database.Password {
		if v, err := resolver.Get(ctx, c.Secrets.Name, "database_password"); err == nil {
			c.Database.Password = v
		}
	}
	if c.Qdrant.APIKey == "" {
		if v, err := resolver.Get(ctx, c.Secrets.Name, "qdrant_api_key"); err == nil {
			c.Qdrant.APIKey = v
		}
	}
	return nil
}
