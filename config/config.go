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

// Package config loads engine configuration: defaults, then an optional YAML
// file, then environment overrides. API keys may additionally be resolved
// from AWS Secrets Manager.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Qdrant    QdrantConfig    `yaml:"qdrant"`
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Engine    EngineConfig    `yaml:"engine"`
	Storage   StorageConfig   `yaml:"storage"`
	Secrets   SecretsConfig   `yaml:"secrets"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
}

// DSN renders the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Name, d.User, d.Password, d.SSLMode)
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type QdrantConfig struct {
	URL        string `yaml:"url"`
	APIKey     string `yaml:"api_key"`
	Collection string `yaml:"collection"`
	Dims       int    `yaml:"dims"`
}

type LLMConfig struct {
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	AnthropicModel  string `yaml:"anthropic_model"`
	BedrockRegion   string `yaml:"bedrock_region"`
	BedrockModel    string `yaml:"bedrock_model"`
	DefaultProvider string `yaml:"default_provider"`
}

type EmbeddingConfig struct {
	Provider string `yaml:"provider"` // "ollama" or "noop"
	URL      string `yaml:"url"`
	Model    string `yaml:"model"`
	Dims     int    `yaml:"dims"`
}

type EngineConfig struct {
	Workers     int     `yaml:"workers"`
	QueueDepth  int     `yaml:"queue_depth"`
	CostCeiling float64 `yaml:"cost_ceiling"`
}

type StorageConfig struct {
	AWSRegion      string `yaml:"aws_region"`
	S3Bucket       string `yaml:"s3_bucket"`
	GCSBucket      string `yaml:"gcs_bucket"`
	AzureAccount   string `yaml:"azure_account"`
	AzureContainer string `yaml:"azure_container"`
}

type SecretsConfig struct {
	// Name of the AWS Secrets Manager secret holding API keys as a JSON map.
	// Empty disables secret resolution.
	Name   string `yaml:"name"`
	Region string `yaml:"region"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, AllowedOrigins: []string{"*"}},
		Database: DatabaseConfig{
			Host: "localhost", Port: 5432, Name: "lexflow",
			User: "lexflow", Password: "lexflow", SSLMode: "disable",
		},
		Redis:  RedisConfig{Addr: "localhost:6379"},
		Qdrant: QdrantConfig{URL: "http://localhost:6333", Collection: "lexflow_chunks", Dims: 768},
		LLM: LLMConfig{
			AnthropicModel:  "claude-sonnet-4-20250514",
			BedrockRegion:   "us-east-1",
			DefaultProvider: "anthropic",
		},
		Embedding: EmbeddingConfig{Provider: "ollama", URL: "http://localhost:11434", Model: "nomic-embed-text", Dims: 768},
		Engine:    EngineConfig{Workers: 8, QueueDepth: 64, CostCeiling: 1.0},
	}
}

// Load builds the configuration: defaults, optional YAML file (path from
// LEXFLOW_CONFIG when empty), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = os.Getenv("LEXFLOW_CONFIG")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envInt("PORT", &cfg.Server.Port)

	envStr("DATABASE_HOST", &cfg.Database.Host)
	envInt("DATABASE_PORT", &cfg.Database.Port)
	envStr("DATABASE_NAME", &cfg.Database.Name)
	envStr("DATABASE_USER", &cfg.Database.User)
	envStr("DATABASE_PASSWORD", &cfg.Database.Password)
	envStr("DATABASE_SSL_MODE", &cfg.Database.SSLMode)

	envStr("REDIS_ADDR", &cfg.Redis.Addr)
	envStr("REDIS_PASSWORD", &cfg.Redis.Password)
	envInt("REDIS_DB", &cfg.Redis.DB)

	envStr("QDRANT_URL", &cfg.Qdrant.URL)
	envStr("QDRANT_API_KEY", &cfg.Qdrant.APIKey)
	envStr("QDRANT_COLLECTION", &cfg.Qdrant.Collection)
	envInt("QDRANT_DIMS", &cfg.Qdrant.Dims)

	envStr("ANTHROPIC_API_KEY", &cfg.LLM.AnthropicAPIKey)
	envStr("ANTHROPIC_MODEL", &cfg.LLM.AnthropicModel)
	envStr("BEDROCK_REGION", &cfg.LLM.BedrockRegion)
	envStr("BEDROCK_MODEL", &cfg.LLM.BedrockModel)
	envStr("LLM_DEFAULT_PROVIDER", &cfg.LLM.DefaultProvider)

	envStr("EMBEDDING_PROVIDER", &cfg.Embedding.Provider)
	envStr("EMBEDDING_URL", &cfg.Embedding.URL)
	envStr("EMBEDDING_MODEL", &cfg.Embedding.Model)
	envInt("EMBEDDING_DIMS", &cfg.Embedding.Dims)

	envInt("ENGINE_WORKERS", &cfg.Engine.Workers)
	envInt("ENGINE_QUEUE_DEPTH", &cfg.Engine.QueueDepth)
	envFloat("ENGINE_COST_CEILING", &cfg.Engine.CostCeiling)

	envStr("AWS_REGION", &cfg.Storage.AWSRegion)
	envStr("S3_BUCKET", &cfg.Storage.S3Bucket)
	envStr("GCS_BUCKET", &cfg.Storage.GCSBucket)
	envStr("AZURE_STORAGE_ACCOUNT", &cfg.Storage.AzureAccount)
	envStr("AZURE_STORAGE_CONTAINER", &cfg.Storage.AzureContainer)

	envStr("SECRETS_NAME", &cfg.Secrets.Name)
	envStr("SECRETS_REGION", &cfg.Secrets.Region)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
