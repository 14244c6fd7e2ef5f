package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Neo4j     Neo4jConfig
	Milvus    MilvusConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	LLM       LLMConfig
	Session   SessionConfig
	Pipeline  PipelineConfig
	Fusion    FusionConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
	MaxHops  int
}

type MilvusConfig struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
	IndexType      string
	Nprobe         int
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type LLMConfig struct {
	Provider          string
	Model             string
	APIKey            string
	BaseURL           string
	Temperature       float32
	MaxTokens         int
	TimeoutSec        int
	EmbeddingModel    string
	EmbeddingDim      int
	ContextTokenLimit int
}

type SessionConfig struct {
	HistoryTurns  int
	TTLMinutes    int
	EmbeddingTTLH int
	EmbeddingLRU  int
}

// PipelineConfig tunes query understanding and retrieval.
type PipelineConfig struct {
	ResolverTurns      int
	MaxSubQueries      int
	MaxVariants        int
	LLMExpansion       bool
	TopK               int
	KGLimit            int
	MaxConcurrency     int
	StoreTimeoutMs     int
	LLMTimeoutMs       int
	IterativeThreshold int
}

type FusionConfig struct {
	Strategy    string
	RRFK        float64
	MMRLambda   float64
	HybridTopN  int
	DedupPrefix int
	MaxResults  int
}

type RateLimitConfig struct {
	Rate  float64
	Burst int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/podcast-rag")

	return load(v)
}

// LoadFile reads configuration from an explicit path instead of the search paths.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("PODCAST_RAG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.Fusion.Strategy {
	case "rrf", "mmr", "hybrid":
	default:
		errs = append(errs, fmt.Errorf("fusion.strategy: unknown strategy %q", c.Fusion.Strategy))
	}
	if c.Fusion.MMRLambda < 0 || c.Fusion.MMRLambda > 1 {
		errs = append(errs, fmt.Errorf("fusion.mmrLambda: %v is outside [0,1]", c.Fusion.MMRLambda))
	}
	if c.Fusion.RRFK <= 0 {
		errs = append(errs, errors.New("fusion.rrfK must be positive"))
	}
	if c.Fusion.DedupPrefix <= 0 {
		errs = append(errs, errors.New("fusion.dedupPrefix must be positive"))
	}
	if c.Pipeline.MaxSubQueries <= 0 || c.Pipeline.MaxVariants <= 0 {
		errs = append(errs, errors.New("pipeline.maxSubQueries and pipeline.maxVariants must be positive"))
	}
	if c.Pipeline.TopK <= 0 || c.Pipeline.KGLimit <= 0 {
		errs = append(errs, errors.New("pipeline.topK and pipeline.kgLimit must be positive"))
	}
	if c.Pipeline.StoreTimeoutMs <= 0 || c.Pipeline.LLMTimeoutMs <= 0 {
		errs = append(errs, errors.New("pipeline timeouts must be positive"))
	}
	if c.Pipeline.MaxConcurrency <= 0 {
		errs = append(errs, errors.New("pipeline.maxConcurrency must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 60)
	v.SetDefault("server.bodyLimit", 10485760)

	v.SetDefault("neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.password", "password")
	v.SetDefault("neo4j.database", "neo4j")
	v.SetDefault("neo4j.maxHops", 3)

	v.SetDefault("milvus.endpoint", "localhost:19530")
	v.SetDefault("milvus.apiKey", "")
	v.SetDefault("milvus.collectionName", "podcast_chunks")
	v.SetDefault("milvus.vectorDim", 1536)
	v.SetDefault("milvus.indexType", "IVF_FLAT")
	v.SetDefault("milvus.nprobe", 16)

	v.SetDefault("sqlite.path", "./data/podcast_rag.db")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.baseURL", "")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.maxTokens", 1024)
	v.SetDefault("llm.timeoutSec", 60)
	v.SetDefault("llm.embeddingModel", "text-embedding-3-small")
	v.SetDefault("llm.embeddingDim", 1536)
	v.SetDefault("llm.contextTokenLimit", 3000)

	v.SetDefault("session.historyTurns", 5)
	v.SetDefault("session.ttlMinutes", 60)
	v.SetDefault("session.embeddingTTLH", 24)
	v.SetDefault("session.embeddingLRU", 1024)

	v.SetDefault("pipeline.resolverTurns", 3)
	v.SetDefault("pipeline.maxSubQueries", 3)
	v.SetDefault("pipeline.maxVariants", 3)
	v.SetDefault("pipeline.llmExpansion", true)
	v.SetDefault("pipeline.topK", 8)
	v.SetDefault("pipeline.kgLimit", 10)
	v.SetDefault("pipeline.maxConcurrency", 6)
	v.SetDefault("pipeline.storeTimeoutMs", 4000)
	v.SetDefault("pipeline.llmTimeoutMs", 6000)
	v.SetDefault("pipeline.iterativeThreshold", 3)

	v.SetDefault("fusion.strategy", "hybrid")
	v.SetDefault("fusion.rrfK", 60)
	v.SetDefault("fusion.mmrLambda", 0.7)
	v.SetDefault("fusion.hybridTopN", 10)
	v.SetDefault("fusion.dedupPrefix", 160)
	v.SetDefault("fusion.maxResults", 0)

	v.SetDefault("rateLimit.rate", 2.0)
	v.SetDefault("rateLimit.burst", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
