package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	Milvus    MilvusConfig
	Neo4j     Neo4jConfig
	LLM       LLMConfig
	Search    SearchConfig
	Web       WebConfig
	Knowledge KnowledgeConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
	Sentry    SentryConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    int
	WriteTimeout   int
	BodyLimit      int
	AllowedOrigins []string
	Development    bool
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type MilvusConfig struct {
	Endpoint    string
	APIKey      string
	VectorDim   int
	Collections CollectionsConfig
}

// CollectionsConfig names the entity corpus for each search category.
type CollectionsConfig struct {
	Users         string
	Organisations string
	Events        string
}

type Neo4jConfig struct {
	Enabled  bool
	URI      string
	Username string
	Password string
	Database string
}

type LLMConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	PlannerModel   string
	Temperature    float32
	MaxTokens      int
	TimeoutSec     int
	EmbeddingModel string
	EmbeddingDim   int
}

// SearchConfig holds the pipeline tunables.
type SearchConfig struct {
	HistoryTurns    int
	MinScore        float32
	TopK            int
	MaxQueryLength  int
	DailyQuota      int
	PoolSize        int
	StreamTTLSec    int
	LeaseTTLSec     int
	RunTimeoutSec   int
	SubscriberQueue int
}

type WebConfig struct {
	Enabled         bool
	SerpAPIKey      string
	MaxResults      int
	TimeoutSec      int
	CacheTTLSec     int
	OfficialDomains []string
}

// KnowledgeConfig maps an institution identifier to its knowledge corpora.
type KnowledgeConfig struct {
	Institutions map[string]InstitutionCorpus
}

type InstitutionCorpus struct {
	Name         string
	Official     string
	StudentUnion string
}

type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

type SentryConfig struct {
	DSN         string
	Environment string
	SampleRate  float64
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/connect3")

	v.SetEnvPrefix("CONNECT3")
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
	if c.Search.HistoryTurns < 0 {
		return fmt.Errorf("search.historyTurns must not be negative")
	}
	if c.Search.MinScore < 0 || c.Search.MinScore > 1 {
		return fmt.Errorf("search.minScore must be within [0,1], got %v", c.Search.MinScore)
	}
	if c.Search.TopK <= 0 {
		return fmt.Errorf("search.topK must be positive")
	}
	if c.Search.MaxQueryLength <= 0 {
		return fmt.Errorf("search.maxQueryLength must be positive")
	}
	for id, corpus := range c.Knowledge.Institutions {
		if corpus.Official == "" && corpus.StudentUnion == "" {
			return fmt.Errorf("knowledge.institutions.%s has no collection configured", id)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0)
	v.SetDefault("server.bodyLimit", 10485760)
	v.SetDefault("server.allowedOrigins", []string{"*"})
	v.SetDefault("server.development", false)

	v.SetDefault("sqlite.path", "./data/connect3.db")

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("milvus.endpoint", "localhost:19530")
	v.SetDefault("milvus.vectorDim", 1536)
	v.SetDefault("milvus.collections.users", "connect3_users")
	v.SetDefault("milvus.collections.organisations", "connect3_organisations")
	v.SetDefault("milvus.collections.events", "connect3_events")

	v.SetDefault("neo4j.enabled", true)
	v.SetDefault("neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.password", "password")
	v.SetDefault("neo4j.database", "neo4j")

	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.plannerModel", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.maxTokens", 1500)
	v.SetDefault("llm.timeoutSec", 60)
	v.SetDefault("llm.embeddingModel", "text-embedding-3-small")
	v.SetDefault("llm.embeddingDim", 1536)

	v.SetDefault("search.historyTurns", 3)
	v.SetDefault("search.minScore", 0.3)
	v.SetDefault("search.topK", 8)
	v.SetDefault("search.maxQueryLength", 2000)
	v.SetDefault("search.dailyQuota", 100)
	v.SetDefault("search.poolSize", 16)
	v.SetDefault("search.streamTTLSec", 3600)
	v.SetDefault("search.leaseTTLSec", 300)
	v.SetDefault("search.runTimeoutSec", 180)
	v.SetDefault("search.subscriberQueue", 256)

	v.SetDefault("web.enabled", true)
	v.SetDefault("web.maxResults", 5)
	v.SetDefault("web.timeoutSec", 10)
	v.SetDefault("web.cacheTTLSec", 86400)
	v.SetDefault("web.officialDomains", []string{".edu", ".edu.au", ".ac.uk", ".gov", ".gov.au"})

	v.SetDefault("rateLimit.requestsPerMinute", 30)
	v.SetDefault("rateLimit.burst", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("sentry.environment", "production")
	v.SetDefault("sentry.sampleRate", 1.0)
}
