package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

var (
	ApiPort = GetEnv("API_PORT", "8080")

	OwnerID       = GetEnv("CATALOG_OWNER_ID", "")
	OwnerName     = GetEnv("CATALOG_OWNER_NAME", "owner")
	Topics        = GetEnv("CATALOG_TOPICS", "default")
	QuietPeriod   = GetEnv("CATALOG_QUIET_PERIOD", "0s")
	ItemsFile     = GetEnv("CATALOG_ITEMS_FILE", "")
	SchemaPath    = GetEnv("CATALOG_SCHEMA_PATH", "")
	FanOut        = GetEnv("CATALOG_FANOUT", "8")
	StoreDriver   = GetEnv("STORE_DRIVER", "memory")
	SQLitePath    = GetEnv("SQLITE_PATH", "./catalog.db")
	PostgresDSN   = GetEnv("POSTGRES_DSN", "")
	MongoURI      = GetEnv("MONGO_URI", "mongodb://mongodb:27017")
	MongoDB       = GetEnv("MONGO_DATABASE", "sharedcatalog")
	KafkaEnabled  = GetEnv("KAFKA_ENABLED", "false")
	KafkaBroker   = GetEnv("KAFKA_BROKER", "kafka:9092")
	InboundTopic  = GetEnv("KAFKA_INBOUND_TOPIC", "catalog-items")
	AckTopic      = GetEnv("KAFKA_ACK_TOPIC", "catalog-acks")
	OutboundTopic = GetEnv("KAFKA_OUTBOUND_TOPIC", "catalog-outbound")
	DLQTopic      = GetEnv("KAFKA_DLQ_TOPIC", "catalog-dlq")
	KafkaGroupID  = GetEnv("KAFKA_GROUP_ID", "")

	AuthEnabled            = GetEnv("AUTH_ENABLED", "false")
	DexIssuer              = GetEnv("DEX_ISSUER_URL", "http://dex:5556/dex")
	ClientID               = GetEnv("DEX_CLIENT_ID", "sharedcatalog")
	Audience               = GetEnv("DEX_AUDIENCE", "sharedcatalog")
	DexOIDCMaxAttempts     = GetEnv("DEX_OIDC_MAX_ATTEMPTS", "8")
	DexCACertFile          = GetEnv("DEX_CA_CERT_FILE", "")
	DexOIDCFallbackEnabled = GetEnv("DEX_OIDC_FALLBACK_ENABLED", "false")
	InternalDexIssuer      = GetEnv("DEX_INTERNAL_ISSUER_URL", "http://dex:5556/dex")
)

// GetEnv returns the value of the environment variable or a default value
func GetEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

// Load reads an optional .env file and then applies command line flags.
// Flags take precedence over the environment.
func Load(args []string) error {
	if err := godotenv.Load(); err == nil {
		reload()
	}

	fs := pflag.NewFlagSet("sharedcatalog", pflag.ContinueOnError)
	fs.StringVar(&ApiPort, "port", ApiPort, "HTTP listen port")
	fs.StringVar(&OwnerID, "owner-id", OwnerID, "participant UUID of this catalog (random when empty)")
	fs.StringVar(&OwnerName, "owner-name", OwnerName, "participant name of this catalog")
	fs.StringVar(&Topics, "topics", Topics, "comma separated supported topics")
	fs.StringVar(&QuietPeriod, "quiet-period", QuietPeriod, "minimum timestamp gap for a version to count as newer")
	fs.StringVar(&ItemsFile, "items", ItemsFile, "YAML file with the participant's own items")
	fs.StringVar(&StoreDriver, "store", StoreDriver, "state store: memory, sqlite, postgres or mongo")
	fs.StringVar(&KafkaEnabled, "kafka", KafkaEnabled, "consume and publish catalog items over Kafka")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}
	return Validate()
}

// reload re-reads every variable after .env has populated the environment.
func reload() {
	ApiPort = GetEnv("API_PORT", ApiPort)
	OwnerID = GetEnv("CATALOG_OWNER_ID", OwnerID)
	OwnerName = GetEnv("CATALOG_OWNER_NAME", OwnerName)
	Topics = GetEnv("CATALOG_TOPICS", Topics)
	QuietPeriod = GetEnv("CATALOG_QUIET_PERIOD", QuietPeriod)
	ItemsFile = GetEnv("CATALOG_ITEMS_FILE", ItemsFile)
	SchemaPath = GetEnv("CATALOG_SCHEMA_PATH", SchemaPath)
	FanOut = GetEnv("CATALOG_FANOUT", FanOut)
	StoreDriver = GetEnv("STORE_DRIVER", StoreDriver)
	SQLitePath = GetEnv("SQLITE_PATH", SQLitePath)
	PostgresDSN = GetEnv("POSTGRES_DSN", PostgresDSN)
	MongoURI = GetEnv("MONGO_URI", MongoURI)
	MongoDB = GetEnv("MONGO_DATABASE", MongoDB)
	KafkaEnabled = GetEnv("KAFKA_ENABLED", KafkaEnabled)
	KafkaBroker = GetEnv("KAFKA_BROKER", KafkaBroker)
	InboundTopic = GetEnv("KAFKA_INBOUND_TOPIC", InboundTopic)
	AckTopic = GetEnv("KAFKA_ACK_TOPIC", AckTopic)
	OutboundTopic = GetEnv("KAFKA_OUTBOUND_TOPIC", OutboundTopic)
	DLQTopic = GetEnv("KAFKA_DLQ_TOPIC", DLQTopic)
	KafkaGroupID = GetEnv("KAFKA_GROUP_ID", KafkaGroupID)
	AuthEnabled = GetEnv("AUTH_ENABLED", AuthEnabled)
	DexIssuer = GetEnv("DEX_ISSUER_URL", DexIssuer)
	ClientID = GetEnv("DEX_CLIENT_ID", ClientID)
	Audience = GetEnv("DEX_AUDIENCE", Audience)
	DexOIDCMaxAttempts = GetEnv("DEX_OIDC_MAX_ATTEMPTS", DexOIDCMaxAttempts)
	DexCACertFile = GetEnv("DEX_CA_CERT_FILE", DexCACertFile)
	DexOIDCFallbackEnabled = GetEnv("DEX_OIDC_FALLBACK_ENABLED", DexOIDCFallbackEnabled)
	InternalDexIssuer = GetEnv("DEX_INTERNAL_ISSUER_URL", InternalDexIssuer)
}

func Validate() error {
	if _, err := QuietPeriodDuration(); err != nil {
		return err
	}
	switch StoreDriver {
	case "memory", "sqlite", "postgres", "mongo":
	default:
		return fmt.Errorf("unknown store driver %q", StoreDriver)
	}
	if StoreDriver == "postgres" && PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required for the postgres store")
	}
	return nil
}

func QuietPeriodDuration() (time.Duration, error) {
	d, err := time.ParseDuration(QuietPeriod)
	if err != nil {
		return 0, fmt.Errorf("invalid quiet period %q: %w", QuietPeriod, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("quiet period must not be negative: %s", QuietPeriod)
	}
	return d, nil
}

// TopicList splits the comma separated topic setting, dropping blanks.
func TopicList() []string {
	var out []string
	for _, t := range strings.Split(Topics, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func Enabled(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// FanOutSize is the worker count used when a whole foreign catalog is accepted.
func FanOutSize() int {
	if n, err := strconv.Atoi(FanOut); err == nil && n > 0 {
		return n
	}
	return 8
}
