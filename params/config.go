package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Node struct {
	APIAddr     string
	DBPath      string // empty runs on an in-memory store
	LogFile     string
	JournalPath string
	Verbose     bool
}

type Matching struct {
	Mode           string        // plain | oblivious | verify
	MaxBatchOrders int           // per cycle, clamped to the oblivious capacity
	Interval       time.Duration // 0 disables the scheduler loop
	Markets        string        // ID:BASE:QUOTE,...
}

type Cluster struct {
	// Seeds derive the BLS keys of the local confidential cluster. Every
	// member signs each plan digest.
	Seeds []string
}

type Events struct {
	KafkaBrokers []string // empty disables publishing
	KafkaTopic   string
}

type Config struct {
	Node     Node
	Matching Matching
	Cluster  Cluster
	Events   Events
}

func Default() Config {
	return Config{
		Node: Node{
			APIAddr: ":8080",
			DBPath:  "data/darkpool",
			LogFile: "logs/darkpool.log",
		},
		Matching: Matching{
			Mode:           "oblivious",
			MaxBatchOrders: 100,
			Interval:       500 * time.Millisecond,
			Markets:        "SOL-USDC:SOL:USDC,ETH-USDC:ETH:USDC",
		},
		Cluster: Cluster{
			Seeds: []string{"cluster-node-1", "cluster-node-2", "cluster-node-3"},
		},
		Events: Events{
			KafkaTopic: "darkpool.settlements",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	cfg.Node.DBPath = getEnv("DB_PATH", cfg.Node.DBPath)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.JournalPath = getEnv("JOURNAL_PATH", cfg.Node.JournalPath)
	if v := os.Getenv("VERBOSE"); v != "" {
		cfg.Node.Verbose = v == "true" || v == "1"
	}

	cfg.Matching.Mode = getEnv("MATCH_MODE", cfg.Matching.Mode)
	cfg.Matching.Markets = getEnv("MARKETS", cfg.Matching.Markets)
	if v := os.Getenv("MAX_BATCH_ORDERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("MAX_BATCH_ORDERS: invalid value %q", v)
		}
		cfg.Matching.MaxBatchOrders = n
	}
	if v := os.Getenv("MATCH_INTERVAL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			return cfg, fmt.Errorf("MATCH_INTERVAL_MS: invalid value %q", v)
		}
		cfg.Matching.Interval = time.Duration(ms) * time.Millisecond
	}

	if v := os.Getenv("CLUSTER_SEEDS"); v != "" {
		cfg.Cluster.Seeds = splitList(v)
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Events.KafkaBrokers = splitList(v)
	}
	cfg.Events.KafkaTopic = getEnv("KAFKA_TOPIC", cfg.Events.KafkaTopic)

	if len(cfg.Cluster.Seeds) == 0 {
		return cfg, fmt.Errorf("CLUSTER_SEEDS: at least one seed required")
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
