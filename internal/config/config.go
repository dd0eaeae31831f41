package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/zhouzirui/whisper/backend/internal/model/holder"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverDynamo   = "dynamodb"
	DriverPostgres = "postgres"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server  ServerConfig
	Store   StoreConfig
	Session SessionConfig
	Holder  HolderConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	store, err := loadStoreConfig()
	if err != nil {
		return nil, err
	}

	session, err := loadSessionConfig()
	if err != nil {
		return nil, err
	}

	holders, err := loadHolderConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, Store: store, Session: session, Holder: holders}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// StoreConfig 描述存储后端配置。
type StoreConfig struct {
	Driver         string
	DynamoTable    string
	DynamoEndpoint string
	DatabaseURL    string
	// Timeout bounds every individual store call.
	Timeout time.Duration
	// PollInterval is how often the DynamoDB store polls for new chat turns.
	PollInterval time.Duration
}

func loadStoreConfig() (StoreConfig, error) {
	timeout, err := parseDurationEnv("STORE_TIMEOUT", 5*time.Second)
	if err != nil {
		return StoreConfig{}, err
	}
	poll, err := parseDurationEnv("CHAT_POLL_INTERVAL", time.Second)
	if err != nil {
		return StoreConfig{}, err
	}

	cfg := StoreConfig{
		Driver:         strings.ToLower(getEnvOrDefault("STORE_DRIVER", DriverMemory)),
		DynamoTable:    strings.TrimSpace(os.Getenv("DYNAMODB_TABLE")),
		DynamoEndpoint: strings.TrimSpace(os.Getenv("DYNAMODB_ENDPOINT")),
		DatabaseURL:    strings.TrimSpace(os.Getenv("DATABASE_URL")),
		Timeout:        timeout,
		PollInterval:   poll,
	}

	switch cfg.Driver {
	case DriverMemory:
	case DriverDynamo:
		if cfg.DynamoTable == "" {
			return StoreConfig{}, fmt.Errorf("DYNAMODB_TABLE is required when STORE_DRIVER=%s", DriverDynamo)
		}
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return StoreConfig{}, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=%s", DriverPostgres)
		}
	default:
		return StoreConfig{}, fmt.Errorf("invalid STORE_DRIVER value %q", cfg.Driver)
	}
	return cfg, nil
}

// SessionConfig 描述令牌校验的限流配置。
type SessionConfig struct {
	// VerifyPerMinute is the number of failed verifications a client may
	// make per minute. Zero disables throttling.
	VerifyPerMinute int
	VerifyBurst     int
	// TrustedProxies are the peers whose X-Forwarded-For / X-Real-IP
	// headers identify the client. Empty means the socket address is used.
	TrustedProxies []netip.Prefix
}

func loadSessionConfig() (SessionConfig, error) {
	cfg := SessionConfig{VerifyPerMinute: 10, VerifyBurst: 5}

	proxies, err := parseProxiesEnv("TRUSTED_PROXIES")
	if err != nil {
		return SessionConfig{}, err
	}
	cfg.TrustedProxies = proxies

	if perMinute, err := parseOptionalIntEnv("VERIFY_RATE_PER_MINUTE"); err != nil {
		return SessionConfig{}, err
	} else if perMinute != nil {
		if *perMinute < 0 {
			return SessionConfig{}, fmt.Errorf("invalid VERIFY_RATE_PER_MINUTE value %d", *perMinute)
		}
		cfg.VerifyPerMinute = *perMinute
	}

	if burst, err := parseOptionalIntEnv("VERIFY_BURST"); err != nil {
		return SessionConfig{}, err
	} else if burst != nil {
		if *burst < 1 {
			return SessionConfig{}, fmt.Errorf("invalid VERIFY_BURST value %d", *burst)
		}
		cfg.VerifyBurst = *burst
	}
	return cfg, nil
}

// HolderConfig lists the holders served by this instance.
type HolderConfig struct {
	Holders []holder.Holder
}

func loadHolderConfig() (HolderConfig, error) {
	holders, err := holder.ParseSeed(os.Getenv("HOLDER_SEED"))
	if err != nil {
		return HolderConfig{}, fmt.Errorf("invalid HOLDER_SEED: %w", err)
	}
	if len(holders) == 0 {
		holders = holder.Seed()
	}
	return HolderConfig{Holders: holders}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
	}
	return val, nil
}

// parseProxiesEnv 解析逗号分隔的 IP 或 CIDR 列表。
func parseProxiesEnv(key string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, item := range strings.Split(os.Getenv(key), ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if strings.Contains(item, "/") {
			p, err := netip.ParsePrefix(item)
			if err != nil {
				return nil, fmt.Errorf("invalid %s entry %q: %w", key, item, err)
			}
			out = append(out, p.Masked())
			continue
		}
		ip, err := netip.ParseAddr(item)
		if err != nil {
			return nil, fmt.Errorf("invalid %s entry %q: %w", key, item, err)
		}
		ip = ip.Unmap()
		out = append(out, netip.PrefixFrom(ip, ip.BitLen()))
	}
	return out, nil
}
