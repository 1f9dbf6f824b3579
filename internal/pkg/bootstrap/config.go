// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Poller     PollerConfig     `yaml:"poller"`
	Dedup      DedupConfig      `yaml:"dedup"`
	Incentive  IncentiveConfig  `yaml:"incentive"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Infra      InfraConfig      `yaml:"infra"`
}

type ServiceConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"logLevel"`
	// RecordStore: gorm | bolt
	RecordStore string `yaml:"recordStore"`
	// Ledger: redis | memory
	Ledger string `yaml:"ledger"`
	// LedgerRetention 账本记住已生效 reference 的时间
	LedgerRetention time.Duration `yaml:"ledgerRetention"`
	// IncentiveDispatch: inprocess | kafka
	IncentiveDispatch string `yaml:"incentiveDispatch"`
	InventoryService  string `yaml:"inventoryService"`
	LicenseService    string `yaml:"licenseService"`
}

type GatewayConfig struct {
	BaseURL string        `yaml:"baseURL"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
}

type PollerConfig struct {
	Interval      time.Duration `yaml:"interval"`
	BackoffFactor float64       `yaml:"backoffFactor"`
	MaxInterval   time.Duration `yaml:"maxInterval"`
	MaxAttempts   int           `yaml:"maxAttempts"`
}

type DedupConfig struct {
	PendingTTL    time.Duration `yaml:"pendingTTL"`
	DoneTTL       time.Duration `yaml:"doneTTL"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

type IncentiveConfig struct {
	Rule      string `yaml:"rule"`
	BatchSize int    `yaml:"batchSize"`
	MaxDepth  int    `yaml:"maxDepth"`
}

type ReconcilerConfig struct {
	Interval    time.Duration `yaml:"interval"`
	GracePeriod time.Duration `yaml:"gracePeriod"`
	// LinkWindow 更早的支付链接不再对账
	LinkWindow time.Duration `yaml:"linkWindow"`
	LockID     string        `yaml:"lockID"`
}

type InfraConfig struct {
	Jaeger    JaegerConfig    `yaml:"jaeger"`
	Nacos     NacosConfig     `yaml:"nacos"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	MySQL     MySQLConfig     `yaml:"mysql"`
	Bolt      BoltConfig      `yaml:"bolt"`
	ZooKeeper ZooKeeperConfig `yaml:"zookeeper"`
}

type JaegerConfig struct {
	// Endpoint 为空时不导出 span
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sampleRatio"`
}

type NacosConfig struct {
	Addrs     string `yaml:"addrs"`
	Namespace string `yaml:"namespace"`
	Group     string `yaml:"group"`
	DataID    string `yaml:"dataID"`
}

type KafkaConfig struct {
	Brokers            []string `yaml:"brokers"`
	NotificationsTopic string   `yaml:"notificationsTopic"`
	AnalyticsTopic     string   `yaml:"analyticsTopic"`
	IncentiveTopic     string   `yaml:"incentiveTopic"`
	ConsumerGroup      string   `yaml:"consumerGroup"`
}

type RedisConfig struct {
	Addrs    []string `yaml:"addrs"`
	Password string   `yaml:"password"`
}

type MySQLConfig struct {
	Addr     string `yaml:"addr"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbName"`
}

type BoltConfig struct {
	Path string `yaml:"path"`
}

type ZooKeeperConfig struct {
	Servers []string `yaml:"servers"`
}

var current atomic.Pointer[Config]

// DefaultConfig 返回一份可以直接在本地跑起来的配置
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Port:              8080,
			LogLevel:          "info",
			RecordStore:       "bolt",
			Ledger:            "memory",
			LedgerRetention:   30 * 24 * time.Hour,
			IncentiveDispatch: "kafka",
			InventoryService:  "catalog-service",
			LicenseService:    "catalog-service",
		},
		Gateway: GatewayConfig{
			BaseURL: "http://localhost:9090",
			Timeout: 15 * time.Second,
		},
		Poller: PollerConfig{
			Interval:      5 * time.Second,
			BackoffFactor: 1,
		},
		Dedup: DedupConfig{
			PendingTTL:    30 * time.Second,
			DoneTTL:       5 * time.Minute,
			SweepInterval: 10 * time.Second,
		},
		Incentive: IncentiveConfig{
			BatchSize: 3,
			MaxDepth:  64,
		},
		Reconciler: ReconcilerConfig{
			Interval:    time.Minute,
			GracePeriod: 2 * time.Minute,
			LinkWindow:  24 * time.Hour,
			LockID:      "fulfillment-reconciler",
		},
		Infra: InfraConfig{
			Jaeger: JaegerConfig{Endpoint: "http://localhost:14268/api/traces", SampleRatio: 1},
			Nacos:  NacosConfig{Group: "DEFAULT_GROUP"},
			Kafka: KafkaConfig{
				Brokers:            []string{"localhost:9092"},
				NotificationsTopic: "notifications",
				AnalyticsTopic:     "purchase-analytics",
				IncentiveTopic:     "incentive-jobs",
				ConsumerGroup:      "incentive-worker",
			},
			Redis:     RedisConfig{Addrs: []string{"localhost:6379"}},
			MySQL:     MySQLConfig{Addr: "localhost:3306", User: "root", DBName: "commerce"},
			Bolt:      BoltConfig{Path: "data/commerce.db"},
			ZooKeeper: ZooKeeperConfig{Servers: []string{"localhost:2181"}},
		},
	}
}

// Load 读取 yaml 文件（不存在时使用默认值），再用环境变量覆盖
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, errors.Wrapf(err, "parse config file %s", path)
			}
		case os.IsNotExist(err):
		default:
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

// Init 加载配置并设置为当前生效的配置
func Init() (*Config, error) {
	cfg, err := Load(getEnv("CONFIG_FILE", "configs/config.yaml"))
	if err != nil {
		return nil, err
	}
	current.Store(cfg)
	return cfg, nil
}

// GetCurrentConfig 返回当前生效的配置快照，未初始化时返回默认值
func GetCurrentConfig() *Config {
	if cfg := current.Load(); cfg != nil {
		return cfg
	}
	return DefaultConfig()
}

// mergeRemote 把配置中心下发的 yaml 叠加在当前配置上
func mergeRemote(content string) error {
	base := *GetCurrentConfig()
	if err := yaml.Unmarshal([]byte(content), &base); err != nil {
		return errors.Wrap(err, "parse remote config")
	}
	current.Store(&base)
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Service.Port = getEnvInt("PORT", cfg.Service.Port)
	cfg.Service.LogLevel = getEnv("LOG_LEVEL", cfg.Service.LogLevel)
	cfg.Service.RecordStore = getEnv("RECORD_STORE", cfg.Service.RecordStore)
	cfg.Service.Ledger = getEnv("LEDGER", cfg.Service.Ledger)
	cfg.Service.IncentiveDispatch = getEnv("INCENTIVE_DISPATCH", cfg.Service.IncentiveDispatch)

	cfg.Gateway.BaseURL = getEnv("GATEWAY_BASE_URL", cfg.Gateway.BaseURL)
	cfg.Gateway.Secret = getEnv("GATEWAY_SECRET", cfg.Gateway.Secret)
	cfg.Gateway.Timeout = getEnvDuration("GATEWAY_TIMEOUT", cfg.Gateway.Timeout)
	cfg.Poller.Interval = getEnvDuration("POLL_INTERVAL", cfg.Poller.Interval)

	cfg.Infra.Jaeger.Endpoint = getEnv("JAEGER_ENDPOINT", cfg.Infra.Jaeger.Endpoint)
	cfg.Infra.Nacos.Addrs = getEnv("NACOS_SERVER_ADDRS", cfg.Infra.Nacos.Addrs)
	cfg.Infra.Nacos.Namespace = getEnv("NACOS_NAMESPACE", cfg.Infra.Nacos.Namespace)
	cfg.Infra.Nacos.Group = getEnv("NACOS_GROUP", cfg.Infra.Nacos.Group)
	cfg.Infra.Nacos.DataID = getEnv("NACOS_CONFIG_DATA_ID", cfg.Infra.Nacos.DataID)
	cfg.Infra.Kafka.Brokers = getEnvList("KAFKA_BROKERS", cfg.Infra.Kafka.Brokers)
	cfg.Infra.Redis.Addrs = getEnvList("REDIS_ADDRS", cfg.Infra.Redis.Addrs)
	cfg.Infra.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Infra.Redis.Password)
	cfg.Infra.MySQL.Addr = getEnv("MYSQL_ADDR", cfg.Infra.MySQL.Addr)
	cfg.Infra.MySQL.User = getEnv("MYSQL_USER", cfg.Infra.MySQL.User)
	cfg.Infra.MySQL.Password = getEnv("MYSQL_PASSWORD", cfg.Infra.MySQL.Password)
	cfg.Infra.MySQL.DBName = getEnv("MYSQL_DB", cfg.Infra.MySQL.DBName)
	cfg.Infra.Bolt.Path = getEnv("BOLT_PATH", cfg.Infra.Bolt.Path)
	cfg.Infra.ZooKeeper.Servers = getEnvList("ZK_SERVERS", cfg.Infra.ZooKeeper.Servers)
}

// getEnv 从环境变量中读取配置，不存在时使用 fallback
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return d
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	return strings.Split(v, ",")
}
