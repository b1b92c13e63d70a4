package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/viper"
	pkgconfig "github.com/weiawesome/wes-io-live/watchparty-service/pkg/config"
	"github.com/weiawesome/wes-io-live/watchparty-service/pkg/database"
	"github.com/weiawesome/wes-io-live/watchparty-service/pkg/jwt"
	"github.com/weiawesome/wes-io-live/watchparty-service/pkg/pubsub"
	"github.com/weiawesome/wes-io-live/watchparty-service/pkg/storage"
)

type Config struct {
	InstanceID string `mapstructure:"instance_id"`
	Server     ServerConfig
	GRPC       GRPCConfig
	WebSocket  WebSocketConfig
	Auth       jwt.Config
	Database   database.Config
	Redis      RedisConfig
	Presence   PresenceConfig
	PubSub     pubsub.Config
	Kafka      KafkaConfig
	Cassandra  CassandraConfig
	Storage    storage.Config
	Media      MediaConfig
	Voice      VoiceConfig
	Chat       ChatConfig
	WebRTC     WebRTCConfig
	Log        LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type GRPCConfig struct {
	Host string
	Port int
}

type WebSocketConfig struct {
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	PongWait          time.Duration `mapstructure:"pong_wait"`
	WriteWait         time.Duration `mapstructure:"write_wait"`
	MaxMessageSize    int64         `mapstructure:"max_message_size"`
	SendBufferSize    int           `mapstructure:"send_buffer_size"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
	CommandsPerSecond int           `mapstructure:"commands_per_second"`
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
	// AccessCacheTTL bounds how long a room-access decision is reused.
	AccessCacheTTL time.Duration `mapstructure:"access_cache_ttl"`
}

type PresenceConfig struct {
	Driver            string        // redis, memory
	KeyPrefix         string        `mapstructure:"key_prefix"`
	TTL               time.Duration `mapstructure:"ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// KafkaConfig configures the optional activity-event producer.
type KafkaConfig struct {
	Enabled    bool
	Brokers    string
	Topic      string
	Partitions int
}

type CassandraConfig struct {
	Enabled     bool
	Hosts       []string
	Keyspace    string
	Consistency string
	Timeout     time.Duration
}

// MediaConfig controls how stored video sources become playable URLs.
type MediaConfig struct {
	URLExpiry time.Duration `mapstructure:"url_expiry"`
}

type VoiceConfig struct {
	MaxParticipants    int           `mapstructure:"max_participants"`
	AudioLevelInterval time.Duration `mapstructure:"audio_level_interval"`
}

type ChatConfig struct {
	MaxMessageLength int `mapstructure:"max_message_length"`
}

type ICEServerConfig struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type WebRTCConfig struct {
	ICEServers []ICEServerConfig `mapstructure:"ice_servers"`
}

// DefaultSTUNServer is handed to clients when no ICE server is configured.
const DefaultSTUNServer = "stun:stun.l.google.com:19302"

// GetICEServers returns the ICE servers voice clients should use.
func (c *WebRTCConfig) GetICEServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, s := range c.ICEServers {
		if len(s.URLs) == 0 {
			continue
		}
		server := webrtc.ICEServer{
			URLs:     s.URLs,
			Username: s.Username,
		}
		if s.Credential != "" {
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, server)
	}

	if len(servers) == 0 {
		servers = append(servers, webrtc.ICEServer{URLs: []string{DefaultSTUNServer}})
	}
	return servers
}

type LogConfig struct {
	Level  string
	Pretty bool
}

// Load reads ./config/config.yaml (or configFile when set) with environment overrides.
func Load(configFile string) (*Config, error) {
	v, err := pkgconfig.LoadFile(configFile, "./config", "config")
	if err != nil {
		return nil, err
	}
	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("instance_id", "")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 50060)
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 65536)
	v.SetDefault("websocket.send_buffer_size", 256)
	v.SetDefault("websocket.allowed_origins", []string{})
	v.SetDefault("websocket.commands_per_second", 50)
	v.SetDefault("auth.algorithm", "HS256")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.public_key", "")
	v.SetDefault("auth.private_key", "")
	v.SetDefault("auth.issuer", "wes-io-live")
	v.SetDefault("auth.access_duration", "15m")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "watchparty")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.timezone", "UTC")
	v.SetDefault("database.file_path", "watchparty.db")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 100)
	v.SetDefault("database.conn_max_lifetime", 60)
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.access_cache_ttl", "30s")
	v.SetDefault("presence.driver", "redis")
	v.SetDefault("presence.key_prefix", "watch")
	v.SetDefault("presence.ttl", "90s")
	v.SetDefault("presence.heartbeat_interval", "30s")
	v.SetDefault("pubsub.driver", "redis")
	v.SetDefault("pubsub.redis.pool_size", 10)
	v.SetDefault("pubsub.redis.read_timeout", "3s")
	v.SetDefault("pubsub.redis.write_timeout", "3s")
	v.SetDefault("pubsub.kafka.brokers", "localhost:9092")
	v.SetDefault("pubsub.kafka.group_id", "watchparty-fanout")
	v.SetDefault("pubsub.kafka.partitions", 8)
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.topic", "watchparty-activity")
	v.SetDefault("kafka.partitions", 8)
	v.SetDefault("cassandra.enabled", false)
	v.SetDefault("cassandra.hosts", []string{"localhost"})
	v.SetDefault("cassandra.keyspace", "watchparty")
	v.SetDefault("cassandra.consistency", "quorum")
	v.SetDefault("cassandra.timeout", "5s")
	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.local.base_path", "./data/videos")
	v.SetDefault("storage.local.public_url", "/videos")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.use_path_style", true)
	v.SetDefault("media.url_expiry", "6h")
	v.SetDefault("voice.max_participants", 10)
	v.SetDefault("voice.audio_level_interval", "100ms")
	v.SetDefault("chat.max_message_length", 2000)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

func bindEnv(v *viper.Viper) {
	v.BindEnv("instance_id", "INSTANCE_ID")
	v.BindEnv("server.port", "PORT")
	v.BindEnv("grpc.port", "GRPC_PORT")
	v.BindEnv("auth.secret", "JWT_SECRET")
	v.BindEnv("auth.public_key", "JWT_PUBLIC_KEY")
	v.BindEnv("auth.issuer", "JWT_ISSUER")
	v.BindEnv("database.driver", "DATABASE_DRIVER")
	v.BindEnv("database.host", "DATABASE_HOST")
	v.BindEnv("database.port", "DATABASE_PORT")
	v.BindEnv("database.user", "DATABASE_USER")
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("database.dbname", "DATABASE_NAME")
	v.BindEnv("database.file_path", "DATABASE_FILE_PATH")
	v.BindEnv("redis.address", "REDIS_ADDRESS")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("pubsub.driver", "PUBSUB_DRIVER")
	v.BindEnv("pubsub.kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("kafka.enabled", "KAFKA_ENABLED")
	v.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("kafka.topic", "KAFKA_TOPIC")
	v.BindEnv("cassandra.enabled", "CASSANDRA_ENABLED")
	v.BindEnv("cassandra.hosts", "CASSANDRA_HOSTS")
	v.BindEnv("storage.type", "STORAGE_TYPE")
	v.BindEnv("storage.s3.endpoint", "S3_ENDPOINT")
	v.BindEnv("storage.s3.bucket", "S3_BUCKET")
	v.BindEnv("storage.s3.access_key_id", "S3_ACCESS_KEY_ID")
	v.BindEnv("storage.s3.secret_access_key", "S3_SECRET_ACCESS_KEY")
	v.BindEnv("log.level", "LOG_LEVEL")
}

func fromViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	bindEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// Parse durations
	cfg.WebSocket.PingInterval = pkgconfig.Duration(v, "websocket.ping_interval", 30*time.Second)
	cfg.WebSocket.PongWait = pkgconfig.Duration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = pkgconfig.Duration(v, "websocket.write_wait", 10*time.Second)
	cfg.Auth.AccessDuration = pkgconfig.Duration(v, "auth.access_duration", 15*time.Minute)
	cfg.Redis.AccessCacheTTL = pkgconfig.Duration(v, "redis.access_cache_ttl", 30*time.Second)
	cfg.Presence.TTL = pkgconfig.Duration(v, "presence.ttl", 90*time.Second)
	cfg.Presence.HeartbeatInterval = pkgconfig.Duration(v, "presence.heartbeat_interval", 30*time.Second)
	cfg.PubSub.Redis.ReadTimeout = pkgconfig.Duration(v, "pubsub.redis.read_timeout", 3*time.Second)
	cfg.PubSub.Redis.WriteTimeout = pkgconfig.Duration(v, "pubsub.redis.write_timeout", 3*time.Second)
	cfg.Cassandra.Timeout = pkgconfig.Duration(v, "cassandra.timeout", 5*time.Second)
	cfg.Media.URLExpiry = pkgconfig.Duration(v, "media.url_expiry", 6*time.Hour)
	cfg.Voice.AudioLevelInterval = pkgconfig.Duration(v, "voice.audio_level_interval", 100*time.Millisecond)

	// The fanout bus shares the Redis server unless configured separately.
	if cfg.PubSub.Redis.Address == "" {
		cfg.PubSub.Redis.Address = cfg.Redis.Address
		cfg.PubSub.Redis.Password = cfg.Redis.Password
		cfg.PubSub.Redis.DB = cfg.Redis.DB
	}
	if len(cfg.Cassandra.Hosts) == 1 && strings.Contains(cfg.Cassandra.Hosts[0], ",") {
		cfg.Cassandra.Hosts = strings.Split(cfg.Cassandra.Hosts[0], ",")
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = defaultInstanceID()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	if c.Voice.MaxParticipants < 1 {
		return fmt.Errorf("voice.max_participants must be at least 1")
	}
	if c.Chat.MaxMessageLength < 1 {
		return fmt.Errorf("chat.max_message_length must be at least 1")
	}
	if c.Presence.HeartbeatInterval >= c.Presence.TTL {
		return fmt.Errorf("presence.heartbeat_interval (%s) must be shorter than presence.ttl (%s)",
			c.Presence.HeartbeatInterval, c.Presence.TTL)
	}
	if c.WebSocket.SendBufferSize < 1 {
		return fmt.Errorf("websocket.send_buffer_size must be at least 1")
	}
	return nil
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "watchparty"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
