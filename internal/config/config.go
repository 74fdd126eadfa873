package config

import (
	"fmt"
	"time"
)

// Config 应用配置结构体 [这里的字段和配置文件中一级字段保持一致，否则会没有值]
type Config struct {
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`         // 服务器配置
	Database   DatabaseConfig   `yaml:"database" mapstructure:"database"`     // 数据库配置
	Log        LogConfig        `yaml:"log" mapstructure:"log"`               // 日志配置
	Security   SecurityConfig   `yaml:"security" mapstructure:"security"`     // 安全配置
	Gateway    GatewayConfig    `yaml:"gateway" mapstructure:"gateway"`       // Agent网关配置
	Dispatcher DispatcherConfig `yaml:"dispatcher" mapstructure:"dispatcher"` // 命令分发器配置
	Election   ElectionConfig   `yaml:"election" mapstructure:"election"`     // 领导者选举配置
	Broadcast  BroadcastConfig  `yaml:"broadcast" mapstructure:"broadcast"`   // UI广播配置
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host           string        `yaml:"host" mapstructure:"host"`                         // 服务器主机地址
	Port           int           `yaml:"port" mapstructure:"port"`                         // 服务器端口
	Mode           string        `yaml:"mode" mapstructure:"mode"`                         // 运行模式: debug, release, test
	ReadTimeout    time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`         // 读取超时时间
	WriteTimeout   time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`       // 写入超时时间
	IdleTimeout    time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`         // 空闲超时时间
	MaxHeaderBytes int           `yaml:"max_header_bytes" mapstructure:"max_header_bytes"` // 最大请求头字节数
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	MySQL MySQLConfig `yaml:"mysql" mapstructure:"mysql"` // MySQL配置
	Redis RedisConfig `yaml:"redis" mapstructure:"redis"` // Redis配置
}

// MySQLConfig MySQL数据库配置
type MySQLConfig struct {
	Host            string        `yaml:"host" mapstructure:"host"`                             // 数据库主机
	Port            int           `yaml:"port" mapstructure:"port"`                             // 数据库端口
	Username        string        `yaml:"username" mapstructure:"username"`                     // 用户名
	Password        string        `yaml:"password" mapstructure:"password"`                     // 密码
	Database        string        `yaml:"database" mapstructure:"database"`                     // 数据库名
	Charset         string        `yaml:"charset" mapstructure:"charset"`                       // 字符集
	ParseTime       bool          `yaml:"parse_time" mapstructure:"parse_time"`                 // 是否解析时间
	Loc             string        `yaml:"loc" mapstructure:"loc"`                               // 时区
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`         // 最大空闲连接数
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`         // 最大打开连接数
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`   // 连接最大生存时间
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" mapstructure:"conn_max_idle_time"` // 连接最大空闲时间
	LogLevel        string        `yaml:"log_level" mapstructure:"log_level"`                   // 日志级别
}

// RedisConfig Redis配置
type RedisConfig struct {
	Host         string        `yaml:"host" mapstructure:"host"`                     // Redis主机
	Port         int           `yaml:"port" mapstructure:"port"`                     // Redis端口
	Password     string        `yaml:"password" mapstructure:"password"`             // Redis密码
	Database     int           `yaml:"database" mapstructure:"database"`             // Redis数据库索引
	PoolSize     int           `yaml:"pool_size" mapstructure:"pool_size"`           // 连接池大小
	MinIdleConns int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"` // 最小空闲连接数
	DialTimeout  time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`     // 连接超时
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`     // 读取超时
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`   // 写入超时
	PoolTimeout  time.Duration `yaml:"pool_timeout" mapstructure:"pool_timeout"`     // 连接池超时
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`     // 空闲超时
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`             // 日志级别
	Format     string `yaml:"format" mapstructure:"format"`           // 日志格式: json, text
	Output     string `yaml:"output" mapstructure:"output"`           // 输出方式: stdout, stderr, file
	FilePath   string `yaml:"file_path" mapstructure:"file_path"`     // 日志文件路径
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"`       // 单个日志文件最大大小(MB)
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"` // 保留的日志文件数量
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age"`         // 日志文件保留天数
	Compress   bool   `yaml:"compress" mapstructure:"compress"`       // 是否压缩日志文件
	Caller     bool   `yaml:"caller" mapstructure:"caller"`           // 是否显示调用者信息
}

// SecurityConfig 安全配置
type SecurityConfig struct {
	JWT   JWTConfig      `yaml:"jwt" mapstructure:"jwt"`     // JWT配置(UI订阅端租户上下文)
	Agent AgentKeyConfig `yaml:"agent" mapstructure:"agent"` // Agent接入密钥配置
}

// JWTConfig JWT配置
// UI订阅连接的租户上下文从该JWT中派生，绝不信任客户端自报的org_id
type JWTConfig struct {
	Secret            string        `yaml:"secret" mapstructure:"secret"`                           // JWT密钥
	Issuer            string        `yaml:"issuer" mapstructure:"issuer"`                           // 签发者
	AccessTokenExpire time.Duration `yaml:"access_token_expire" mapstructure:"access_token_expire"` // 访问令牌过期时间
	Algorithm         string        `yaml:"algorithm" mapstructure:"algorithm"`                     // 签名算法
}

// AgentKeyConfig Agent接入密钥配置
type AgentKeyConfig struct {
	APIKeyHash   string `yaml:"api_key_hash" mapstructure:"api_key_hash"`     // Agent API密钥的bcrypt哈希
	APIKeyHeader string `yaml:"api_key_header" mapstructure:"api_key_header"` // Agent API密钥请求头
}

// GatewayConfig Agent网关配置
// 控制Agent连接注册表和跨进程路由层的行为
type GatewayConfig struct {
	ProcessID          string        `yaml:"process_id" mapstructure:"process_id"`                     // 进程实例标识，为空则自动生成
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`     // Agent心跳间隔
	RouteTTLMultiplier float64       `yaml:"route_ttl_multiplier" mapstructure:"route_ttl_multiplier"` // 路由映射TTL = 心跳间隔 * 该系数
	SendBufferSize     int           `yaml:"send_buffer_size" mapstructure:"send_buffer_size"`         // 每连接出站缓冲区大小
	WriteTimeout       time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`               // WebSocket写超时
	ReadTimeout        time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`                 // WebSocket读超时(心跳宽限)
	RegisterTimeout    time.Duration `yaml:"register_timeout" mapstructure:"register_timeout"`         // 等待register消息的超时
	StoreTimeout       time.Duration `yaml:"store_timeout" mapstructure:"store_timeout"`               // 共享存储单次往返超时
}

// DispatcherConfig 命令分发器配置
type DispatcherConfig struct {
	Workers         int           `yaml:"workers" mapstructure:"workers"`                   // 工作协程数量
	QueueSize       int           `yaml:"queue_size" mapstructure:"queue_size"`             // 内存队列容量
	DispatchTimeout time.Duration `yaml:"dispatch_timeout" mapstructure:"dispatch_timeout"` // 单次分发尝试的截止时间
}

// ElectionConfig 领导者选举配置
// 约束: RenewDeadline < LeaseDuration，最坏故障转移时间 = LeaseDuration + RetryPeriod
type ElectionConfig struct {
	Enabled       bool          `yaml:"enabled" mapstructure:"enabled"`               // 是否参与选举
	Group         string        `yaml:"group" mapstructure:"group"`                   // HA组名(逻辑Agent组)
	LeaseDuration time.Duration `yaml:"lease_duration" mapstructure:"lease_duration"` // 租约时长 D
	RenewDeadline time.Duration `yaml:"renew_deadline" mapstructure:"renew_deadline"` // 续约周期 R
	RetryPeriod   time.Duration `yaml:"retry_period" mapstructure:"retry_period"`     // 非持有者轮询周期 P
}

// BroadcastConfig UI广播配置
type BroadcastConfig struct {
	SnapshotInterval time.Duration `yaml:"snapshot_interval" mapstructure:"snapshot_interval"` // 快照推送间隔
}

// SetDefaults 为缺省字段填充默认值
// viper反序列化之后调用，保证零值配置也能启动
func (c *Config) SetDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Mode == "" {
		c.Server.Mode = "release"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}
	if c.Security.Agent.APIKeyHeader == "" {
		c.Security.Agent.APIKeyHeader = "X-Agent-Key"
	}
	if c.Gateway.HeartbeatInterval == 0 {
		c.Gateway.HeartbeatInterval = 30 * time.Second
	}
	if c.Gateway.RouteTTLMultiplier == 0 {
		// 路由映射寿命约为2-3个心跳间隔，进程崩溃后陈旧映射自动过期
		c.Gateway.RouteTTLMultiplier = 2.5
	}
	if c.Gateway.SendBufferSize == 0 {
		c.Gateway.SendBufferSize = 256
	}
	if c.Gateway.WriteTimeout == 0 {
		c.Gateway.WriteTimeout = 10 * time.Second
	}
	if c.Gateway.ReadTimeout == 0 {
		c.Gateway.ReadTimeout = 2 * c.Gateway.HeartbeatInterval
	}
	if c.Gateway.RegisterTimeout == 0 {
		c.Gateway.RegisterTimeout = 10 * time.Second
	}
	if c.Gateway.StoreTimeout == 0 {
		c.Gateway.StoreTimeout = 3 * time.Second
	}
	if c.Dispatcher.Workers == 0 {
		c.Dispatcher.Workers = 10
	}
	if c.Dispatcher.QueueSize == 0 {
		c.Dispatcher.QueueSize = 1000
	}
	if c.Dispatcher.DispatchTimeout == 0 {
		c.Dispatcher.DispatchTimeout = 10 * time.Second
	}
	if c.Election.Group == "" {
		c.Election.Group = "default"
	}
	if c.Election.LeaseDuration == 0 {
		c.Election.LeaseDuration = 15 * time.Second
	}
	if c.Election.RenewDeadline == 0 {
		c.Election.RenewDeadline = 10 * time.Second
	}
	if c.Election.RetryPeriod == 0 {
		c.Election.RetryPeriod = 2 * time.Second
	}
	if c.Broadcast.SnapshotInterval == 0 {
		c.Broadcast.SnapshotInterval = 5 * time.Second
	}
}

// Validate 校验配置合法性
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Gateway.HeartbeatInterval <= 0 {
		return fmt.Errorf("gateway heartbeat_interval must be positive")
	}
	if c.Gateway.RouteTTLMultiplier < 1 {
		return fmt.Errorf("gateway route_ttl_multiplier must be >= 1")
	}
	if c.Dispatcher.Workers <= 0 {
		return fmt.Errorf("dispatcher workers must be positive")
	}
	if c.Election.RenewDeadline >= c.Election.LeaseDuration {
		return fmt.Errorf("election renew_deadline (%s) must be less than lease_duration (%s)",
			c.Election.RenewDeadline, c.Election.LeaseDuration)
	}
	if c.Election.RetryPeriod <= 0 {
		return fmt.Errorf("election retry_period must be positive")
	}
	return nil
}

// RouteTTL 返回agent→process路由映射的过期时间
func (c *GatewayConfig) RouteTTL() time.Duration {
	return time.Duration(float64(c.HeartbeatInterval) * c.RouteTTLMultiplier)
}
