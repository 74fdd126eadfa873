package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var (
	// GlobalConfig 全局配置实例
	GlobalConfig *Config
)

// LoadConfig 加载配置文件
// configPath: 配置文件路径，如果为空则使用默认路径
// env: 环境标识，支持 development, test, production
func LoadConfig(configPath, env string) (*Config, error) {
	// 设置默认环境
	if env == "" {
		env = getEnvFromEnvironment()
	}

	// 创建viper实例
	v := viper.New()

	// 设置配置文件类型
	v.SetConfigType("yaml")

	// 设置配置文件路径
	if configPath == "" {
		configPath = getDefaultConfigPath()
	}

	// 根据环境选择配置文件
	configFile := getConfigFileName(configPath, env)
	v.SetConfigFile(configFile)

	// 设置环境变量前缀
	v.SetEnvPrefix("HELMSMAN")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 绑定环境变量
	bindEnvironmentVariables(v)

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	// 解析配置到结构体
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// 填充默认值
	config.SetDefaults()

	// 验证配置
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	// 设置全局配置
	GlobalConfig = &config

	return &config, nil
}

// getEnvFromEnvironment 从环境变量获取环境标识
func getEnvFromEnvironment() string {
	env := os.Getenv("HELMSMAN_ENV")
	if env == "" {
		env = os.Getenv("GO_ENV")
	}
	if env == "" {
		env = "development" // 默认开发环境
	}
	return env
}

// getDefaultConfigPath 获取默认配置文件路径
func getDefaultConfigPath() string {
	// 尝试从环境变量获取配置路径
	if configPath := os.Getenv("HELMSMAN_CONFIG_PATH"); configPath != "" {
		return configPath
	}

	// 使用默认路径
	return "configs"
}

// getConfigFileName 根据环境获取配置文件名
func getConfigFileName(configPath, env string) string {
	var configFile string

	switch env {
	case "production", "prod":
		configFile = filepath.Join(configPath, "config.prod.yaml")
	case "test", "testing":
		configFile = filepath.Join(configPath, "config.test.yaml")
	default:
		configFile = filepath.Join(configPath, "config.yaml")
	}

	// 检查文件是否存在，如果不存在则使用默认配置文件
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		defaultConfig := filepath.Join(configPath, "config.yaml")
		if _, err := os.Stat(defaultConfig); err == nil {
			return defaultConfig
		}
	}

	return configFile
}

// bindEnvironmentVariables 绑定环境变量
func bindEnvironmentVariables(v *viper.Viper) {
	// 数据库配置
	v.BindEnv("database.mysql.host", "HELMSMAN_MYSQL_HOST")
	v.BindEnv("database.mysql.port", "HELMSMAN_MYSQL_PORT")
	v.BindEnv("database.mysql.username", "HELMSMAN_MYSQL_USERNAME")
	v.BindEnv("database.mysql.password", "HELMSMAN_MYSQL_PASSWORD")
	v.BindEnv("database.mysql.database", "HELMSMAN_MYSQL_DATABASE")

	v.BindEnv("database.redis.host", "HELMSMAN_REDIS_HOST")
	v.BindEnv("database.redis.port", "HELMSMAN_REDIS_PORT")
	v.BindEnv("database.redis.password", "HELMSMAN_REDIS_PASSWORD")
	v.BindEnv("database.redis.database", "HELMSMAN_REDIS_DATABASE")

	// JWT配置
	v.BindEnv("security.jwt.secret", "HELMSMAN_JWT_SECRET")
	v.BindEnv("security.jwt.issuer", "HELMSMAN_JWT_ISSUER")

	// Agent接入密钥
	v.BindEnv("security.agent.api_key_hash", "HELMSMAN_AGENT_API_KEY_HASH")

	// 网关配置
	// POD_NAME 由k8s downward API注入，保证每个副本有稳定且唯一的进程标识
	v.BindEnv("gateway.process_id", "POD_NAME")
	v.BindEnv("gateway.heartbeat_interval", "HELMSMAN_HEARTBEAT_INTERVAL")

	// 选举配置
	v.BindEnv("election.enabled", "HELMSMAN_ELECTION_ENABLED")
	v.BindEnv("election.group", "HELMSMAN_ELECTION_GROUP")

	// 服务器配置
	v.BindEnv("server.host", "HELMSMAN_SERVER_HOST")
	v.BindEnv("server.port", "HELMSMAN_SERVER_PORT")
	v.BindEnv("server.mode", "HELMSMAN_SERVER_MODE")
}
