package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// ErrUnknownPairing 选择了不存在的存储账号配对
var ErrUnknownPairing = errors.New("incorrect blob storage pairing identifier")

// Load 初始化 Viper 配置
// cfgFile: 可选，用户显式指定的配置文件路径
func Load(cfgFile string) error {
	// 1. 设置默认值 (Defaults)
	setDefaults()

	// 2. 配置搜索路径
	if cfgFile != "" {
		// 如果用户指定了文件，直接使用
		viper.SetConfigFile(cfgFile)
	} else {
		// 否则按优先级搜索
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}

		// 搜索顺序：
		// 1. 当前目录
		viper.AddConfigPath(".")
		// 2. 当前目录下的 .blobsync
		viper.AddConfigPath(".blobsync")
		// 3. 用户主目录下的 .blobsync
		viper.AddConfigPath(filepath.Join(home, ".blobsync"))

		viper.SetConfigType("yaml")
		viper.SetConfigName("config") // 找 config.yaml
	}

	// 3. 读取环境变量 (BLOBSYNC_CACHE_REDIS_URL 等)
	viper.SetEnvPrefix("BLOBSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	if err := bindPairingEnv(); err != nil {
		return err
	}

	// 4. 读取配置文件
	if err := viper.ReadInConfig(); err != nil {
		// 如果只是没找到配置文件，但可能有环境变量，不一定算错
		// 但如果是配置文件格式错，那就是错
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			fmt.Fprintln(os.Stderr, "⚠️  No config file found, using defaults/env vars")
		} else {
			// Config file was found but another error produced
			return fmt.Errorf("fatal error config file: %w", err)
		}
	} else {
		fmt.Fprintln(os.Stderr, "🔧 Using config file:", viper.ConfigFileUsed())
	}

	return nil
}

func setDefaults() {
	// 各阶段并发上限
	viper.SetDefault("queues.create", 10)
	viper.SetDefault("queues.check", 10)
	viper.SetDefault("queues.stream", 5)
	viper.SetDefault("queues.sync", 2)

	// 同步规则
	viper.SetDefault("sync.pattern", `^proj-(\d+)(?:-.*)?$`)
	viper.SetDefault("sync.access", "blob")
	viper.SetDefault("sync.exclude", []string{})
	viper.SetDefault("sync.exclude_file", "")

	// 默认的两组 Azure 账号配对
	for _, name := range []string{"storage", "cdn"} {
		viper.SetDefault("pairings."+name+".source.type", "azure")
		viper.SetDefault("pairings."+name+".target.type", "azure")
	}

	// 缓存 (redis_url 为空表示关闭)
	viper.SetDefault("cache.redis_url", "")
	viper.SetDefault("cache.ttl", "24h")

	// 同步日志
	home, _ := os.UserHomeDir()
	viper.SetDefault("journal.driver", "sqlite")
	viper.SetDefault("journal.path", filepath.Join(home, ".blobsync", "journal.db"))
	viper.SetDefault("journal.host", "localhost")
	viper.SetDefault("journal.port", 5432)
	viper.SetDefault("journal.sslmode", "disable")

	viper.SetDefault("log.level", "info")
}

// bindPairingEnv 兼容原有部署的环境变量
// HILCO_AZURE_{SOURCE,TARGET}_{STORAGE,CDN}_{ACCOUNT,KEY}
func bindPairingEnv() error {
	for _, name := range []string{"storage", "cdn"} {
		for _, side := range []string{"source", "target"} {
			for _, field := range []string{"account", "key"} {
				key := fmt.Sprintf("pairings.%s.%s.%s", name, side, field)
				env := strings.ToUpper(fmt.Sprintf("HILCO_AZURE_%s_%s_%s", side, name, field))
				if err := viper.BindEnv(key, env); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// StoreConfig 是一端对象存储的连接参数，非当前 Type 的字段被忽略
type StoreConfig struct {
	Type string // "azure" | "s3" | "disk" | "memory"

	// azure
	Account  string
	Key      string
	Endpoint string

	// s3 (Endpoint 共用)
	Region          string
	BucketPrefix    string
	AccessKeyID     string
	SecretAccessKey string

	// disk
	Path string
}

// Pairing 是一组 (源端, 目标端)
type Pairing struct {
	Name   string
	Source StoreConfig
	Target StoreConfig
}

// Pairings 返回所有已配置的配对名 (排序)
func Pairings() []string {
	var names []string
	for name := range viper.GetStringMap("pairings") {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupPairing 按名字读取配对，不存在时返回 ErrUnknownPairing
func LookupPairing(name string) (Pairing, error) {
	if name == "" || !viper.IsSet("pairings."+name+".source.type") {
		return Pairing{}, fmt.Errorf("%w: %q (known: %s)", ErrUnknownPairing, name, strings.Join(Pairings(), ", "))
	}
	return Pairing{
		Name:   name,
		Source: storeConfig("pairings." + name + ".source"),
		Target: storeConfig("pairings." + name + ".target"),
	}, nil
}

func storeConfig(prefix string) StoreConfig {
	get := func(field string) string { return viper.GetString(prefix + "." + field) }
	return StoreConfig{
		Type:            get("type"),
		Account:         get("account"),
		Key:             get("key"),
		Endpoint:        get("endpoint"),
		Region:          get("region"),
		BucketPrefix:    get("bucket_prefix"),
		AccessKeyID:     get("access_key_id"),
		SecretAccessKey: get("secret_access_key"),
		Path:            get("path"),
	}
}
