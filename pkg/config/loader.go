package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// RepoDir 是仓库元数据目录，相对于工作目录
const RepoDir = ".dv"

// DefaultMirrors 是没有配置镜像站时使用的上游
var DefaultMirrors = []string{
	"http://archive.ubuntu.com/ubuntu",
	"http://ftp.debian.org/debian/",
}

// Load 初始化 Viper 配置
// cfgFile: 可选，用户显式指定的配置文件路径
func Load(cfgFile string) error {
	// 1. .env 先于 viper 读取环境变量，已存在的环境变量不会被覆盖
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	// 2. 默认值
	setDefaults()

	// 3. 搜索路径
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath(RepoDir)
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, RepoDir))
		}
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// 4. 环境变量: DV_BUILD_JOBS -> build.jobs
	viper.SetEnvPrefix("DV")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// 5. 配置文件
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("fatal error config file: %w", err)
		}
		// 只有环境变量和默认值也能工作
		return nil
	}
	fmt.Fprintln(os.Stderr, "🔧 Using config file:", viper.ConfigFileUsed())
	return nil
}

func setDefaults() {
	// 存储
	viper.SetDefault("storage.type", "disk")
	viper.SetDefault("storage.path", filepath.Join(RepoDir, "objects"))
	viper.SetDefault("storage.s3.region", "us-east-1")
	viper.SetDefault("storage.remote.addr", "localhost:8080")

	// 账本
	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.path", filepath.Join(RepoDir, "ledger.db"))
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.sslmode", "disable")

	// 构建
	viper.SetDefault("build.dir", "_build")
	viper.SetDefault("build.jobs", runtime.NumCPU())
	viper.SetDefault("build.download_jobs", 4)
	viper.SetDefault("build.mirror", false)
	viper.SetDefault("build.mirror_dir", "")
	viper.SetDefault("build.metrics_file", "")

	// apt
	viper.SetDefault("apt.mirrors", DefaultMirrors)
	viper.SetDefault("apt.mirrors_file", "")
	viper.SetDefault("apt.index_tool", "aptly")
	viper.SetDefault("apt.aptly_config", "")
	viper.SetDefault("apt.s3.endpoint", "")
	viper.SetDefault("apt.s3.region", "us-east-1")
	viper.SetDefault("apt.s3.use_ssl", true)

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")

	viper.SetDefault("sandbox.sudo", true)
	viper.SetDefault("sandbox.bwrap", "bwrap")

	viper.SetDefault("cache.addr", "")
	viper.SetDefault("cache.ttl", 24*time.Hour)

	viper.SetDefault("server.listen", ":8080")
}
