package commands

import (
	"fmt"
	"os"

	"debvault/pkg/app"
	"debvault/pkg/config"
	"debvault/pkg/logging"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// skipApp 标记不需要打开仓库的命令
const skipApp = "dv/skip-app"

var (
	cfgFile string
	// DV 是全局应用实例，供子命令使用
	DV *app.App
	// logger 在 PersistentPreRunE 中按 log.* 配置创建
	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:           "dv",
	Short:         "debvault: reproducible Debian base images from pinned lockfiles",
	SilenceUsage:  true,
	SilenceErrors: true,
	// PersistentPreRunE 在所有子命令执行前运行
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log, err := logging.New(viper.GetString("log.level"), viper.GetString("log.format"))
		if err != nil {
			return err
		}
		logger = log
		if cmd.Annotations[skipApp] != "" || DV != nil {
			return nil
		}

		DV, err = app.NewApp(cmd.Context(), logger)
		if err != nil {
			return fmt.Errorf("failed to initialize debvault: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if DV == nil {
			return nil
		}
		if err := DV.FlushMetrics(); err != nil {
			DV.Logger.Warn("write metrics failed", zap.Error(err))
		}
		_ = DV.Logger.Sync()
		return nil
	},
}

// Execute 是入口
func Execute() error {
	defer func() {
		if DV != nil {
			DV.Close()
		}
	}()
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .dv/config.yaml or $HOME/.dv/config.yaml)")

	// 这些参数同时可以写在 yaml 里或用 DV_* 环境变量覆盖
	flags := []struct{ flag, key, usage string }{
		{"storage-path", "storage.path", "directory to store objects"},
		{"log-level", "log.level", "debug, info, warn or error"},
		{"build-dir", "build.dir", "directory for build scratch space and the local mirror"},
	}
	for _, f := range flags {
		rootCmd.PersistentFlags().String(f.flag, "", f.usage)
		if err := viper.BindPFlag(f.key, rootCmd.PersistentFlags().Lookup(f.flag)); err != nil {
			fmt.Fprintln(os.Stderr, "Failed to bind flag:", err)
			os.Exit(1)
		}
	}
}

// initConfig 读取配置文件和环境变量
func initConfig() {
	if err := config.Load(cfgFile); err != nil {
		fmt.Fprintln(os.Stderr, "Config error:", err)
		os.Exit(1)
	}
}
