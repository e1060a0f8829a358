package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/SteamVC/SteamVC_Match/internal/agent"
	"github.com/SteamVC/SteamVC_Match/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	serverURLKey  = "server_url"
	backendURLKey = "backend_base_url"
	timeoutKey    = "request_timeout"
	logLevelKey   = "log_level"
)

var (
	cfgFile string
	client  *agent.Client
)

var rootCmd = &cobra.Command{
	Use:          "channelctl",
	Short:        "Participant-side client for the channel server",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger.InitWithWriter("channelctl", viper.GetString(logLevelKey), os.Stderr)
		client = agent.New(viper.GetString(serverURLKey), viper.GetDuration(timeoutKey))
		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml)")
	rootCmd.PersistentFlags().String("server", "http://localhost:8080", "channel server URL")
	rootCmd.PersistentFlags().String("backend", "http://localhost:3000", "backend URL used when the cleanup beacon is rejected")
	rootCmd.PersistentFlags().Duration("timeout", 5*time.Second, "request timeout")
	rootCmd.PersistentFlags().String("log-level", "WARN", "log level")

	_ = viper.BindPFlag(serverURLKey, rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag(backendURLKey, rootCmd.PersistentFlags().Lookup("backend"))
	_ = viper.BindPFlag(timeoutKey, rootCmd.PersistentFlags().Lookup("timeout"))
	_ = viper.BindPFlag(logLevelKey, rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(joinCmd, hopCmd, heartbeatsCmd, attemptsCmd)
}

// initConfig は設定ファイルと環境変数（CHANNELCTL_*）を読み込みます
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintln(os.Stderr, "Error reading config file:", err)
		}
	}
	viper.SetEnvPrefix("channelctl")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
