package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/DragonSecurity/relay/internal/server"
	"github.com/DragonSecurity/relay/pkg/config"
	"github.com/DragonSecurity/relay/pkg/util"
)

var Version = "dev"

var Commit = "none"

var Date = "unknown"
var cfgFile string

// rootCfg mirrors the config file layout; viper.Unmarshal sees flag-bound and
// env-bound keys that UnmarshalKey on a sub-tree would miss.
type rootCfg struct {
	Server config.ServerConfig `mapstructure:"server"`
	Agent  config.AgentConfig  `mapstructure:"agent"`
}

var rootCmd = &cobra.Command{
	Use:     "relay",
	Short:   "relay: expose a private MCP endpoint through a single outbound tunnel",
	Version: fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		server.Version = Version
		return util.SetLevel(viper.GetString("log.level"))
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file")
	rootCmd.PersistentFlags().String("log-level", "info", "debug, info, warn or error")
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	viper.SetEnvPrefix("RELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("relay")
		viper.AddConfigPath(".")
		if home, _ := os.UserHomeDir(); home != "" {
			viper.AddConfigPath(filepath.Join(home, ".relay"))
		}
		viper.AddConfigPath("/etc/relay")
	}
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &nf) {
			fmt.Fprintln(os.Stderr, "config:", err)
			os.Exit(1)
		}
	}
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
