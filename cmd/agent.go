package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/DragonSecurity/relay/internal/agent"
	"github.com/DragonSecurity/relay/pkg/config"
	"github.com/DragonSecurity/relay/pkg/util"
)

func init() {
	d := config.DefaultAgentConfig()
	agentCmd.Flags().String("server", d.ServerURL, "relay base URL")
	agentCmd.Flags().String("to", d.LocalTo, "local service base URL")
	agentCmd.Flags().Duration("ping-interval", d.PingInterval, "WebSocket keepalive interval")
	agentCmd.Flags().Duration("local-timeout", d.LocalTimeout, "timeout for requests to the local service")
	agentCmd.Flags().Duration("max-retry-interval", d.MaxRetryInterval, "upper bound for reconnect backoff")
	agentCmd.Flags().Bool("insecure", false, "skip relay certificate verification")
	agentCmd.Flags().String("tls-ca", "", "CA file to verify the relay with")
	agentCmd.Flags().String("tls-cert", "", "client certificate file")
	agentCmd.Flags().String("tls-key", "", "client key file")

	_ = viper.BindPFlag("agent.server", agentCmd.Flags().Lookup("server"))
	_ = viper.BindPFlag("agent.to", agentCmd.Flags().Lookup("to"))
	_ = viper.BindPFlag("agent.ping_interval", agentCmd.Flags().Lookup("ping-interval"))
	_ = viper.BindPFlag("agent.local_timeout", agentCmd.Flags().Lookup("local-timeout"))
	_ = viper.BindPFlag("agent.max_retry_interval", agentCmd.Flags().Lookup("max-retry-interval"))
	_ = viper.BindPFlag("agent.insecure", agentCmd.Flags().Lookup("insecure"))
	_ = viper.BindPFlag("agent.tls.ca", agentCmd.Flags().Lookup("tls-ca"))
	_ = viper.BindPFlag("agent.tls.cert", agentCmd.Flags().Lookup("tls-cert"))
	_ = viper.BindPFlag("agent.tls.key", agentCmd.Flags().Lookup("tls-key"))

	rootCmd.AddCommand(agentCmd)
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "run the private-side agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := agentConfig(viper.GetViper())
		if err != nil {
			return err
		}
		log := util.NewLogger("agent")
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return agent.Run(ctx, cfg, log)
	},
}

func agentConfig(v *viper.Viper) (config.AgentConfig, error) {
	rc := rootCfg{Agent: config.DefaultAgentConfig()}
	if err := v.Unmarshal(&rc); err != nil {
		return config.AgentConfig{}, fmt.Errorf("decode agent config: %w", err)
	}
	return rc.Agent, nil
}
