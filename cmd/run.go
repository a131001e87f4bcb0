package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gitzhang10/blockrelay/config"
	"github.com/gitzhang10/blockrelay/node"
)

var (
	configDir    string
	configName   string
	configPrefix string
	startupWait  time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the relay daemon of one node",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.LoadConfigFrom(configDir, configPrefix, configName)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runNode(ctx, conf)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&configDir, "config-dir", "./", "Directory holding the node's configuration file")
	runCmd.Flags().StringVar(&configName, "config", "config", "Configuration file name without extension")
	runCmd.Flags().StringVar(&configPrefix, "env-prefix", "", "Prefix of environment variables overriding the configuration")
	runCmd.Flags().DurationVar(&startupWait, "wait", 15*time.Second, "Time to wait for the other nodes to start listening")
}

func runNode(ctx context.Context, conf *config.Config) error {
	n, err := node.NewNode(conf)
	if err != nil {
		return err
	}
	defer n.Close()
	if err = n.StartP2PListen(); err != nil {
		return err
	}
	n.StartMetrics()
	// wait for each node to start
	select {
	case <-time.After(startupWait):
	case <-ctx.Done():
		return nil
	}
	if err = n.EstablishP2PConns(); err != nil {
		return err
	}
	go n.HandleMsgLoop(ctx)
	if conf.ReadEnabled {
		go n.RequestLoop(ctx)
	}
	<-ctx.Done()
	return nil
}
