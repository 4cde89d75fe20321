package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pbs-plus/plus-scheduler/internal/config"
	controlrpc "github.com/pbs-plus/plus-scheduler/internal/proxy/rpc"
	"github.com/pbs-plus/plus-scheduler/internal/store/constants"

	// Sets GOMEMLIMIT to 90% of the cgroup memory limit.
	_ "github.com/KimMachineGun/automemlimit"
	_ "time/tzdata"
)

var Version = "v0.0.0"

var (
	configPath string
	socketPath string
)

var rootCmd = &cobra.Command{
	Use:           "plus-scheduler",
	Short:         "Backup job scheduler and work queue",
	Long:          `plus-scheduler runs scheduled and on-demand backup operations one at a time and can be controlled over a local socket.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (default $"+config.ConfigPathEnvVar+" or "+constants.ConfigFile+")")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "Control socket path (default from configuration)")
}

// controlSocket resolves the socket a client command talks to.
func controlSocket() string {
	if socketPath != "" {
		return socketPath
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return constants.ControlSocketPath
	}
	return cfg.Control.SocketPath
}

func dial() (*controlrpc.Client, error) {
	client, err := controlrpc.Dial(controlSocket())
	if err != nil {
		return nil, fmt.Errorf("is the server running? %w", err)
	}
	return client, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
