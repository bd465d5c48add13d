package main

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/AlexKimmel/GateRelay/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type runtimeState struct {
	configPath string
	cfg        *config.Root
}

type runtimeKey struct{}

func newRootCommand() *cobra.Command {
	rt := &runtimeState{configPath: "./config.yaml"}

	root := &cobra.Command{
		Use:           "gaterelay",
		Short:         "Authenticated, rate-limited relay for chat completions",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(rt.configPath)
			if err != nil {
				return err
			}
			rt.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&rt.configPath, "config", rt.configPath, "Path to config file")
	root.SetContext(context.WithValue(context.Background(), runtimeKey{}, rt))

	root.AddCommand(newServeCommand(), newTokenCommand())
	return root
}

func getRuntime(cmd *cobra.Command) (*runtimeState, error) {
	rt, ok := cmd.Context().Value(runtimeKey{}).(*runtimeState)
	if !ok || rt == nil || rt.cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return rt, nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
