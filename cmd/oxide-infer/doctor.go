package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"llamarun/internal/config"
	"llamarun/internal/inference/llamacpp"
)

func newDoctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose the llama-server binary search and configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor()
		},
	}
}

func runDoctor() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	fmt.Printf("config: schema_version=%d models_storage.dir=%q bind_addr=%s\n",
		cfg.SchemaVersion, cfg.ModelsStorage.Dir, cfg.Developer.BindAddr)

	runtimeCfg := cfg.RuntimeConfig(0)
	candidates := llamacpp.ResolveBinaryCandidates(runtimeCfg)
	if len(candidates) == 0 {
		fmt.Println("llama-server binary: NOT FOUND (checked config path, OXIDE_LLAMA_SERVER_PATH, bundled dirs, PATH)")
		return nil
	}

	fmt.Println("llama-server binary candidates, in resolution order:")
	for i, c := range candidates {
		fmt.Printf("  %d. %s\n", i+1, c)
	}

	if len(cfg.Tooling.MCPServers) == 0 {
		fmt.Println("mcp servers: none configured")
	} else {
		fmt.Println("mcp servers configured:")
		for name, s := range cfg.Tooling.MCPServers {
			status := "enabled"
			if s.Disabled {
				status = "disabled"
			}
			fmt.Printf("  - %s: %s %v (%s)\n", name, s.Command, s.Args, status)
		}
	}
	return nil
}
