package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"vllm-openwebui-infra/infra"
)

func main() {
	log.SetFlags(0)

	cfg := infra.DefaultConfig()
	var stateDir string

	root := &cobra.Command{
		Use:           "vllm-openwebui-infra",
		Short:         "Provision the vLLM + Open WebUI network topology on AWS",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&stateDir, "state-dir", defaultStateDir(), "directory for local deployment state")
	root.PersistentFlags().StringVar(&cfg.Region, "region", cfg.Region, "AWS region")
	root.PersistentFlags().StringVar(&cfg.Model, "model", cfg.Model, "HuggingFace model the inference engine serves")
	root.PersistentFlags().StringVar(&cfg.InstanceType, "instance-type", cfg.InstanceType, "GPU instance type for the compute pool")
	root.PersistentFlags().StringVar(&cfg.WebImage, "web-image", cfg.WebImage, "container image for the web front end")
	root.PersistentFlags().StringVar(&cfg.HFTokenSecretName, "hf-token-secret", cfg.HFTokenSecretName, "Secrets Manager secret holding the HuggingFace token")

	root.AddCommand(
		upCmd(cfg, &stateDir),
		previewCmd(cfg, &stateDir),
		destroyCmd(cfg, &stateDir),
		outputsCmd(cfg, &stateDir),
	)

	if err := root.Execute(); err != nil {
		log.Printf("[infra] error: %v", err)
		os.Exit(1)
	}
}

func upCmd(cfg *infra.Config, stateDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all stages in dependency order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			o, err := infra.NewOrchestrator(cfg, *stateDir)
			if err != nil {
				return err
			}
			results, err := o.Up(cmd.Context())
			if err != nil {
				return err
			}
			printOutputs(results)
			return nil
		},
	}
}

func previewCmd(cfg *infra.Config, stateDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "preview",
		Short: "Show what each stage would change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			o, err := infra.NewOrchestrator(cfg, *stateDir)
			if err != nil {
				return err
			}
			return o.Preview(cmd.Context())
		},
	}
}

func destroyCmd(cfg *infra.Config, stateDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "destroy [stage]",
		Short: "Tear down all stages in reverse order, or one stage if nothing depends on it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := infra.NewOrchestrator(cfg, *stateDir)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				return o.DestroyStage(cmd.Context(), args[0])
			}
			return o.Destroy(cmd.Context())
		},
	}
}

func outputsCmd(cfg *infra.Config, stateDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "outputs",
		Short: "Print the exported outputs of every applied stage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			o, err := infra.NewOrchestrator(cfg, *stateDir)
			if err != nil {
				return err
			}
			results, err := o.Outputs(cmd.Context())
			if err != nil {
				return err
			}
			printOutputs(results)
			return nil
		},
	}
}

func printOutputs(results map[string]infra.Outputs) {
	stages := make([]string, 0, len(results))
	for name := range results {
		stages = append(stages, name)
	}
	sort.Strings(stages)
	for _, name := range stages {
		fmt.Printf("%s:\n", name)
		keys := make([]string, 0, len(results[name]))
		for k := range results[name] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %s: %v\n", k, results[name][k])
		}
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".state"
	}
	return filepath.Join(home, ".vllm-openwebui-infra")
}
