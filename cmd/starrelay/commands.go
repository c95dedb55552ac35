package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/starrelay-project/starrelay/internal/config"
)

func checkCmd(opts *serveOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configDir)
			if err != nil {
				return err
			}

			result := config.Validate(cfg)
			for _, w := range result.Warnings {
				fmt.Printf("warning  %-28s %s\n", w.Field, w.Message)
			}
			for _, e := range result.Errors {
				fmt.Printf("error    %-28s %s\n", e.Field, e.Message)
			}
			if !result.IsValid() {
				return fmt.Errorf("%d configuration error(s)", len(result.Errors))
			}
			fmt.Printf("%s is valid\n", cfg.Path())
			return nil
		},
	}
}

func setupCmd(opts *serveOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactively write the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configDir)
			if err != nil {
				return err
			}
			return config.RunSetupWizard(cfg, os.Stdin, os.Stdout)
		},
	}
}

func versionCmd() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			if short {
				fmt.Println(version)
				return
			}

			fmt.Printf(banner, version)
			fmt.Println()
			fmt.Printf("  Version:    %s\n", version)
			fmt.Printf("  Commit:     %s\n", commit)
			fmt.Printf("  Built:      %s\n", date)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}

	cmd.Flags().BoolVarP(&short, "short", "s", false, "Print only version number")

	return cmd
}
