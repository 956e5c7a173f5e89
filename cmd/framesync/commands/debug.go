package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marginalia/framesync/internal/config"
	"github.com/marginalia/framesync/internal/settings"
)

var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Debug utilities",
	Long:  `Debug utilities for troubleshooting framesync configuration and host-page settings.`,
}

var debugConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show current configuration",
	RunE:  runDebugConfig,
}

var debugPathsCmd = &cobra.Command{
	Use:   "paths",
	Short: "Show system paths",
	RunE:  runDebugPaths,
}

var debugFragmentCmd = &cobra.Command{
	Use:   "fragment <url>",
	Short: "Show the settings carried in a URL fragment",
	Long: `Parse the #annotations: fragment of a URL the way a host page does.

Examples:
  framesync debug fragment 'https://example.com/#annotations:Ab12-x'
  framesync debug fragment 'https://example.com/#annotations:query:user%3Ajane'`,
	Args: cobra.ExactArgs(1),
	RunE: runDebugFragment,
}

func init() {
	debugCmd.AddCommand(debugConfigCmd)
	debugCmd.AddCommand(debugPathsCmd)
	debugCmd.AddCommand(debugFragmentCmd)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func runDebugConfig(cmd *cobra.Command, args []string) error {
	appConfig, err := loadConfig()
	if err != nil {
		return err
	}
	return printJSON(appConfig)
}

func runDebugPaths(cmd *cobra.Command, args []string) error {
	dir, err := GetWorkDir(workDir)
	if err != nil {
		return err
	}
	paths := config.GetPaths()

	fmt.Println("framesync paths:")
	fmt.Println()
	fmt.Printf("  Config:   %s\n", config.GetConfigDir())
	fmt.Printf("  Cache:    %s\n", paths.Cache)
	fmt.Printf("  Global:   %s\n", config.GlobalConfigPath())
	fmt.Printf("  Project:  %s\n", config.ProjectConfigPath(dir))
	if env := os.Getenv(config.EnvConfig); env != "" {
		fmt.Printf("  %s: %s\n", config.EnvConfig, env)
	}
	return nil
}

func runDebugFragment(cmd *cobra.Command, args []string) error {
	return printJSON(settings.FromURL(args[0]))
}
