// Package commands provides the CLI commands for framesync.
package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/marginalia/framesync/internal/config"
	"github.com/marginalia/framesync/internal/document"
	"github.com/marginalia/framesync/internal/logging"
	"github.com/marginalia/framesync/pkg/types"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs bool
	logLevel  string
	workDir   string
)

var rootCmd = &cobra.Command{
	Use:   "framesync",
	Short: "framesync - annotation anchoring across frames",
	Long: `framesync runs a host frame, its sidebar and the guests of a document in
one process, anchors annotations in the document and keeps every frame's
view of them in sync.

Run 'framesync anchor' to check how a set of annotations anchors, or
'framesync serve' to drive the frames over HTTP.`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().StringVar(&workDir, "directory", "", "Project directory for framesync.json (default: current directory)")

	rootCmd.SetVersionTemplate(fmt.Sprintf("framesync %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(anchorCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(debugCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// setup loads .env and initializes logging before any command runs.
func setup(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	level := logLevel
	if !cmd.Flags().Changed("log-level") && cfg.LogLevel != "" {
		level = cfg.LogLevel
	}

	var out io.Writer = io.Discard
	if printLogs {
		out = os.Stderr
	}
	logging.Init(logging.Config{
		Level:  logging.ParseLevel(level),
		Output: out,
		Pretty: true,
	})
	return nil
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}

func loadConfig() (*types.Config, error) {
	dir, err := GetWorkDir(workDir)
	if err != nil {
		return nil, err
	}
	return config.Load(dir)
}

// openDocument loads the document at path. Its URI is uri, or a file URL
// for path when uri is empty.
func openDocument(path, uri string) (*document.Document, error) {
	if uri == "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		uri = "file://" + filepath.ToSlash(abs)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return document.Load(uri, f)
}
