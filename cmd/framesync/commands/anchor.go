package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/marginalia/framesync/internal/app"
	"github.com/marginalia/framesync/internal/sidebar"
)

var (
	anchorURI          string
	anchorFormat       string
	anchorTimeout      time.Duration
	anchorFailOnOrphan bool
	anchorNoColor      bool
)

var anchorCmd = &cobra.Command{
	Use:   "anchor <document> <annotations>",
	Short: "Anchor annotations in a document and report the result",
	Long: `Load a document (HTML or plain text) and a set of annotations (JSON, JSONC
or YAML), anchor every annotation through the sidebar and print how each one
anchored.

Annotations only load into the document when their uri is empty or matches
the document's URI; use --uri to give the document the URI they were made on.

Examples:
  framesync anchor page.html annotations.yaml
  framesync anchor --uri https://example.com/article page.html notes.json
  framesync anchor --format json --fail-on-orphan page.html notes.json`,
	Args: cobra.ExactArgs(2),
	RunE: runAnchor,
}

func init() {
	anchorCmd.Flags().StringVar(&anchorURI, "uri", "", "URI of the document (default: file URL of the path)")
	anchorCmd.Flags().StringVar(&anchorFormat, "format", "default", "Output format (default|json)")
	anchorCmd.Flags().DurationVar(&anchorTimeout, "timeout", 10*time.Second, "Time allowed for connecting and anchoring")
	anchorCmd.Flags().BoolVar(&anchorFailOnOrphan, "fail-on-orphan", false, "Exit with an error if any annotation is orphaned")
	anchorCmd.Flags().BoolVar(&anchorNoColor, "no-color", false, "Disable colored output")
}

func runAnchor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	doc, err := openDocument(args[0], anchorURI)
	if err != nil {
		return err
	}
	anns, err := sidebar.ReadAnnotations(args[1])
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), anchorTimeout)
	defer cancel()

	a, err := app.New(ctx, doc, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.LoadAnnotations(ctx, anns); err != nil {
		return err
	}
	status := a.Status()

	if anchorFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(status); err != nil {
			return err
		}
	} else {
		printStatus(status, len(anns))
	}

	if anchorFailOnOrphan {
		for _, st := range status {
			if st.State == app.StateOrphan {
				return fmt.Errorf("annotation %s is orphaned", st.Tag)
			}
		}
	}
	return nil
}

func printStatus(status []app.AnnotationStatus, loaded int) {
	color.NoColor = color.NoColor || anchorNoColor

	stateColor := map[string]*color.Color{
		app.StateAnchored: color.New(color.FgGreen, color.Bold),
		app.StateOrphan:   color.New(color.FgRed, color.Bold),
		app.StatePageNote: color.New(color.FgCyan, color.Bold),
	}
	dim := color.New(color.FgHiBlack)

	counts := make(map[string]int)
	for _, st := range status {
		counts[st.State]++

		label := st.Tag
		if st.ID != "" {
			label = st.ID
		}
		fmt.Printf("%s %s", stateColor[st.State].Sprintf("%-9s", st.State), label)
		if st.Quote != "" {
			fmt.Printf(" %q %s", st.Quote, dim.Sprintf("[%d,%d)", st.Start, st.End))
		}
		fmt.Println()
	}

	fmt.Println(dim.Sprintf("%d loaded, %d anchored, %d orphaned, %d page notes",
		loaded, counts[app.StateAnchored], counts[app.StateOrphan], counts[app.StatePageNote]))
}
