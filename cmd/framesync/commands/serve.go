package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marginalia/framesync/internal/app"
	"github.com/marginalia/framesync/internal/logging"
	"github.com/marginalia/framesync/internal/server"
	"github.com/marginalia/framesync/internal/sidebar"
	"github.com/marginalia/framesync/internal/watcher"
)

var (
	serveDocument    string
	serveURI         string
	serveAnnotations string
	serveWatch       bool
	servePort        int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a document's frames over HTTP",
	Long: `Start a host frame, its sidebar and a guest for a document, and expose
them over an HTTP API with SSE and WebSocket event streams.

With --watch the document is reloaded and every annotation re-anchored
whenever the file changes.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveDocument, "document", "", "Document to serve (HTML or plain text)")
	serveCmd.Flags().StringVar(&serveURI, "uri", "", "URI of the document (default: file URL of the path)")
	serveCmd.Flags().StringVar(&serveAnnotations, "annotations", "", "Annotations to load at startup")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", false, "Re-anchor when the document changes")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (default: server.port or 4097)")
	serveCmd.MarkFlagRequired("document")
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logging.Component("serve")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	doc, err := openDocument(serveDocument, serveURI)
	if err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	a, err := app.New(startCtx, doc, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if serveAnnotations != "" {
		anns, err := sidebar.ReadAnnotations(serveAnnotations)
		if err != nil {
			return err
		}
		if err := a.LoadAnnotations(startCtx, anns); err != nil {
			return err
		}
		log.Info().Int("count", len(anns)).Str("path", serveAnnotations).Msg("annotations loaded")
	}

	if serveWatch {
		w, err := watcher.New(serveDocument, func(content []byte) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := a.ReloadDocument(ctx, content); err != nil {
				log.Error().Err(err).Msg("reload failed")
				return
			}
			log.Info().Msg("document reloaded")
		})
		if err != nil {
			return err
		}
		w.Start()
		defer w.Stop()
	}

	serverConfig := server.DefaultConfig()
	if cfg.Server != nil {
		if cfg.Server.Port != 0 {
			serverConfig.Port = cfg.Server.Port
		}
		serverConfig.EnableCORS = cfg.Server.EnableCORS
	}
	if servePort != 0 {
		serverConfig.Port = servePort
	}

	srv := server.New(serverConfig, a)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
	case err := <-errCh:
		return err
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	return srv.Shutdown(shutdownCtx)
}
