package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"archcanvas/llmservice/internal/app"
	"archcanvas/llmservice/internal/config"
	"archcanvas/llmservice/internal/log"
	"archcanvas/llmservice/internal/server"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "llmservice",
		Short:        "LLM and embedding access layer",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("LLM_CONFIG_FILE"), "YAML config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newEmbedCmd(&configPath),
		newLLMInfoCmd(&configPath),
		newClearCachesCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadApp(ctx context.Context, configPath string) (*app.App, error) {
	cfg, err := config.LoadConfigFrom(configPath)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newServeCmd(configPath *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := loadApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := a.Close(shutdownCtx); err != nil {
					log.WarnLogger.Printf("Shutdown: %v", err)
				}
			}()

			if *configPath != "" {
				if err := a.Watch(ctx, *configPath); err != nil {
					log.WarnLogger.Printf("Config hot reload disabled: %v", err)
				}
			}
			a.Embeddings().InitializeProjectors(ctx)

			if addr == "" {
				addr = a.Config().ListenAddr
			}
			gin.SetMode(gin.ReleaseMode)
			srv := &http.Server{Addr: addr, Handler: server.NewRouter(a)}

			errc := make(chan error, 1)
			go func() {
				log.InfoLogger.Printf("🚀 Starting server on %s", addr)
				errc <- srv.ListenAndServe()
			}()

			select {
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("could not start server: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			log.InfoLogger.Println("Shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

func newEmbedCmd(configPath *string) *cobra.Command {
	var full bool

	cmd := &cobra.Command{
		Use:   "embed [text...]",
		Short: "Embed text with the configured backends",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.Background()) }()

			vecs, ok := a.Embeddings().EmbedDocuments(cmd.Context(), args)
			if !ok {
				return errors.New("embeddings are unavailable, see the log for backend errors")
			}
			for i, vec := range vecs {
				shown := vec
				if !full && len(shown) > 8 {
					shown = shown[:8]
				}
				fmt.Printf("%q (%dd): %v\n", args[i], len(vec), shown)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "print every component")
	return cmd
}

func newLLMInfoCmd(configPath *string) *cobra.Command {
	var connect bool

	cmd := &cobra.Command{
		Use:   "llm-info",
		Short: "Show LLM provider, cache and token state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.Background()) }()

			if connect {
				if _, err := a.LLM(cmd.Context(), false); err != nil {
					return err
				}
			}
			return printJSON(a.Factory().Info())
		},
	}
	cmd.Flags().BoolVar(&connect, "connect", false, "build a client first, fetching a token when needed")
	return cmd
}

func newClearCachesCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "clear-caches",
		Short: "Clear the caches of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := strings.TrimRight(addr, "/") + "/cache/clear"
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("failed to reach server: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned status %d", resp.StatusCode)
			}
			fmt.Println("Caches cleared")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8090", "server base URL")
	return cmd
}
