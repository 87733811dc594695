package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/coltonfrstt/koltbot-control-plane/internal/client"
	"github.com/coltonfrstt/koltbot-control-plane/internal/config"
	"github.com/coltonfrstt/koltbot-control-plane/internal/logx"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "koltbot",
		Short:         "Streaming chat client for the koltbot control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newChatCmd())
	root.AddCommand(newToolsCmd())
	return root
}

func newChatCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open an interactive chat session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClientFromEnv()
			if err != nil {
				return err
			}
			if server != "" {
				cfg.ServerURL = server
			}
			return runChat(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "server base URL (overrides KOLTBOT_SERVER_URL)")
	return cmd
}

func newToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List configured tool endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClientFromEnv()
			if err != nil {
				return err
			}
			for name, url := range cfg.Endpoints() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", name, url)
			}
			return nil
		},
	}
}

func runChat(parent context.Context, cfg config.ClientConfig, in io.Reader, out, errOut io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := logx.New(logx.Config{Service: "koltbot", Level: cfg.LogLevel, Format: "text", Output: errOut})

	var transport *client.Transport
	engine := client.NewEngine(client.Options{
		Debounce:      cfg.Debounce,
		AckTimeout:    cfg.AckTimeout,
		ToolTimeout:   cfg.ToolTimeout,
		HistoryWindow: cfg.HistoryWindow,
		Tools:         client.NewHTTPExecutor(cfg.Endpoints(), cfg.ToolTimeout),
		View:          newTerminalView(out),
		OnSessionLost: func() { transport.ResetCredential() },
		Logger:        logger,
	})
	transport = client.NewTransport(client.TransportOptions{
		ServerURL:    cfg.ServerURL,
		ReconnectMin: cfg.ReconnectMin,
		ReconnectMax: cfg.ReconnectMax,
		Logger:       logger,
	}, engine)

	go func() { _ = engine.Run(ctx) }()
	go func() { _ = transport.Run(ctx) }()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch strings.TrimSpace(line) {
			case "":
				continue
			case "/quit", "/exit":
				return nil
			}
			engine.Submit(line)
		}
	}
}
