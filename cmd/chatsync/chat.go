package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hrygo/chatsync/internal/version"
	"github.com/hrygo/chatsync/plugin/chat"
	"github.com/hrygo/chatsync/plugin/chat/httpgateway"
	"github.com/hrygo/chatsync/plugin/llm"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat in the terminal, keeping every conversation saved on the server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		p := profileFromViper()
		if err := p.ValidateClient(); err != nil {
			return err
		}
		if !p.IsLLMEnabled() {
			return errors.New("no LLM configured, set --llm-api-key or CHATSYNC_LLM_API_KEY")
		}
		generator, err := llm.NewLLMService(llm.NewConfigFromProfile(p))
		if err != nil {
			return errors.Wrap(err, "failed to create LLM service")
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		client := httpgateway.New(p.ServerURL, p.Token)
		checkServerVersion(ctx, client, p.Version)

		logger := slog.Default()
		bus := chat.NewEventBus(logger)
		defer bus.Close()

		notices := make(chan chat.Notice, 16)
		list := chat.NewListCache(client, chat.ListCacheOptions{
			Interval: p.ListInterval,
			Timeout:  p.SaveTimeout,
			Logger:   logger,
		})
		session := chat.NewSession(generator, p.LLMModel, chat.WithSessionLogger(logger))
		ctrl := chat.NewController(client, session, chat.ControllerOptions{
			RefreshInterval: p.RefreshInterval,
			SaveTimeout:     p.SaveTimeout,
			Logger:          logger,
			Bus:             bus,
			OnNotice: func(n chat.Notice) {
				select {
				case notices <- n:
				default:
				}
			},
		})

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return list.Run(gctx, bus)
		})

		interrupts := make(chan os.Signal, 1)
		signal.Notify(interrupts, os.Interrupt)
		defer signal.Stop(interrupts)

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "connected to %s, type /help for commands\n", p.ServerURL)
		newREPL(ctrl, list, notices, out).run(ctx, readLines(cmd.InOrStdin()), interrupts)

		ctrl.Flush()
		ctrl.Close()
		cancel()
		return g.Wait()
	},
}

// readLines streams input lines until EOF. The reader goroutine ends with the input.
func readLines(in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

func checkServerVersion(ctx context.Context, client *httpgateway.Client, clientVersion string) {
	serverVersion, err := client.ServerVersion(ctx)
	if err != nil {
		slog.Warn("server health check failed", "error", err)
		return
	}
	if !version.IsCompatible(serverVersion, clientVersion) {
		slog.Warn("server version differs from client", "server", serverVersion, "client", clientVersion)
	}
}
