package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hrygo/chatsync/internal/profile"
	"github.com/hrygo/chatsync/server"
	"github.com/hrygo/chatsync/store"
	"github.com/hrygo/chatsync/store/db"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the conversation server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		instanceProfile := profileFromViper()
		if err := instanceProfile.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		dbDriver, err := db.NewDBDriver(instanceProfile)
		if err != nil {
			return errors.Wrap(err, "failed to create db driver")
		}
		storeInstance := store.New(dbDriver, instanceProfile)
		if err := storeInstance.Migrate(ctx); err != nil {
			storeInstance.Close()
			return errors.Wrap(err, "failed to migrate")
		}

		s, err := server.NewServer(ctx, instanceProfile, storeInstance)
		if err != nil {
			storeInstance.Close()
			return errors.Wrap(err, "failed to create server")
		}

		printGreetings(instanceProfile)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if err := s.Start(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			s.Shutdown(context.Background())
			return nil
		})
		if err := g.Wait(); err != nil {
			slog.Error("server exited", "error", err)
			return err
		}
		return nil
	},
}

func printGreetings(p *profile.Profile) {
	fmt.Printf("chatsync %s started in %s mode\n", p.Version, p.Mode)
	fmt.Printf("Driver: %s\nData directory: %s\n", p.Driver, p.Data)
	if p.Addr == "" {
		fmt.Printf("Listening on port %d\n", p.Port)
	} else {
		fmt.Printf("Listening on %s:%d\n", p.Addr, p.Port)
	}
}
