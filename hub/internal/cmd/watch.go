package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/inkwell-labs/inkwell/hub/internal/config"
	"github.com/inkwell-labs/inkwell/hub/internal/tui"
	"github.com/inkwell-labs/inkwell/hub/internal/watch"
	"github.com/inkwell-labs/inkwell/pkg/protocol"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a live room: roster, strokes and events",
		Long: "Join a room as an observer and show its participants and events. " +
			"A terminal gets a full-screen view; piped output gets one line per event. " +
			"Without --token, a token is minted from the config's hmac secret.",
		RunE: runWatch,
	}
	cmd.Flags().String("url", "ws://localhost:8080/ws", "hub WebSocket URL")
	cmd.Flags().String("room", "", "room id to watch")
	cmd.Flags().String("token", "", "client token (default: $INKWELL_TOKEN, then minted from config)")
	cmd.Flags().String("subject", "inkwell-watch", "subject for a minted token")
	cmd.Flags().String("name", "watcher", "display name shown to other participants")
	cmd.Flags().Bool("insecure", false, "skip TLS certificate verification")
	cmd.Flags().Bool("plain", false, "line output even on a terminal")
	_ = cmd.MarkFlagRequired("room")
	return cmd
}

func runWatch(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	url, _ := flags.GetString("url")
	roomID, _ := flags.GetString("room")
	token, _ := flags.GetString("token")
	subject, _ := flags.GetString("subject")
	name, _ := flags.GetString("name")
	insecure, _ := flags.GetBool("insecure")
	plain, _ := flags.GetBool("plain")

	if token == "" {
		token = os.Getenv("INKWELL_TOKEN")
	}
	if token == "" {
		cfg, err := config.Load(resolveConfigPath(cmd, nil, defaultConfigPath))
		if err != nil {
			return fmt.Errorf("no --token given and config unavailable: %w", err)
		}
		if token, err = issueToken(cfg.Auth, subject, name, time.Hour); err != nil {
			return err
		}
	}

	opts := watch.Options{
		URL:                url,
		Token:              token,
		RoomID:             roomID,
		DisplayName:        name,
		InsecureSkipVerify: insecure,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	if !plain && term.IsTerminal(int(os.Stdout.Fd())) {
		// The screen owns stdout; client logs would tear it.
		err = tui.Run(ctx, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	} else {
		err = watchLines(ctx, opts, cmd.OutOrStdout(), slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil)))
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// watchLines prints one timestamped line per room event.
func watchLines(ctx context.Context, opts watch.Options, out io.Writer, logger *slog.Logger) error {
	room := watch.NewRoom(opts.RoomID)
	client := watch.NewClient(opts, func(env protocol.Envelope) {
		if line := room.Apply(env); line != "" {
			_, _ = fmt.Fprintf(out, "%s  %s\n", time.Now().Format("15:04:05"), line)
		}
	}, func(s watch.Status) {
		logger.Info("watch status", "status", s.String(), "room_id", opts.RoomID)
	}, logger)
	return client.Run(ctx)
}
