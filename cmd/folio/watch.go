package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/manpreetbhatti/folio/internal/peer"
	"github.com/manpreetbhatti/folio/internal/reconcile"
	"github.com/manpreetbhatti/folio/internal/relay"
)

type watchFlags struct {
	page        int
	url         string
	user        string
	name        string
	redisAddr   string
	redisPrefix string
}

// watchCmd follows one document's room and prints every event, either as a
// joined participant over the socket or as a passive Redis subscriber.
func watchCmd() *cobra.Command {
	var flags watchFlags

	cmd := &cobra.Command{
		Use:   "watch <document-id>",
		Short: "Print a document's live events",
		Long: `Print a document's live events.

By default watch joins the document over the socket like any viewer, so it
appears in everyone's presence list under --user and --name. After each
event it prints the comment and viewer counts, and with --page the comments
on that page.

With --redis it reads the server's event relay instead and stays invisible
to viewers.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			if flags.redisAddr != "" {
				return followRelay(ctx, out, flags, args[0])
			}
			return followSocket(ctx, out, flags, args[0])
		},
	}

	cmd.Flags().StringVar(&flags.url, "url", "ws://localhost:8080/ws", "server socket URL")
	cmd.Flags().StringVar(&flags.user, "user", "watcher", "participant id to join as")
	cmd.Flags().StringVar(&flags.name, "name", "", "display name to join with")
	cmd.Flags().StringVar(&flags.redisAddr, "redis", "", "read from the Redis relay instead of joining")
	cmd.Flags().StringVar(&flags.redisPrefix, "redis-prefix", "folio:room:", "relay channel prefix")
	cmd.Flags().IntVar(&flags.page, "page", 0, "also list the comments on this page")

	return cmd
}

func followSocket(ctx context.Context, out io.Writer, flags watchFlags, documentID string) error {
	p, err := peer.Dial(ctx, flags.url)
	if err != nil {
		return err
	}
	defer p.Close()

	if err := p.Join(flags.user, documentID, flags.name, ""); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-p.Events():
			if !ok {
				<-p.Done()
				if err := p.Err(); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			}
			fmt.Fprintf(out, "%-16s seq=%-4d %s\n", env.Event, env.Seq, compact(env.Data))
			summarize(out, p.State(), flags.page)
		}
	}
}

func followRelay(ctx context.Context, out io.Writer, flags watchFlags, documentID string) error {
	rdb, err := relay.Connect(ctx, flags.redisAddr)
	if err != nil {
		return err
	}
	defer rdb.Close()

	return relay.Follow(ctx, rdb, flags.redisPrefix, documentID, func(ev relay.Event) {
		fmt.Fprintf(out, "%-16s seq=%-4d %s\n", ev.Event, ev.Seq, compact(ev.Data))
	})
}

// summarize prints the watcher's converged view of the room.
func summarize(out io.Writer, state *reconcile.Reconciler, page int) {
	fmt.Fprintf(out, "  %s: %d comments, %d viewers\n",
		state.DocumentID(), len(state.Annotations()), len(state.Participants()))
	if page < 1 {
		return
	}
	for _, a := range state.OnPage(page) {
		fmt.Fprintf(out, "  p%d %s: %s\n", a.PageNumber, a.AuthorName, a.Body)
	}
}

func compact(data json.RawMessage) string {
	if len(data) == 0 {
		return "{}"
	}
	return string(data)
}
