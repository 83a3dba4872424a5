package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lightforgemedia/go-bidsocket"
	"github.com/lightforgemedia/go-bidsocket/pkg/identity"
	"github.com/lightforgemedia/go-bidsocket/pkg/notify"
)

func newListenCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print negotiation notifications until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			bids, _ := cmd.Flags().GetStringSlice("bid")
			watch, _ := cmd.Flags().GetBool("watch-identity")
			asJSON, _ := cmd.Flags().GetBool("json")
			return a.listen(cmd.Context(), cmd.OutOrStdout(), bids, watch, asJSON)
		},
	}
	cmd.Flags().StringSlice("bid", nil, "bid room to join (repeatable)")
	cmd.Flags().Bool("watch-identity", false, "connect once an identity is saved and reconnect when it changes")
	cmd.Flags().Bool("json", false, "print one JSON object per notification")
	return cmd
}

func (a *app) listen(parent context.Context, out io.Writer, bids []string, watch, asJSON bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := a.newService()
	if err != nil {
		return err
	}
	defer svc.Close()

	var printMu sync.Mutex
	enc := json.NewEncoder(out)
	defer svc.Subscribe(func(n notify.Notification) {
		printMu.Lock()
		defer printMu.Unlock()
		if asJSON {
			_ = enc.Encode(n)
			return
		}
		fmt.Fprintf(out, "%s [%s] %s (%s): %s\n", n.ReceivedAt.Format("15:04:05"), n.BidID, n.SenderName, n.Sender, notify.Body(n))
	})()

	err = svc.Init(ctx)
	if err == nil {
		svc.JoinMultiple(bids)
	}
	switch {
	case err == nil:
		a.logger.Info("Listening", "endpoint", a.cfg.Client.Endpoint, "bids", bids)
	case errors.Is(err, identity.ErrNoIdentity) && watch:
		a.logger.Info("No identity yet, waiting for one to be saved", "paths", a.store.Paths())
	default:
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if watch {
		stopWatch, err := bidsocket.StartIdentityWatcher(gctx, svc, a.store, bidsocket.WatchOptions{
			Debounce:  a.cfg.Identity.Debounce,
			Logger:    a.logger,
			OnConnect: func() { svc.JoinMultiple(bids) },
		})
		if err != nil {
			return fmt.Errorf("watch identity: %w", err)
		}
		g.Go(func() error {
			<-gctx.Done()
			return stopWatch()
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down")
		return nil
	})
	return g.Wait()
}
