package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lightforgemedia/go-bidsocket/pkg/shared_types"
)

func newSendCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <bid-id> [message...]",
		Short: "Send a chat message or counter offer to a bid room",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg := shared_types.NegotiationMessage{
				BidID:   args[0],
				Message: strings.Join(args[1:], " "),
			}
			if cmd.Flags().Changed("rate") {
				rate, _ := cmd.Flags().GetFloat64("rate")
				msg.Rate = &rate
			}
			msg.LoadID, _ = cmd.Flags().GetString("load")
			msg.ShipperID, _ = cmd.Flags().GetString("to-shipper")
			msg.EmpID, _ = cmd.Flags().GetString("to-employee")
			if msg.Message == "" && msg.Rate == nil {
				return fmt.Errorf("nothing to send: give a message or --rate")
			}
			return a.send(cmd.Context(), msg)
		},
	}
	cmd.Flags().Float64("rate", 0, "offered rate")
	cmd.Flags().String("load", "", "load id")
	cmd.Flags().String("to-shipper", "", "also deliver to this shipper")
	cmd.Flags().String("to-employee", "", "also deliver to this employee")
	return cmd
}

func (a *app) send(ctx context.Context, msg shared_types.NegotiationMessage) error {
	if ctx == nil {
		ctx = context.Background()
	}
	svc, err := a.newService()
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.Init(ctx); err != nil {
		return err
	}
	wait := a.cfg.Client.DialTimeout * time.Duration(a.cfg.Client.ReconnectAttempts)
	if wait <= 0 {
		wait = 30 * time.Second
	}
	if err := waitConnected(ctx, svc.IsConnected, wait); err != nil {
		return err
	}
	if err := svc.SendMessage(ctx, msg); err != nil {
		return err
	}
	a.logger.Info("Sent", "bid", msg.BidID, "transport", svc.Manager().Transport())
	// Give the write pump a moment to flush before the connection closes.
	time.Sleep(100 * time.Millisecond)
	return nil
}

func waitConnected(ctx context.Context, connected func() bool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for !connected() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("not connected within %v", timeout)
		case <-ticker.C:
		}
	}
	return nil
}
