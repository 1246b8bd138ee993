package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kidfromjupiter/nearby/internal/ble"
	"github.com/kidfromjupiter/nearby/internal/ble/protocol"
	"github.com/kidfromjupiter/nearby/internal/keystore"
	"github.com/kidfromjupiter/nearby/internal/pairing"
)

func scanCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List nearby Fast Pair devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			if timeout <= 0 {
				timeout = cfg.Scan.Timeout
			}
			models, err := cfg.Registry()
			if err != nil {
				return err
			}
			store, err := openStore(cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, stop := interruptible(cmd.Context(), 0)
			defer stop()

			fmt.Printf("Scanning for %s...\n", timeout)
			devices, err := ble.ScanForDevices(ctx, ble.NewTinyGoAdapter(), timeout)
			if err != nil {
				return err
			}
			records, err := store.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("listing account keys: %w", err)
			}
			printDevices(os.Stdout, devices, models, records)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "scan duration (default: scan.timeout from config)")
	return cmd
}

func printDevices(w io.Writer, devices []ble.Device, models pairing.ModelRegistry, records []keystore.Record) {
	if len(devices) == 0 {
		fmt.Fprintln(w, "No devices found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tRSSI\tMODEL\tMODE\tKNOWN MODEL\tPAIRED")
	for _, d := range devices {
		_, known := models.ModelSecret(d.Advertisement.ModelID)
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
			d.Address, d.RSSI, d.Advertisement.ModelID, mode(d.Advertisement),
			yesNo(known), yesNo(pairedBefore(d.Advertisement, records)))
	}
	_ = tw.Flush()
}

func mode(adv protocol.Advertisement) string {
	if adv.PairingMode() {
		return "pairing"
	}
	return "idle"
}

// pairedBefore reports whether the advertisement's account key filter
// contains a stored key.
func pairedBefore(adv protocol.Advertisement, records []keystore.Record) bool {
	if !adv.HasAccountKeyFilter() {
		return false
	}
	for _, rec := range records {
		if protocol.MatchAccountKeyFilter(adv.AccountKeyFilter, adv.Salt, rec.Key) {
			return true
		}
	}
	return false
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// interruptible returns a context canceled on SIGINT/SIGTERM or after
// timeout when timeout is positive.
func interruptible(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	if timeout <= 0 {
		return ctx, stop
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	return tctx, func() {
		cancel()
		stop()
	}
}
