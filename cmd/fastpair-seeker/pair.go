package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kidfromjupiter/nearby/internal/ble"
	"github.com/kidfromjupiter/nearby/internal/ble/protocol"
	"github.com/kidfromjupiter/nearby/internal/device"
	"github.com/kidfromjupiter/nearby/internal/keystore"
	"github.com/kidfromjupiter/nearby/internal/pairing"
)

const defaultPairTimeout = time.Minute

func pairCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "pair [address]",
		Short: "Pair with a device, or with every pairable device when pairing.auto_pair is set",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}

			var target string
			switch {
			case len(args) == 1:
				target = device.NormalizeAddress(args[0])
				if timeout <= 0 {
					timeout = defaultPairTimeout
				}
			case !cfg.Pairing.AutoPair:
				return errors.New("no address given and pairing.auto_pair is off")
			}

			models, err := cfg.Registry()
			if err != nil {
				return err
			}
			if models.Len() == 0 {
				return errors.New("no device models configured; add them under models in the config file")
			}

			store, err := openStore(cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close()

			adapter := ble.NewTinyGoAdapter()
			if err := adapter.Enable(); err != nil {
				return err
			}
			transport := ble.NewGATTTransport(adapter)
			defer transport.Close()

			opts := []pairing.DriverOption{pairing.WithLogger(slog.Default())}
			if target != "" {
				opts = append(opts, pairing.WithFilter(func(s device.Sighting, _ protocol.Advertisement) bool {
					return device.NormalizeAddress(s.Address) == target
				}))
			}
			driver := pairing.NewDriver(cfg.DriverConfig(), transport, store, models, opts...)
			transport.SetHandler(driver)

			ctx, cancel := interruptible(cmd.Context(), timeout)
			defer cancel()

			if target != "" {
				fmt.Printf("Waiting for %s...\n", target)
			} else {
				fmt.Println("Pairing with every device in pairing mode. Ctrl+C to stop.")
			}

			result := make(chan error, 1)
			go func() { result <- driver.Run(ctx, adapter) }()

			done, err := reportEvents(os.Stdout, driver.Events(), target, cancel, store)
			if runErr := <-result; runErr != nil {
				return runErr
			}
			if err != nil {
				return err
			}
			if target != "" && !done {
				return fmt.Errorf("%s was not paired before the command stopped", target)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (default: 1m with an address, unbounded otherwise)")
	return cmd
}

// reportEvents prints driver events until the channel closes. With a
// target it calls stop once the target reaches an outcome, reporting done
// and the failure if there was one. A key the driver could not store is
// written once more before giving up.
func reportEvents(w io.Writer, events <-chan pairing.Outcome, target string, stop func(), store keystore.Store) (done bool, err error) {
	for ev := range events {
		switch ev.Kind {
		case pairing.EventPaired:
			verb := "Paired"
			if ev.Repaired {
				verb = "Re-paired"
			}
			fmt.Fprintf(w, "%s %s (attempt %d)\n", verb, ev.Identity, ev.Attempt)
		case pairing.EventRetrying:
			fmt.Fprintf(w, "Retrying %s in %s after %s (attempt %d)\n", ev.Identity, ev.RetryIn.Round(time.Millisecond), ev.Reason, ev.Attempt)
			continue
		case pairing.EventFailed:
			fmt.Fprintf(w, "Failed %s after %d attempt(s): %s\n", ev.Identity, ev.Attempt, ev.Reason)
		case pairing.EventStoreFailed:
			if putErr := store.Put(context.Background(), ev.Identity, ev.AccountKey); putErr != nil {
				fmt.Fprintf(w, "Paired %s but the account key could not be saved: %v\n", ev.Identity, putErr)
			} else {
				fmt.Fprintf(w, "Paired %s (account key saved on second try)\n", ev.Identity)
				ev.Kind = pairing.EventPaired
			}
		default:
			continue
		}

		if target == "" || done || device.NormalizeAddress(ev.Identity.Address) != target {
			continue
		}
		done = true
		switch ev.Kind {
		case pairing.EventFailed:
			err = fmt.Errorf("pairing %s failed: %w", target, ev.Err)
		case pairing.EventStoreFailed:
			err = fmt.Errorf("pairing %s: %w", target, ev.Err)
		}
		stop()
	}
	return done, err
}
