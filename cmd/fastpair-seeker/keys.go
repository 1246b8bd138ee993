package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kidfromjupiter/nearby/internal/device"
	"github.com/kidfromjupiter/nearby/internal/keystore"
)

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage stored account keys",
	}
	cmd.AddCommand(keysListCmd())
	cmd.AddCommand(keysRemoveCmd())
	return cmd
}

func keysListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List paired devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			store, err := openStore(cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("listing account keys: %w", err)
			}
			printRecords(os.Stdout, records)
			return nil
		},
	}
}

func printRecords(w io.Writer, records []keystore.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No paired devices.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tPERSISTENT ID\tUPDATED")
	for _, r := range records {
		pid := r.Identity.PersistentID
		if pid == "" {
			pid = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Identity.Address, pid, r.UpdatedAt.Local().Format(time.DateTime))
	}
	_ = tw.Flush()
}

func keysRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <address|persistent-id>",
		Short: "Forget a paired device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			store, err := openStore(cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close()

			id := parseIdentity(args[0])
			removed, err := removeKey(cmd.Context(), store, id)
			if err != nil {
				return err
			}
			if !removed {
				fmt.Printf("No account key stored for %s\n", args[0])
				return nil
			}
			fmt.Printf("Removed %s\n", args[0])
			return nil
		},
	}
}

// parseIdentity treats anything shaped like a BLE address (six colon
// separated octets) as an address and everything else as a persistent id.
func parseIdentity(s string) device.Identity {
	s = strings.TrimSpace(s)
	if strings.Count(s, ":") == 5 {
		return device.FromAddress(s)
	}
	return device.Identity{PersistentID: strings.ToUpper(s)}
}

// removeKey deletes the key for id, reporting whether one existed.
func removeKey(ctx context.Context, store keystore.Store, id device.Identity) (bool, error) {
	if _, err := store.Get(ctx, id); err != nil {
		if errors.Is(err, keystore.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := store.Remove(ctx, id); err != nil {
		return false, fmt.Errorf("removing account key: %w", err)
	}
	return true, nil
}
