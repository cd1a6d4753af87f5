package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/kilupskalvis/collab/internal/config"
	"github.com/kilupskalvis/collab/internal/store"
	"github.com/spf13/cobra"
)

var snapshotForce bool

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspect stored document snapshots",
	Long: `Inspect and remove document snapshots directly in the configured store.

These commands open the store named by the config file. With the bbolt
driver the server must not be running, since the database file is locked
by the server process.`,
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored snapshots",
	Run:   runSnapshotList,
}

var snapshotShowCmd = &cobra.Command{
	Use:   "show <document>",
	Short: "Print a snapshot's content",
	Args:  cobra.ExactArgs(1),
	Run:   runSnapshotShow,
}

var snapshotDeleteCmd = &cobra.Command{
	Use:   "delete <document>",
	Short: "Delete a snapshot",
	Args:  cobra.ExactArgs(1),
	Run:   runSnapshotDelete,
}

func init() {
	snapshotCmd.AddCommand(snapshotListCmd, snapshotShowCmd, snapshotDeleteCmd)
	snapshotDeleteCmd.Flags().BoolVarP(&snapshotForce, "force", "f", false, "Do not fail when the snapshot is missing")
}

// openStore opens the snapshot store described by cfg.
func openStore(ctx context.Context, cfg *config.Config) store.SnapshotStore {
	s, err := store.Open(ctx, store.Options{
		Driver: cfg.Store.Driver,
		Path:   cfg.StorePath(),
		DSN:    cfg.Store.DSN,
	})
	if err != nil {
		exitError("failed to open store: %v", err)
	}
	return s
}

func runSnapshotList(_ *cobra.Command, _ []string) {
	ctx := context.Background()
	s := openStore(ctx, loadConfig())
	defer s.Close()

	snaps, err := s.List(ctx)
	if err != nil {
		exitError("%v", err)
	}
	if len(snaps) == 0 {
		fmt.Println("No snapshots.")
		return
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].UpdatedAt.After(snaps[j].UpdatedAt)
	})

	yellow := color.New(color.FgYellow)
	for _, snap := range snaps {
		yellow.Printf("%-32s", snap.DocumentID)
		fmt.Printf("  v%-8d  %s\n", snap.Version, snap.UpdatedAt.Local().Format(time.DateTime))
	}
}

func runSnapshotShow(_ *cobra.Command, args []string) {
	ctx := context.Background()
	s := openStore(ctx, loadConfig())
	defer s.Close()

	snap, err := s.Load(ctx, args[0])
	if errors.Is(err, store.ErrNotFound) {
		exitError("no snapshot for document '%s'", args[0])
	}
	if err != nil {
		exitError("%v", err)
	}

	fmt.Fprintf(os.Stderr, "document %s, version %d, saved %s\n",
		snap.DocumentID, snap.Version, snap.UpdatedAt.Local().Format(time.DateTime))
	fmt.Print(snap.Content)
	if snap.Content != "" && snap.Content[len(snap.Content)-1] != '\n' {
		fmt.Println()
	}
}

func runSnapshotDelete(_ *cobra.Command, args []string) {
	ctx := context.Background()
	s := openStore(ctx, loadConfig())
	defer s.Close()

	if !snapshotForce {
		if _, err := s.Load(ctx, args[0]); err != nil {
			exitError("%v", err)
		}
	}
	if err := s.Delete(ctx, args[0]); err != nil {
		exitError("%v", err)
	}
	fmt.Printf("Deleted snapshot '%s'\n", args[0])
}
