package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/forkernet/forker/internal/config"
	"github.com/forkernet/forker/internal/domain"
	"github.com/forkernet/forker/internal/quarantine"
	"github.com/forkernet/forker/internal/store"
)

func newQuarantineCmd(configPath *string) *cobra.Command {
	root := &cobra.Command{
		Use:   "quarantine",
		Short: "Inspect and manage quarantined jobs",
	}
	root.AddCommand(newQuarantineListCmd(configPath))
	root.AddCommand(newQuarantineReleaseCmd(configPath))
	root.AddCommand(newQuarantinePurgeCmd(configPath))
	return root
}

func newQuarantineListCmd(configPath *string) *cobra.Command {
	var statusFlag string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List quarantine entries",
		RunE: func(_ *cobra.Command, _ []string) error {
			return listQuarantine(*configPath, domain.QuarantineStatus(statusFlag))
		},
	}
	cmd.Flags().StringVar(&statusFlag, "status", "", "Filter by status (Active, Released, Purged); empty lists all")
	return cmd
}

func newQuarantineReleaseCmd(configPath *string) *cobra.Command {
	var reason, releasedBy string
	cmd := &cobra.Command{
		Use:   "release <entry-id>",
		Short: "Release a quarantined entry and requeue its job (RequeueFromQuarantine)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return releaseQuarantine(*configPath, args[0], reason, releasedBy)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason the operator is releasing this entry")
	cmd.Flags().StringVar(&releasedBy, "by", "", "Identity of the releasing operator")
	return cmd
}

func newQuarantinePurgeCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge <entry-id>",
		Short: "Administratively close a quarantine entry without requeuing its job",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return purgeQuarantine(*configPath, args[0])
		},
	}
	return cmd
}

// newRequeueCmd is a top-level convenience alias for `quarantine release`,
// the most commonly invoked administrative action.
func newRequeueCmd(configPath *string) *cobra.Command {
	var reason, releasedBy string
	cmd := &cobra.Command{
		Use:   "requeue <entry-id>",
		Short: "Alias for 'quarantine release'",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return releaseQuarantine(*configPath, args[0], reason, releasedBy)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason the operator is releasing this entry")
	cmd.Flags().StringVar(&releasedBy, "by", "", "Identity of the releasing operator")
	return cmd
}

func openQuarantineManager(configPath string) (*quarantine.Manager, *store.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(cfg.Database.ConnectionString)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	// No live requeuer: these commands run as a one-shot CLI process
	// separate from the daemon. Release still flips the job to Queued in
	// the store; the daemon's startup reconciliation picks it up from
	// there on its next start.
	return quarantine.New(st, nil), st, nil
}

func listQuarantine(configPath string, status domain.QuarantineStatus) error {
	mgr, st, err := openQuarantineManager(configPath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	entries, err := mgr.List(status)
	if err != nil {
		return fmt.Errorf("list quarantine entries: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("No quarantine entries.")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%s  %-9s job=%s  path=%s  reason=%q  targets=%v\n",
			e.ID, e.Status, e.JobID, e.SourcePath, e.Reason, e.AffectedTargets)
	}
	return nil
}

func releaseQuarantine(configPath, entryIDStr, reason, releasedBy string) error {
	entryID, err := uuid.Parse(entryIDStr)
	if err != nil {
		return fmt.Errorf("invalid entry id %q: %w", entryIDStr, err)
	}
	mgr, st, err := openQuarantineManager(configPath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	entry, err := mgr.Release(entryID, reason, releasedBy)
	if err != nil {
		return fmt.Errorf("release quarantine entry: %w", err)
	}
	fmt.Printf("released %s (job %s) reason=%q by=%q\n", entry.ID, entry.JobID, entry.ReleaseReason, entry.ReleasedBy)
	return nil
}

func purgeQuarantine(configPath, entryIDStr string) error {
	entryID, err := uuid.Parse(entryIDStr)
	if err != nil {
		return fmt.Errorf("invalid entry id %q: %w", entryIDStr, err)
	}
	mgr, st, err := openQuarantineManager(configPath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	entry, err := mgr.Purge(entryID)
	if err != nil {
		return fmt.Errorf("purge quarantine entry: %w", err)
	}
	fmt.Printf("purged %s (job %s)\n", entry.ID, entry.JobID)
	return nil
}
