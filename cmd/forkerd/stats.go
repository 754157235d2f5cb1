package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forkernet/forker/internal/config"
	"github.com/forkernet/forker/internal/domain"
	"github.com/forkernet/forker/internal/store"
)

func newStatsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print job and quarantine counts from the durable store",
		RunE: func(_ *cobra.Command, _ []string) error {
			return printStats(*configPath)
		},
	}
}

func printStats(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Database.ConnectionString)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	counts, err := st.CountsByState()
	if err != nil {
		return fmt.Errorf("counts by state: %w", err)
	}

	fmt.Println("Jobs:")
	for _, state := range []domain.JobState{
		domain.JobDiscovered, domain.JobQueued, domain.JobInProgress,
		domain.JobPartial, domain.JobVerified, domain.JobFailed, domain.JobQuarantined,
	} {
		fmt.Printf("  %-12s %d\n", state, counts[state])
	}

	qstats, err := st.QuarantineStats()
	if err != nil {
		return fmt.Errorf("quarantine stats: %w", err)
	}
	fmt.Println("Quarantine:")
	fmt.Printf("  %-12s %d\n", domain.QuarantineActive, qstats.Active)
	fmt.Printf("  %-12s %d\n", domain.QuarantineReleased, qstats.Released)
	fmt.Printf("  %-12s %d\n", domain.QuarantinePurged, qstats.Purged)

	return nil
}
