package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/forkernet/forker/internal/config"
	"github.com/forkernet/forker/internal/domain"
	"github.com/forkernet/forker/internal/store"
)

func newJobsCmd(configPath *string) *cobra.Command {
	var stateFlag string
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List replication jobs from the durable store",
		RunE: func(_ *cobra.Command, _ []string) error {
			return listJobs(*configPath, domain.JobState(stateFlag))
		},
	}
	cmd.Flags().StringVar(&stateFlag, "state", "", "Filter by job state (Discovered, Queued, InProgress, Partial, Verified, Failed, Quarantined); empty lists all states")
	return cmd
}

func listJobs(configPath string, state domain.JobState) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Database.ConnectionString)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	states := []domain.JobState{state}
	if state == "" {
		states = []domain.JobState{
			domain.JobDiscovered, domain.JobQueued, domain.JobInProgress,
			domain.JobPartial, domain.JobVerified, domain.JobFailed, domain.JobQuarantined,
		}
	}

	var printed int
	for _, s := range states {
		jobs, err := st.ListByState(s)
		if err != nil {
			return fmt.Errorf("list jobs in state %s: %w", s, err)
		}
		for _, j := range jobs {
			fmt.Printf("%s  %-11s %10s  %s  hash=%s\n",
				j.ID, j.State, humanize.Bytes(uint64(j.InitialSize)), j.SourcePath, shortHash(j.SourceHash))
			printed++
		}
	}
	if printed == 0 {
		fmt.Println("No jobs.")
	}
	return nil
}

func shortHash(h string) string {
	if h == "" {
		return "-"
	}
	if len(h) <= 12 {
		return h
	}
	return h[:12]
}
