package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// jobsCmd represents the jobs command
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and run the periodic jobs",
	Long: `Lists or runs the jobs the serve command schedules.

Registered jobs:
- expiry_sweep: closes open orders past their expiry and refunds them
- leadership_rescan: re-elects the leader of every active community
- ledger_reconcile: compares holding counters with the ledger

A manual run takes the same lease as the scheduled one, so it is skipped
while another instance is running the job.

Example:
  go run ./cmd/sharemarket jobs list
  go run ./cmd/sharemarket jobs run expiry_sweep`,
}

var (
	jobsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List registered jobs and their schedules",
		RunE:  listJobs,
	}

	jobsRunCmd = &cobra.Command{
		Use:   "run [job_name]",
		Short: "Run a job now and wait for it",
		Args:  cobra.ExactArgs(1),
		RunE:  runJob,
	}
)

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsRunCmd)
}

func listJobs(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := a.scheduler()
	if err != nil {
		return err
	}

	stats := sched.GetJobStats()
	rows := make([][]string, 0, len(stats))
	for _, name := range sched.GetAllJobs() {
		rows = append(rows, []string{name, stats[name].Schedule})
	}
	PrintTable("registered jobs", []string{"job", "schedule"}, rows)
	return nil
}

func runJob(cmd *cobra.Command, args []string) error {
	jobName := args[0]
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := a.scheduler()
	if err != nil {
		return err
	}

	fmt.Printf("Running job: %s\n", jobName)
	result, err := sched.RunNow(ctx, jobName)
	if err != nil {
		return fmt.Errorf("run job: %w", err)
	}

	switch {
	case result.Skipped:
		PrintWarning("Another instance holds the job lease, skipped")
	case result.Success:
		PrintSuccess(fmt.Sprintf("%s completed in %s", jobName, result.Duration))
	default:
		PrintError(fmt.Sprintf("%s failed: %s", jobName, result.Error))
		return fmt.Errorf("job %s failed", jobName)
	}
	return nil
}
