package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/voxcore/voxcore/internal/jobs"
)

func init() {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage the research job queue",
	}

	createCmd := &cobra.Command{
		Use:   "create [topic] [query...]",
		Short: "Enqueue a research job",
		Args:  cobra.MinimumNArgs(2),
		Run:   runJobsCreate,
	}
	createCmd.Flags().StringP("conversation", "c", "", "Originating conversation id")

	statusCmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		Run:   runJobsStatus,
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Run:   runJobsList,
	}

	jobsCmd.AddCommand(createCmd, statusCmd, listCmd)
	RootCmd.AddCommand(jobsCmd)
}

func runJobsCreate(cmd *cobra.Command, args []string) {
	conversation, _ := cmd.Flags().GetString("conversation")

	q, err := openJobs()
	if err != nil {
		exitErr("open job queue", err)
	}
	defer q.Close()

	job, err := q.Create(cmd.Context(), args[0], strings.Join(args[1:], " "), "", jobs.CreateParams{
		ConversationID: conversation,
	})
	if err != nil {
		exitErr("create job", err)
	}
	b, _ := json.MarshalIndent(job, "", "  ")
	fmt.Println(string(b))
}

func runJobsStatus(cmd *cobra.Command, args []string) {
	q, err := openJobs()
	if err != nil {
		exitErr("open job queue", err)
	}
	defer q.Close()

	job, err := q.Get(cmd.Context(), args[0])
	if err != nil {
		exitErr("get job", err)
	}
	if job == nil {
		exitErr("get job", fmt.Errorf("job not found: %s", args[0]))
	}
	b, _ := json.MarshalIndent(job, "", "  ")
	fmt.Println(string(b))
}

func runJobsList(cmd *cobra.Command, args []string) {
	q, err := openJobs()
	if err != nil {
		exitErr("open job queue", err)
	}
	defer q.Close()

	jobList, err := q.List(cmd.Context())
	if err != nil {
		exitErr("list jobs", err)
	}
	b, _ := json.MarshalIndent(jobList, "", "  ")
	fmt.Println(string(b))
}
