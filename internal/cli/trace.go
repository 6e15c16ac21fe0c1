package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	traceCmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect and export the event trace",
	}

	showCmd := &cobra.Command{
		Use:   "show [round-id]",
		Short: "Show a round header and its events",
		Args:  cobra.ExactArgs(1),
		Run:   runTraceShow,
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List round headers in creation order",
		Run:   runTraceList,
	}
	listCmd.Flags().StringP("conversation", "c", "", "Filter by conversation id")
	listCmd.Flags().IntP("limit", "l", 50, "Max rounds to list")

	exportCmd := &cobra.Command{
		Use:   "export [path]",
		Short: "Export the full trace as grouped JSONL",
		Long:  "Write every round as one line tagged \"round\" followed by its events tagged \"event\", in replayable order.",
		Args:  cobra.ExactArgs(1),
		Run:   runTraceExport,
	}

	traceCmd.AddCommand(showCmd, listCmd, exportCmd)
	RootCmd.AddCommand(traceCmd)
}

func runTraceShow(cmd *cobra.Command, args []string) {
	s, err := openTrace()
	if err != nil {
		exitErr("open trace store", err)
	}
	defer s.Close()

	round, err := s.FetchRound(cmd.Context(), args[0])
	if err != nil {
		exitErr("fetch round", err)
	}
	if round == nil {
		exitErr("fetch round", fmt.Errorf("round not found: %s", args[0]))
	}
	events, err := s.FetchEvents(cmd.Context(), args[0])
	if err != nil {
		exitErr("fetch events", err)
	}

	b, _ := json.MarshalIndent(map[string]any{"round": round, "events": events}, "", "  ")
	fmt.Println(string(b))
}

func runTraceList(cmd *cobra.Command, args []string) {
	conversation, _ := cmd.Flags().GetString("conversation")
	limit, _ := cmd.Flags().GetInt("limit")

	s, err := openTrace()
	if err != nil {
		exitErr("open trace store", err)
	}
	defer s.Close()

	rounds, err := s.ListRounds(cmd.Context(), conversation, limit)
	if err != nil {
		exitErr("list rounds", err)
	}
	b, _ := json.MarshalIndent(rounds, "", "  ")
	fmt.Println(string(b))
}

func runTraceExport(cmd *cobra.Command, args []string) {
	s, err := openTrace()
	if err != nil {
		exitErr("open trace store", err)
	}
	defer s.Close()

	if err := s.ExportAll(cmd.Context(), args[0]); err != nil {
		exitErr("export", err)
	}
	fmt.Printf("exported to %s\n", args[0])
}
