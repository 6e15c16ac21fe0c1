package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	memoryCmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and manage context memory buckets",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List bucket ids",
		Run:   runMemoryList,
	}

	showCmd := &cobra.Command{
		Use:   "show [bucket-id]",
		Short: "Show a bucket's summary and recent entries",
		Args:  cobra.ExactArgs(1),
		Run:   runMemoryShow,
	}

	contextCmd := &cobra.Command{
		Use:   "context [bucket-id]",
		Short: "Show a bucket's ranked context package",
		Args:  cobra.ExactArgs(1),
		Run:   runMemoryContext,
	}

	noteCmd := &cobra.Command{
		Use:   "note [bucket-id] [text...]",
		Short: "Append a note to a bucket",
		Args:  cobra.MinimumNArgs(2),
		Run:   runMemoryNote,
	}

	clearCmd := &cobra.Command{
		Use:   "clear [bucket-id]",
		Short: "Irreversibly purge a bucket",
		Args:  cobra.ExactArgs(1),
		Run:   runMemoryClear,
	}

	memoryCmd.AddCommand(listCmd, showCmd, contextCmd, noteCmd, clearCmd)
	RootCmd.AddCommand(memoryCmd)
}

func runMemoryList(cmd *cobra.Command, args []string) {
	s, err := openMemory()
	if err != nil {
		exitErr("open memory store", err)
	}
	defer s.Close()

	bucketIDs, err := s.ListBuckets(cmd.Context())
	if err != nil {
		exitErr("list buckets", err)
	}
	b, _ := json.MarshalIndent(bucketIDs, "", "  ")
	fmt.Println(string(b))
}

func runMemoryShow(cmd *cobra.Command, args []string) {
	s, err := openMemory()
	if err != nil {
		exitErr("open memory store", err)
	}
	defer s.Close()

	details, err := s.Details(cmd.Context(), args[0])
	if err != nil {
		exitErr("show bucket", err)
	}
	if details == nil {
		exitErr("show bucket", fmt.Errorf("bucket not found: %s", args[0]))
	}
	b, _ := json.MarshalIndent(details, "", "  ")
	fmt.Println(string(b))
}

func runMemoryContext(cmd *cobra.Command, args []string) {
	s, err := openMemory()
	if err != nil {
		exitErr("open memory store", err)
	}
	defer s.Close()

	pkg, err := s.GetContextPackage(cmd.Context(), args[0])
	if err != nil {
		exitErr("get context package", err)
	}
	b, _ := json.MarshalIndent(pkg, "", "  ")
	fmt.Println(string(b))
}

func runMemoryNote(cmd *cobra.Command, args []string) {
	s, err := openMemory()
	if err != nil {
		exitErr("open memory store", err)
	}
	defer s.Close()

	if err := s.AppendNote(cmd.Context(), args[0], strings.Join(args[1:], " ")); err != nil {
		exitErr("append note", err)
	}
	fmt.Println("noted")
}

func runMemoryClear(cmd *cobra.Command, args []string) {
	s, err := openMemory()
	if err != nil {
		exitErr("open memory store", err)
	}
	defer s.Close()

	if err := s.ClearBucket(cmd.Context(), args[0]); err != nil {
		exitErr("clear bucket", err)
	}
	fmt.Printf("cleared %s\n", args[0])
}
