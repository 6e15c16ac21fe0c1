package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/voxcore/voxcore/internal/router"
	"github.com/voxcore/voxcore/internal/scrub"
	"github.com/voxcore/voxcore/internal/validate"
)

func init() {
	cmd := &cobra.Command{
		Use:   "route [text...]",
		Short: "Classify an utterance against the rule table",
		Long:  "Scrub, validate, and classify a line of text the way the round pipeline would, and print the resulting decision.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runRoute,
	}
	RootCmd.AddCommand(cmd)
}

func runRoute(cmd *cobra.Command, args []string) {
	text := strings.Join(args, " ")

	scrubbed, refs := scrub.Scrub(text)
	results := validate.Run(scrubbed)
	decision := router.Classify(scrubbed)

	out := map[string]any{
		"scrubbed":   scrubbed,
		"validators": results,
		"decision":   decision,
	}
	if len(refs) > 0 {
		out["secret_refs"] = len(refs)
	}
	b, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(b))
}
