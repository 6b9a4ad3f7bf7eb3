package cmd

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List your recorded answers and their scores",
	RunE: func(cmd *cobra.Command, args []string) error {
		history, err := newClient().AnswerHistory(cmd.Context())
		if err != nil {
			return err
		}
		if len(history) == 0 {
			fmt.Println("No answers recorded yet")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tDATE\tCLARITY\tSTRUCTURE\tCONFIDENCE\tQUESTION")
		for _, a := range history {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
				a.AnswerID, a.CreatedAt,
				formatScore(a.ClarityScore), formatScore(a.StructureScore), formatScore(a.ConfidenceScore),
				truncate(a.QuestionText, 60))
		}
		return w.Flush()
	},
}

var answerCmd = &cobra.Command{
	Use:   "answer [answer-id]",
	Short: "Show the evaluation of one answer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("answer id must be a number: %s", args[0])
		}
		a, err := newClient().Answer(cmd.Context(), id)
		if err != nil {
			return err
		}

		fmt.Printf("Question: %s\n", a.QuestionText)
		fmt.Printf("Recorded: %s\n", a.CreatedAt)
		if !a.Processed() {
			fmt.Println("\nThis answer is still being processed.")
			return nil
		}
		fmt.Printf("\nClarity: %s  Structure: %s  Confidence: %s\n",
			formatScore(a.ClarityScore), formatScore(a.StructureScore), formatScore(a.ConfidenceScore))
		if a.Summary != "" {
			fmt.Printf("\n=== SUMMARY ===\n%s\n", a.Summary)
		}
		if a.Feedback != "" {
			fmt.Printf("\n=== FEEDBACK ===\n%s\n", a.Feedback)
		}
		if a.TranscriptText != "" {
			fmt.Printf("\n=== TRANSCRIPT ===\n%s\n", a.TranscriptText)
		}
		return nil
	},
}

// formatScore prints a score, or "-" before the answer is scored
func formatScore(score *float64) string {
	if score == nil {
		return "-"
	}
	return strconv.FormatFloat(*score, 'f', 1, 64)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
