package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/andresmejia3/realitycheck/internal/store"
	"github.com/andresmejia3/realitycheck/internal/utils"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	historyLimit int
	historyID    string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past analyses, or show one analysis unit by unit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := requireDB(); err != nil {
			return err
		}
		if historyID != "" {
			return runShow(cmd.Context(), historyID)
		}
		return runHistory(cmd.Context(), historyLimit)
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "l", 20, "Number of analyses to list")
	historyCmd.Flags().StringVar(&historyID, "id", "", "Show the scored units of one analysis")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(ctx context.Context, limit int) error {
	list, err := DB.ListAnalyses(ctx, limit)
	if err != nil {
		utils.ShowError("Failed to list analyses", err, nil)
		return err
	}

	if len(list) == 0 {
		fmt.Println("No analyses found in database.")
		return nil
	}
	printHistory(os.Stdout, list)
	return nil
}

func printHistory(out io.Writer, list []store.Analysis) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tVIDEO\tUNITS\tFAKE RATIO\tAVG\tVERDICT\tCREATED")
	fmt.Fprintln(w, "--\t-----\t-----\t----------\t---\t-------\t-------")

	for _, a := range list {
		verdict := a.Report.Verdict
		if verdict == "" {
			verdict = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%.2f\t%.4f\t%s\t%s\n",
			a.ID, filepath.Base(a.VideoPath), a.Report.Count, a.Report.FakeRatio,
			a.Report.AverageConfidence, verdict, a.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}

func runShow(ctx context.Context, raw string) error {
	id, err := uuid.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid analysis id %q: %w", raw, err)
	}
	a, err := DB.GetAnalysis(ctx, id)
	if err != nil {
		utils.ShowError("Failed to load analysis", err, nil)
		return err
	}

	fmt.Printf("%s (%s, %s)\n", a.VideoPath, a.Source, a.Strategy)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "#\tKIND\tFRAME\tTIME\tBOX\tSCORE")
	fmt.Fprintln(w, "-\t----\t-----\t----\t---\t-----")
	for i, u := range a.Units {
		box := "-"
		if u.Box != nil {
			box = fmt.Sprintf("[%d,%d]-[%d,%d]", u.Box.X1, u.Box.Y1, u.Box.X2, u.Box.Y2)
		}
		mark := ""
		if i == a.Report.MaxIndex {
			mark = " ⬅"
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%.4f%s\n", i, u.Kind, u.FrameIndex, fmtTime(u.Seconds), box, u.Score, mark)
	}
	w.Flush()
	return nil
}

func fmtTime(seconds float64) string {
	m := int(seconds) / 60
	s := int(seconds) % 60
	return fmt.Sprintf("%02d:%02d", m, s)
}
