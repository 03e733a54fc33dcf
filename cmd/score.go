package cmd

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/realitycheck/internal/engine"
	"github.com/andresmejia3/realitycheck/internal/face"
	"github.com/andresmejia3/realitycheck/internal/report"
	"github.com/andresmejia3/realitycheck/internal/scoring"
	"github.com/andresmejia3/realitycheck/internal/types"
	"github.com/andresmejia3/realitycheck/internal/utils"
	"github.com/spf13/cobra"
)

var (
	scoreFaces     bool
	scoreThreshold float64
)

var scoreCmd = &cobra.Command{
	Use:   "score <image_path>",
	Short: "Score a single image (or each face in it) for synthetic content",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runScore(cmd.Context(), args[0], scoreFaces, scoreThreshold)
	},
}

func init() {
	scoreCmd.Flags().BoolVarP(&scoreFaces, "faces", "f", false, "Detect faces and score each crop instead of the whole image")
	scoreCmd.Flags().Float64VarP(&scoreThreshold, "threshold", "t", report.DefaultThreshold, "Score above which an image counts as fake")
	rootCmd.AddCommand(scoreCmd)
}

func runScore(ctx context.Context, imagePath string, faces bool, threshold float64) error {
	if _, err := os.Stat(imagePath); os.IsNotExist(err) {
		utils.ShowError("Input file does not exist", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	eng, err := engine.Default()
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return err
	}
	scorer := scoring.NewScorer(eng)

	if !faces {
		score, err := scorer.Score(ctx, imagePath)
		if err != nil {
			utils.ShowError("AI processing failed", err, nil)
			return err
		}
		fmt.Printf("%s %.4f\n", fakeMark(score, threshold), score)
		return nil
	}

	img, err := decodeImage(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🔍 Detecting faces...")
	crops, err := face.NewExtractor(eng).Extract(ctx, types.Frame{Image: img})
	if err != nil {
		utils.ShowError("Face detection failed", err, nil)
		return err
	}
	if len(crops) == 0 {
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FACE\tBOX\tSCORE\t")
	fmt.Fprintln(w, "----\t---\t-----\t")
	for i, c := range crops {
		score, err := scorer.Score(ctx, c.Image)
		if err != nil {
			fmt.Fprintf(w, "%d\t%v\terror: %v\t\n", i, c.Box, err)
			continue
		}
		fmt.Fprintf(w, "%d\t%v\t%.4f\t%s\n", i, c.Box, score, fakeMark(score, threshold))
	}
	w.Flush()
	return nil
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}

// fakeMark uses the same strict comparison as the aggregator.
func fakeMark(score, threshold float64) string {
	if score > threshold {
		return "🚨 fake"
	}
	return "✅ real"
}
