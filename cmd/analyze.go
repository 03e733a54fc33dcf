package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/andresmejia3/realitycheck/internal/config"
	"github.com/andresmejia3/realitycheck/internal/engine"
	"github.com/andresmejia3/realitycheck/internal/face"
	"github.com/andresmejia3/realitycheck/internal/ingest"
	"github.com/andresmejia3/realitycheck/internal/pipeline"
	"github.com/andresmejia3/realitycheck/internal/report"
	"github.com/andresmejia3/realitycheck/internal/sampler"
	"github.com/andresmejia3/realitycheck/internal/scoring"
	"github.com/andresmejia3/realitycheck/internal/store"
	"github.com/andresmejia3/realitycheck/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Options holds the analysis settings shared by analyze and serve.
type Options struct {
	InputPath  string
	URL        string
	Mode       string
	NthFrame   int
	FrameCount int
	Strategy   string
	PolicyFile string
	Threshold  float64
	Spread     string
	NoVerdict  bool
	FramesDir  string
	JSON       bool
}

var analyzeOpts Options

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze a local video or a YouTube URL for deepfaked faces",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if analyzeOpts.InputPath == "" && analyzeOpts.URL == "" {
			return fmt.Errorf("one of --input or --url is required")
		}
		return runAnalyze(cmd.Context(), cmd.Flags(), analyzeOpts)
	},
}

func init() {
	addAnalysisFlags(analyzeCmd.Flags(), &analyzeOpts)
	analyzeCmd.Flags().StringVarP(&analyzeOpts.InputPath, "input", "i", "", "Path to video")
	analyzeCmd.Flags().StringVarP(&analyzeOpts.URL, "url", "u", "", "YouTube URL to download and analyze")
	analyzeCmd.Flags().BoolVar(&analyzeOpts.JSON, "json", false, "Print the full result as JSON on stdout")
	analyzeCmd.MarkFlagsMutuallyExclusive("input", "url")
	rootCmd.AddCommand(analyzeCmd)
}

// addAnalysisFlags registers the sampling and aggregation flags.
func addAnalysisFlags(fs *pflag.FlagSet, opts *Options) {
	fs.StringVarP(&opts.Mode, "mode", "m", "stride", "Frame sampling mode: stride (every Nth frame) or count (K evenly spaced frames)")
	fs.IntVarP(&opts.NthFrame, "nth-frame", "n", 30, "Sample every Nth frame in stride mode")
	fs.IntVarP(&opts.FrameCount, "frames", "k", 8, "Number of frames in count mode")
	fs.StringVarP(&opts.Strategy, "strategy", "s", "faces", "Scored unit: faces, frames or faces-or-frame")
	fs.StringVarP(&opts.PolicyFile, "policy", "p", "", "YAML aggregation policy file")
	fs.Float64VarP(&opts.Threshold, "threshold", "t", report.DefaultThreshold, "Score above which a unit counts as fake")
	fs.StringVar(&opts.Spread, "spread", "range", "Stability measure: range or stddev")
	fs.BoolVar(&opts.NoVerdict, "no-verdict", false, "Do not derive a categorical verdict")
	fs.StringVar(&opts.FramesDir, "frames-dir", "", "Directory for sampled frame JPEGs (default: $FRAMES_DIR)")
}

// resolvePolicies merges the environment configuration, the policy file and
// the explicitly set flags, in that order of precedence.
func resolvePolicies(cfg *config.Config, fs *pflag.FlagSet, opts Options) (sampler.Policy, report.Policy, pipeline.Strategy, error) {
	c := *cfg
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "mode":
			c.SampleMode = opts.Mode
		case "nth-frame":
			c.SampleEvery = opts.NthFrame
		case "frames":
			c.SampleCount = opts.FrameCount
		case "strategy":
			c.Strategy = opts.Strategy
		case "policy":
			c.PolicyFile = opts.PolicyFile
		}
	})

	sp, err := c.SamplingPolicy()
	if err != nil {
		return sampler.Policy{}, report.Policy{}, "", err
	}
	rp, err := c.ReportPolicy()
	if err != nil {
		return sampler.Policy{}, report.Policy{}, "", err
	}
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "threshold":
			rp.Threshold = opts.Threshold
		case "spread":
			rp.Spread = report.Spread(opts.Spread)
		case "no-verdict":
			rp.Verdict.Enabled = !opts.NoVerdict
		}
	})
	if err := rp.Validate(); err != nil {
		return sampler.Policy{}, report.Policy{}, "", err
	}
	st, err := c.UnitStrategy()
	if err != nil {
		return sampler.Policy{}, report.Policy{}, "", err
	}
	return sp, rp, st, nil
}

// newPipeline wires the stages to the process-wide oracle engine.
func newPipeline(cfg *config.Config, fs *pflag.FlagSet, opts Options, framesDir string) (*pipeline.Pipeline, error) {
	sp, rp, st, err := resolvePolicies(cfg, fs, opts)
	if err != nil {
		return nil, err
	}
	eng, err := engine.Default()
	if err != nil {
		return nil, fmt.Errorf("start oracle engine: %w", err)
	}

	p := pipeline.New(sampler.New(framesDir, Logger), face.NewExtractor(eng), scoring.NewScorer(eng), Logger)
	p.Sampling = sp
	p.Policy = rp
	p.Strategy = st
	return p, nil
}

func runAnalyze(ctx context.Context, fs *pflag.FlagSet, opts Options) error {
	videoPath := opts.InputPath
	source := "file"
	if opts.URL != "" {
		fmt.Fprintf(os.Stderr, "📥 Downloading %s...\n", opts.URL)
		ing := ingest.New(Cfg.UploadDir, Cfg.DownloadDir, Logger)
		path, err := ing.Download(ctx, opts.URL)
		if err != nil {
			utils.ShowError("Failed to download video", err, nil)
			return err
		}
		videoPath, source = path, opts.URL
	}
	if _, err := os.Stat(videoPath); err != nil {
		utils.ShowError("Input file does not exist", err, nil)
		return err
	}

	framesDir := opts.FramesDir
	if framesDir == "" {
		framesDir = Cfg.FramesDir
	}

	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Worker Engines...\n", Cfg.Workers)
	p, err := newPipeline(Cfg, fs, opts, framesDir)
	if err != nil {
		utils.ShowError("Failed to prepare pipeline", err, nil)
		return err
	}

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("🔍 RealityCheck Analyzing"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)
	p.Progress = func(done, total int) {
		if done == 1 {
			bar.ChangeMax(total)
		}
		bar.Set(done)
	}

	res, err := p.Analyze(ctx, videoPath)
	bar.Finish()
	fmt.Fprintln(os.Stderr)
	if err != nil {
		utils.ShowError("Analysis failed", err, nil)
		return err
	}

	if DB != nil {
		if err := saveResult(ctx, DB, videoPath, source, res); err != nil {
			utils.ShowError("Failed to save analysis", err, nil)
		}
	}

	if opts.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printReport(os.Stdout, filepath.Base(videoPath), res)
	return nil
}

func saveResult(ctx context.Context, db *store.Store, videoPath, source string, res *pipeline.Result) error {
	videoID, err := utils.GenerateVideoID(videoPath)
	if err != nil {
		return err
	}
	id, err := db.SaveAnalysis(ctx, &store.Analysis{
		VideoID:       videoID,
		VideoPath:     videoPath,
		Source:        source,
		Strategy:      string(res.Strategy),
		FramesSampled: res.FramesSampled,
		Report:        *res.Report,
		Units:         res.Units,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "💾 Saved analysis %s (video %s)\n", id, videoID[:12])
	return nil
}

// printReport writes a human-readable summary of res.
func printReport(w io.Writer, name string, res *pipeline.Result) {
	r := res.Report
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "VIDEO\t%s\n", name)
	fmt.Fprintf(tw, "STRATEGY\t%s\n", res.Strategy)
	fmt.Fprintf(tw, "FRAMES SAMPLED\t%d\n", res.FramesSampled)
	fmt.Fprintf(tw, "UNITS SCORED\t%d\n", r.Count)
	fmt.Fprintf(tw, "FAKE RATIO\t%.2f (threshold %.2f)\n", r.FakeRatio, r.Threshold)
	fmt.Fprintf(tw, "AVERAGE CONFIDENCE\t%.4f\n", r.AverageConfidence)
	fmt.Fprintf(tw, "STABILITY (%s)\t%.4f\n", r.StabilityMethod, r.StabilityScore)

	m := res.MostSuspicious
	where := fmt.Sprintf("frame %d at %.2fs", m.FrameIndex, m.Seconds)
	if m.Box != nil {
		where += fmt.Sprintf(", face [%d,%d]-[%d,%d]", m.Box.X1, m.Box.Y1, m.Box.X2, m.Box.Y2)
	}
	fmt.Fprintf(tw, "MOST SUSPICIOUS\t%.4f (%s)\n", m.Score, where)
	if r.Verdict != "" {
		fmt.Fprintf(tw, "VERDICT\t%s\n", verdictBadge(r.Verdict))
	}
	tw.Flush()
}

func verdictBadge(v string) string {
	switch v {
	case report.LikelyDeepfake:
		return "🚨 " + v
	case report.Suspicious:
		return "⚠️  " + v
	default:
		return "✅ " + v
	}
}
