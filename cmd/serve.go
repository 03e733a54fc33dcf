package cmd

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/andresmejia3/realitycheck/internal/artifacts"
	"github.com/andresmejia3/realitycheck/internal/ingest"
	"github.com/andresmejia3/realitycheck/internal/sampler"
	"github.com/andresmejia3/realitycheck/internal/server"
	"github.com/andresmejia3/realitycheck/internal/tracing"
	"github.com/andresmejia3/realitycheck/internal/utils"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	serveOpts   Options
	servePort   int
	serveStatic string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API (uploads, YouTube analysis, history, metrics)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if cmd.Flags().Changed("port") {
			Cfg.Port = servePort
		}
		if cmd.Flags().Changed("static") {
			Cfg.StaticDir = serveStatic
		}
		if err := runServe(cmd, serveOpts); err != nil {
			utils.ShowError("Server failed", err, nil)
			return err
		}
		return nil
	},
}

func init() {
	addAnalysisFlags(serveCmd.Flags(), &serveOpts)
	serveCmd.Flags().IntVar(&servePort, "port", 8000, "HTTP listen port (default: $PORT)")
	serveCmd.Flags().StringVar(&serveStatic, "static", "", "Directory of frontend files served at / (default: $STATIC_DIR)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, opts Options) error {
	ctx := cmd.Context()

	tp, err := tracing.InitTracer(ctx, Cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			Logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	framesDir := opts.FramesDir
	if framesDir == "" {
		framesDir = Cfg.FramesDir
	}
	for _, dir := range []string{Cfg.UploadDir, Cfg.DownloadDir, framesDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	base, err := newPipeline(Cfg, cmd.Flags(), opts, framesDir)
	if err != nil {
		return err
	}
	factory := func(frameDir string) server.Analyzer {
		p := *base
		p.Sampler = sampler.New(frameDir, Logger)
		return &p
	}

	// Interface values stay nil when the backend is disabled.
	var st server.AnalysisStore
	if DB != nil {
		st = DB
	}
	var up server.FrameUploader
	if Cfg.MinIOEndpoint != "" {
		storage, err := artifacts.NewStorage(artifacts.StorageConfig{
			Endpoint:  Cfg.MinIOEndpoint,
			AccessKey: Cfg.MinIOAccessKey,
			SecretKey: Cfg.MinIOSecretKey,
			UseSSL:    Cfg.MinIOUseSSL,
			Bucket:    Cfg.MinIOBucket,
		})
		if err != nil {
			return err
		}
		if err := storage.EnsureBucket(ctx); err != nil {
			return err
		}
		up = storage
	}

	h := server.New(factory, ingest.New(Cfg.UploadDir, Cfg.DownloadDir, Logger), st, up, server.Options{
		FramesDir:      framesDir,
		FramesRetained: Cfg.FramesRetained,
		MaxUploadBytes: Cfg.MaxUploadMB << 20,
		StaticDir:      Cfg.StaticDir,
	}, Logger)

	lis, err := net.Listen("tcp", Cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	Logger.Info("realitycheck serving",
		zap.String("addr", lis.Addr().String()),
		zap.Bool("history", st != nil),
		zap.Bool("object_storage", up != nil),
		zap.Int("workers", Cfg.Workers),
	)
	return server.Serve(ctx, lis, h, Logger)
}
