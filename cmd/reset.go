package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/andresmejia3/realitycheck/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetDB     bool
	resetFiles  bool
	resetFrames bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Database, Uploads, Sampled Frames)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	Run: func(cmd *cobra.Command, args []string) {
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetFiles && !resetFrames {
			resetDB = DB != nil
			resetFiles = true
			resetFrames = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB {
			if err := requireDB(); err != nil {
				utils.Die("Cannot reset database", err, nil)
			}
			if confirm(reader, "⚠️  Are you sure you want to DROP all database tables?") {
				fmt.Println("🗑️  Clearing Database...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.Die("Failed to reset database", err, nil)
				}
			}
		}

		if resetFiles {
			if confirm(reader, "⚠️  Are you sure you want to delete all uploaded and downloaded videos?") {
				fmt.Println("🗑️  Clearing Uploads and Downloads...")
				removeDir(Cfg.UploadDir)
				removeDir(Cfg.DownloadDir)
			}
		}

		if resetFrames {
			if confirm(reader, "⚠️  Are you sure you want to delete all sampled frames?") {
				fmt.Println("🗑️  Clearing Sampled Frames...")
				if err := utils.ClearDir(Cfg.FramesDir); err != nil {
					fmt.Fprintf(os.Stderr, "⚠️  Failed to clear %s: %v\n", Cfg.FramesDir, err)
				}
			}
		}

		fmt.Println("✨ System Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "database", false, "Clear PostgreSQL database")
	resetCmd.Flags().BoolVar(&resetFiles, "files", false, "Clear uploaded and downloaded videos")
	resetCmd.Flags().BoolVar(&resetFrames, "frames", false, "Clear sampled frame JPEGs")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
