package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/framecast/framecast/internal/media"
)

var mediaCmd = &cobra.Command{
	Use:   "media <file>",
	Short: "Probe a media file under the media root",
	Args:  cobra.ExactArgs(1),
	RunE:  runMedia,
}

func init() {
	rootCmd.AddCommand(mediaCmd)
}

func runMedia(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.MediaRoot == "" {
		return fmt.Errorf("media root is required (--media-root or config)")
	}

	source, err := media.NewStillSource(cfg.MediaRoot)
	if err != nil {
		return fmt.Errorf("failed to open media root: %w", err)
	}
	defer source.Close()

	info, err := source.FileInfo(args[0])
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(info)
}
