package commands

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var playCmd = &cobra.Command{
	Use:   "play <script.json>",
	Short: "Install a play script on a running server",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlay,
}

func init() {
	rootCmd.AddCommand(playCmd)
}

func runPlay(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	body, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read script: %w", err)
	}

	url := fmt.Sprintf("http://localhost:%d/play", cfg.ServerPort)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	reply, _ := io.ReadAll(resp.Body)
	fmt.Printf("%s\n", reply)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server rejected script (%s)", resp.Status)
	}
	return nil
}
