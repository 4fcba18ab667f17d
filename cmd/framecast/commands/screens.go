package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var screensCmd = &cobra.Command{
	Use:   "screens",
	Short: "Print display connectors and modes",
	Long:  `Open the display device and print every connector with its modes.`,
	RunE:  runScreens,
}

func init() {
	rootCmd.AddCommand(screensCmd)
}

func runScreens(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	driver, err := openDriver(cfg)
	if err != nil {
		return fmt.Errorf("failed to open display device: %w", err)
	}
	defer driver.Close()

	screens, err := driver.ScanScreens()
	if err != nil {
		return fmt.Errorf("failed to scan screens: %w", err)
	}

	for _, screen := range screens {
		status := "[no connection]"
		if screen.Detected {
			status = "[connected]"
		}
		fmt.Printf("Screen #%-3d %s %s\n", screen.ID, screen.Connector, status)
		if screen.ActiveMode.Hz != 0 {
			fmt.Printf("  %s [ACTIVE]\n", screen.ActiveMode)
		}
		for _, mode := range screen.Modes {
			if mode != screen.ActiveMode {
				fmt.Printf("  %s\n", mode)
			}
		}
		fmt.Println()
	}
	return nil
}
