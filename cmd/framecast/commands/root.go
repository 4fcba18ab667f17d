package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "framecast",
		Short: "framecast - frame-accurate video playback server",
		Long: `framecast drives hardware video displays from declarative play scripts,
presenting decoded frames atomically on vertical-refresh boundaries.

A script describes, per screen, a timeline of layered media with
time-varying position, size and opacity. The server realizes those
timelines on the display hardware and exposes an HTTP control plane
for installing scripts, probing media and inspecting screens.`,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/framecast/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "server port (default is 31415)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("pretty", false, "human-readable log output")
	rootCmd.PersistentFlags().String("dev", "", "display device (default is the X11 preview driver)")
	rootCmd.PersistentFlags().String("media-root", "", "media directory")
	rootCmd.PersistentFlags().Bool("trust-network", false, "allow non-localhost connections")

	// Bind flags to viper
	viper.BindPFlag("server_port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("pretty", rootCmd.PersistentFlags().Lookup("pretty"))
	viper.BindPFlag("device", rootCmd.PersistentFlags().Lookup("dev"))
	viper.BindPFlag("media_root", rootCmd.PersistentFlags().Lookup("media-root"))
	viper.BindPFlag("trust_network", rootCmd.PersistentFlags().Lookup("trust-network"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}
