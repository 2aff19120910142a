package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/coursepack/internal/config"
)

func init() {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Run:   runConfig,
	}

	cmd.Flags().Bool("sample", false, "Print the commented sample config instead")

	RootCmd.AddCommand(cmd)
}

func runConfig(cmd *cobra.Command, args []string) {
	sample, _ := cmd.Flags().GetBool("sample")
	if sample {
		fmt.Print(config.SampleConfig())
		return
	}

	cfg, path, exists := loadConfigFile(cmd)
	data, err := cfg.Encode()
	if err != nil {
		exitErr("encode config", err)
	}
	if exists {
		fmt.Printf("# loaded from %s\n", path)
	} else {
		fmt.Println("# no config file found; built-in defaults")
	}
	fmt.Print(string(data))
}
