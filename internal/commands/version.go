package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

const Version = "1.0.0"

// VersionCmd represents the version command
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display the version of archsock",
	Long:  `Display the current version of archsock.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("archsock version %s\n", Version)
	},
}
