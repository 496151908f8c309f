// Package cmd implements the seamopt command line.
package cmd

import (
	"github.com/spf13/cobra"
)

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "seamopt",
		Short: "Adaptive seam/distortion scheduling for mesh cutting",
		Long: `seamopt alternates continuous descent with discrete cut edits, steering the
seam weight so the distortion energy settles just under a user bound while
the seams stay short.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().String("log-level", "info", "console log level (debug, info, warn, error)")
	root.AddCommand(newRunCommand())
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCommand().Execute()
}
