// Command episodedl downloads streaming-provider episodes and builds MKV
// files carrying the original video plus translated subtitle tracks.
package main

import (
	"github.com/spf13/cobra"

	"episodedl/pkg/log"
)

var debugFlag bool

var rootCmd = &cobra.Command{
	Use:           "episodedl",
	Short:         "Episode downloader with machine-translated subtitle tracks",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "print progress and stage information")
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(watchCmd)
}

func newLogger() *log.Logger {
	if debugFlag {
		return log.New(log.LevelDebug)
	}
	return log.New(log.LevelInfo)
}
