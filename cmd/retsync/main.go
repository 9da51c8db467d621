package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var logLevel string
	cmd := &cobra.Command{
		Use:           "retsync",
		Short:         "RETS feed synchronization daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setLogLevel(logLevel)
		},
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", `logging level ("debug"|"info"|"warn"|"error")`)
	cmd.AddCommand(
		newRunCommand(),
		newInvalidateMetadataCommand(),
	)
	return cmd
}

func setLogLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", level)
	}
	logrus.SetLevel(lvl)
	return nil
}

func cacheDir() string {
	if dir := os.Getenv("RETS_CACHE_DIR"); dir != "" {
		return dir
	}
	return "cache"
}
