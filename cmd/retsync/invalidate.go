package main

import (
	"github.com/spf13/cobra"

	"github.com/evermark/retsync/catalog"
)

func newInvalidateMetadataCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate-metadata",
		Short: "Remove the cached metadata catalog so the next cycle rebuilds it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return catalog.NewStore(cacheDir()).Invalidate()
		},
	}
}
