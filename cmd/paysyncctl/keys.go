package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"paysync/internal/cachekeys"
)

func keysCmd() *cobra.Command {
	kinds := cachekeys.Kinds()
	sort.Strings(kinds)

	return &cobra.Command{
		Use:   "keys [kind] [ids...]",
		Short: "Print the cache keys an event invalidates",
		Long:  "Print the cache keys an event invalidates, with their TTL class.\nKinds: " + strings.Join(kinds, ", "),
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ev, err := cachekeys.FromKind(args[0], args[1:]...)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, key := range cachekeys.KeysFor(ev) {
				fmt.Fprintf(out, "%-40s %s\n", key, cachekeys.TTLFor(key))
			}
			return nil
		},
	}
}
