package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/graphcache/internal/durable"
)

// EvictResult is the payload of the evict command.
type EvictResult struct {
	Backend string   `json:"backend"`
	Evicted []string `json:"evicted"`
}

// NewEvictCommand creates the evict command.
func NewEvictCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evict <keys...>",
		Short: "Remove records from a durable store",
		Long: `Remove records from the durable store selected by --dsn (or
GRAPHCACHE_DSN). Evicting a key that is not stored is not an error.

Example:
  graphcache evict --dsn sqlite:./cache.db Account:1 Contact:10`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvict(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runEvict(opts *RootOptions, keys []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	ctx := commandContext(cmd)

	c, err := opts.openCache()
	if err != nil {
		return formatter.fail(ErrCodeStore, "failed to open durable store", err)
	}
	defer func() { _ = c.Close(context.WithoutCancel(ctx)) }()

	keys = sortedUnique(keys)
	if err := c.Evict(ctx, keys...); err != nil {
		return formatter.fail(ErrCodeStore, "failed to evict", err)
	}
	backend := durable.Backend(opts.Config.DSN)
	opts.logger().Info("evicted", "keys", len(keys), "backend", backend)

	result := EvictResult{Backend: backend, Evicted: keys}
	if formatter.JSON() {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "✓ Evicted %d key(s) from %s store\n", len(keys), result.Backend)
	return nil
}
