package cli

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/graphcache/internal/cache"
	"github.com/roach88/graphcache/internal/draft"
	"github.com/roach88/graphcache/internal/durable"
	"github.com/roach88/graphcache/internal/ir"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Drafts bool // include persisted drafts
}

// RecordView is a persisted record as printed by inspect.
type RecordView struct {
	Key     string `json:"key"`
	Type    string `json:"type"`
	Version int64  `json:"version"`
	// Fingerprint is a content hash of key, type and fields.
	Fingerprint string      `json:"fingerprint"`
	Fields      ir.IRObject `json:"fields"`
}

// DraftView is a persisted draft as printed by inspect.
type DraftView struct {
	ID        string      `json:"id"`
	Target    string      `json:"target"`
	Operation string      `json:"operation"`
	Status    string      `json:"status"`
	Seq       int64       `json:"seq"`
	CreatedAt time.Time   `json:"created_at"`
	Payload   ir.IRObject `json:"payload,omitempty"`
}

// InspectResult is the payload of the inspect command.
type InspectResult struct {
	Backend string       `json:"backend"`
	Records []RecordView `json:"records"`
	Missing []string     `json:"missing,omitempty"`
	Drafts  []DraftView  `json:"drafts,omitempty"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect [keys...]",
		Short: "Print records persisted in a durable store",
		Long: `Hydrate records from the durable store selected by --dsn (or
GRAPHCACHE_DSN) and print them. Without keys, every record is printed when
the backend can list its keys.

Examples:
  graphcache inspect --dsn sqlite:./cache.db Account:1 Contact:10
  graphcache inspect --dsn file:./cache.json --drafts --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Drafts, "drafts", false, "also print persisted drafts")

	return cmd
}

func runInspect(opts *InspectOptions, keys []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	ctx := commandContext(cmd)

	c, err := opts.openCache()
	if err != nil {
		return formatter.fail(ErrCodeStore, "failed to open durable store", err)
	}
	defer func() { _ = c.Close(context.WithoutCancel(ctx)) }()

	result, err := inspect(ctx, c, opts.Config.DSN, keys, opts.Drafts)
	if err != nil {
		return formatter.fail(ErrCodeStore, "failed to read durable store", err)
	}

	if formatter.JSON() {
		return formatter.Success(result)
	}
	writeInspect(formatter, result)
	return nil
}

// inspect hydrates keys into c and collects what was found. Hydrate decode
// errors are reported in Missing, not returned.
func inspect(ctx context.Context, c *cache.Cache, dsn string, keys []string, withDrafts bool) (*InspectResult, error) {
	if len(keys) == 0 {
		all, err := c.StoredKeys(ctx)
		if err != nil {
			return nil, err
		}
		keys = all
	} else {
		keys = sortedUnique(keys)
	}

	if _, err := c.Hydrate(ctx, keys...); err != nil && durable.IsStoreError(err) {
		return nil, err
	}

	result := &InspectResult{Backend: durable.Backend(dsn), Records: []RecordView{}}
	for _, key := range keys {
		rec, ok := c.Record(key)
		if !ok {
			result.Missing = append(result.Missing, key)
			continue
		}
		fp, err := ir.RecordFingerprint(rec)
		if err != nil {
			return nil, err
		}
		result.Records = append(result.Records, RecordView{
			Key:         rec.Key,
			Type:        rec.Type,
			Version:     rec.Version,
			Fingerprint: fp,
			Fields:      rec.Fields,
		})
	}

	if withDrafts {
		if _, err := c.HydrateDrafts(ctx); err != nil && durable.IsStoreError(err) {
			return nil, err
		}
		for _, d := range c.Drafts("") {
			result.Drafts = append(result.Drafts, draftView(d))
		}
	}
	return result, nil
}

func draftView(d draft.Draft) DraftView {
	return DraftView{
		ID:        d.ID,
		Target:    d.TargetKey,
		Operation: string(d.Operation),
		Status:    string(d.Status),
		Seq:       d.Seq,
		CreatedAt: d.CreatedAt,
		Payload:   d.Payload,
	}
}

func writeInspect(formatter *OutputFormatter, r *InspectResult) {
	w := formatter.Writer
	fmt.Fprintf(w, "%s store: %d record(s)\n", r.Backend, len(r.Records))
	for _, rec := range r.Records {
		fields, err := ir.MarshalCanonical(rec.Fields)
		if err != nil {
			fields = []byte(err.Error())
		}
		fmt.Fprintf(w, "  %s v%d %s\n", rec.Key, rec.Version, fields)
	}
	if len(r.Missing) > 0 {
		fmt.Fprintf(w, "Missing: %s\n", strings.Join(r.Missing, ", "))
	}
	if len(r.Drafts) > 0 {
		fmt.Fprintf(w, "Drafts: %d\n", len(r.Drafts))
		for _, d := range r.Drafts {
			fmt.Fprintf(w, "  %s %s %s (%s)\n", d.ID, d.Operation, d.Target, d.Status)
		}
	}
}

// sortedUnique returns keys sorted with duplicates removed.
func sortedUnique(keys []string) []string {
	out := slices.Clone(keys)
	slices.Sort(out)
	return slices.Compact(out)
}
