package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"custodyline/internal/app"
	"custodyline/internal/domain"
	"custodyline/internal/engine"
)

func batchCmd() *cobra.Command {
	c := &cobra.Command{Use: "batch", Short: "Create and inspect batches"}
	c.AddCommand(batchCreateCmd(), batchListCmd(), batchShowCmd(), batchCloseCmd(), batchEventsCmd())
	return c
}

func batchTable(items []domain.Batch) error {
	return printJSONOrTable(items, table.Row{"ID", "Reference", "Commodity", "Status", "Owner", "Quantity", "Events", "Fingerprint"}, func(tw table.Writer) {
		for _, b := range items {
			tw.AppendRow(table.Row{
				b.ID, b.ExternalReference, b.CommodityType, b.Status, b.OwnerPartyID,
				b.Quantity.Weight.String() + " " + b.Quantity.Unit, len(b.EventIDs), short(b.Fingerprint),
			})
		}
	})
}

func eventTable(items []domain.Event) error {
	return printJSONOrTable(items, table.Row{"#", "ID", "Type", "Timestamp", "From", "To", "Fingerprint", "Anchor"}, func(tw table.Writer) {
		for _, ev := range items {
			anchor := "-"
			if ev.Anchor != nil {
				anchor = string(ev.Anchor.Status)
			}
			tw.AppendRow(table.Row{
				ev.Sequence, ev.ID, ev.Type, ev.Timestamp, orDash(ev.FromPartyID), orDash(ev.ToPartyID), short(ev.Fingerprint), anchor,
			})
		}
	})
}

func short(fp string) string {
	if len(fp) > 16 {
		return fp[:16]
	}
	return fp
}

// quantityFlags and assayFlags collect decimal inputs as strings so the literal is kept.
type quantityFlags struct{ weight, unit string }

func (q quantityFlags) input() (*engine.QuantityInput, error) {
	if q.weight == "" {
		return nil, nil
	}
	w, err := decimal.NewFromString(q.weight)
	if err != nil {
		return nil, fmt.Errorf("--weight %q: %w", q.weight, err)
	}
	return &engine.QuantityInput{Weight: w, Unit: q.unit}, nil
}

type assayFlags struct{ element, grade, unit string }

func (f assayFlags) input() (*engine.AssayInput, error) {
	if f.element == "" && f.grade == "" {
		return nil, nil
	}
	g, err := decimal.NewFromString(f.grade)
	if err != nil {
		return nil, fmt.Errorf("--assay-grade %q: %w", f.grade, err)
	}
	return &engine.AssayInput{Element: f.element, Grade: g, Unit: f.unit}, nil
}

func (f *assayFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.element, "assay-element", "", "assayed element, e.g. Co")
	cmd.Flags().StringVar(&f.grade, "assay-grade", "", "decimal grade")
	cmd.Flags().StringVar(&f.unit, "assay-unit", "%", "grade unit")
}

func batchCreateCmd() *cobra.Command {
	var opts engine.BatchCreateOptions
	var qty quantityFlags
	var assay assayFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a batch and its Create event",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := qty.input()
			if err != nil {
				return err
			}
			if q == nil {
				return fmt.Errorf("--weight required")
			}
			opts.Quantity = *q
			if opts.DeclaredAssay, err = assay.input(); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				b, err := a.Engine.CreateBatch(ctx, opts)
				if err != nil {
					return err
				}
				return batchTable([]domain.Batch{b})
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "batch id (generated when empty)")
	cmd.Flags().StringVar(&opts.ExternalReference, "ref", "", "external reference, unique per batch")
	cmd.Flags().StringVar(&opts.CommodityType, "commodity", "", "commodity type")
	cmd.Flags().StringVar(&opts.OriginFacilityID, "facility", "", "origin facility id")
	cmd.Flags().StringVar(&opts.OwnerPartyID, "owner", "", "owning party id")
	cmd.Flags().StringVar(&qty.weight, "weight", "", "decimal weight")
	cmd.Flags().StringVar(&qty.unit, "unit", "kg", "weight unit")
	cmd.Flags().StringSliceVar(&opts.DocumentIDs, "doc", nil, "supporting document id (repeatable)")
	cmd.Flags().StringVar(&opts.OccurredAt, "at", "", "RFC 3339 time of creation (defaults to now)")
	assay.bind(cmd)
	_ = cmd.MarkFlagRequired("ref")
	_ = cmd.MarkFlagRequired("facility")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func batchListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListBatches(ctx)
				if err != nil {
					return err
				}
				return batchTable(items)
			})
		},
	}
}

func batchShowCmd() *cobra.Command {
	var ref string
	cmd := &cobra.Command{
		Use:   "show [batch-id]",
		Short: "Show a batch by id or --ref",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && ref == "" {
				return fmt.Errorf("batch id or --ref required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var b domain.Batch
				var err error
				if ref != "" {
					b, err = a.Engine.GetBatchByReference(ctx, ref)
				} else {
					b, err = a.Engine.GetBatch(ctx, args[0])
				}
				if err != nil {
					return err
				}
				return printJSON(b)
			})
		},
	}
	cmd.Flags().StringVar(&ref, "ref", "", "external reference")
	return cmd
}

func batchCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <batch-id>",
		Short: "Close a created or received batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				b, err := a.Engine.CloseBatch(ctx, args[0])
				if err != nil {
					return err
				}
				return batchTable([]domain.Batch{b})
			})
		},
	}
}

func batchEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events <batch-id>",
		Short: "List a batch's events in sequence order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListEvents(ctx, args[0])
				if err != nil {
					return err
				}
				return eventTable(items)
			})
		},
	}
}

func eventCmd() *cobra.Command {
	c := &cobra.Command{Use: "event", Short: "Append and inspect custody events"}
	c.AddCommand(eventAppendCmd(), eventShowCmd())
	return c
}

func eventAppendCmd() *cobra.Command {
	var opts engine.EventAppendOptions
	var qty quantityFlags
	var assay assayFlags
	cmd := &cobra.Command{
		Use:   "append <batch-id>",
		Short: "Append Ship, Transfer, Receive, InspectTest, AssayFinalized, Dispute or Resolve",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.BatchID = args[0]
			var err error
			if opts.Quantity, err = qty.input(); err != nil {
				return err
			}
			if opts.Assay, err = assay.input(); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ev, err := a.Engine.AppendEvent(ctx, opts)
				if err != nil {
					return err
				}
				return eventTable([]domain.Event{ev})
			})
		},
	}
	cmd.Flags().StringVar(&opts.Type, "type", "", "event type")
	cmd.Flags().StringVar(&opts.OccurredAt, "at", "", "RFC 3339 time of the event (defaults to now)")
	cmd.Flags().StringVar(&opts.FromPartyID, "from-party", "", "handing over party")
	cmd.Flags().StringVar(&opts.ToPartyID, "to-party", "", "receiving party")
	cmd.Flags().StringVar(&opts.FromFacilityID, "from-facility", "", "origin facility")
	cmd.Flags().StringVar(&opts.ToFacilityID, "to-facility", "", "destination facility")
	cmd.Flags().StringVar(&qty.weight, "weight", "", "decimal weight measured at this step")
	cmd.Flags().StringVar(&qty.unit, "unit", "kg", "weight unit")
	cmd.Flags().StringSliceVar(&opts.DocumentIDs, "doc", nil, "supporting document id (repeatable)")
	assay.bind(cmd)
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func eventShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <event-id>",
		Short: "Show an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ev, err := a.Engine.GetEvent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(ev)
			})
		},
	}
}
