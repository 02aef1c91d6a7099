package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"custodyline/internal/app"
	"custodyline/internal/domain"
	"custodyline/internal/engine"
)

func partyCmd() *cobra.Command {
	c := &cobra.Command{Use: "party", Short: "Manage supply chain parties"}
	c.AddCommand(partyCreateCmd(), partyListCmd(), partyShowCmd(), partyContactCmd())
	return c
}

func partyTable(items []domain.Party) error {
	return printJSONOrTable(items, table.Row{"ID", "Name", "Type", "Country", "Contact"}, func(tw table.Writer) {
		for _, p := range items {
			contact := "-"
			if p.Contact != nil {
				contact = p.Contact.Name
				if p.Contact.Email != "" {
					contact += " <" + p.Contact.Email + ">"
				}
			}
			tw.AppendRow(table.Row{p.ID, p.Name, p.Type, p.Country, contact})
		}
	})
}

func partyCreateCmd() *cobra.Command {
	var opts engine.PartyCreateOptions
	var contact domain.Contact
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a party",
		RunE: func(cmd *cobra.Command, args []string) error {
			if contact != (domain.Contact{}) {
				opts.Contact = &contact
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.CreateParty(ctx, opts)
				if err != nil {
					return err
				}
				return partyTable([]domain.Party{p})
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "party id (generated when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.Type, "type", "", "MineOperator, Transporter, Buyer, Refinery, Auditor or Other")
	cmd.Flags().StringVar(&opts.Country, "country", "", "ISO country code")
	cmd.Flags().StringVar(&contact.Name, "contact-name", "", "contact name")
	cmd.Flags().StringVar(&contact.Email, "contact-email", "", "contact email")
	cmd.Flags().StringVar(&contact.Phone, "contact-phone", "", "contact phone")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func partyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List parties",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListParties(ctx)
				if err != nil {
					return err
				}
				return partyTable(items)
			})
		},
	}
}

func partyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <party-id>",
		Short: "Show a party",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.GetParty(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
}

func partyContactCmd() *cobra.Command {
	var opts engine.ContactUpdateOptions
	cmd := &cobra.Command{
		Use:   "contact <party-id>",
		Short: "Replace a party's contact; no flags clears it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.UpdatePartyContact(ctx, args[0], opts)
				if err != nil {
					return err
				}
				return partyTable([]domain.Party{p})
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "contact name")
	cmd.Flags().StringVar(&opts.Email, "email", "", "contact email")
	cmd.Flags().StringVar(&opts.Phone, "phone", "", "contact phone")
	return cmd
}

func facilityCmd() *cobra.Command {
	c := &cobra.Command{Use: "facility", Short: "Manage facilities"}
	c.AddCommand(facilityCreateCmd(), facilityListCmd(), facilityShowCmd())
	return c
}

func facilityTable(items []domain.Facility) error {
	return printJSONOrTable(items, table.Row{"ID", "Name", "Type", "Owner", "Location"}, func(tw table.Writer) {
		for _, f := range items {
			loc := f.Location.Country
			if f.Location.Region != "" {
				loc = f.Location.Region + ", " + loc
			}
			if c := f.Location.Coordinates; c != nil {
				loc += fmt.Sprintf(" (%.5f, %.5f)", c.Latitude, c.Longitude)
			}
			tw.AppendRow(table.Row{f.ID, f.Name, f.Type, f.OwnerPartyID, loc})
		}
	})
}

func facilityCreateCmd() *cobra.Command {
	var opts engine.FacilityCreateOptions
	var lat, lon float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a facility",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("lat") {
				opts.Latitude = &lat
			}
			if cmd.Flags().Changed("lon") {
				opts.Longitude = &lon
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f, err := a.Engine.CreateFacility(ctx, opts)
				if err != nil {
					return err
				}
				return facilityTable([]domain.Facility{f})
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "facility id (generated when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.Type, "type", "", "Mine, Warehouse, Refinery, Port or Other")
	cmd.Flags().StringVar(&opts.OwnerPartyID, "owner", "", "owning party id")
	cmd.Flags().StringVar(&opts.Country, "country", "", "ISO country code")
	cmd.Flags().StringVar(&opts.Region, "region", "", "region or province")
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&lon, "lon", 0, "longitude")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func facilityListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List facilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListFacilities(ctx)
				if err != nil {
					return err
				}
				return facilityTable(items)
			})
		},
	}
}

func facilityShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <facility-id>",
		Short: "Show a facility",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f, err := a.Engine.GetFacility(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(f)
			})
		},
	}
}

func documentCmd() *cobra.Command {
	c := &cobra.Command{Use: "document", Short: "Register and check supporting documents"}
	c.AddCommand(documentRegisterCmd(), documentListCmd(), documentShowCmd(), documentVerifyCmd())
	return c
}

func documentTable(items []domain.Document) error {
	return printJSONOrTable(items, table.Row{"ID", "Type", "File", "Confidentiality", "Fingerprint", "Batch"}, func(tw table.Writer) {
		for _, d := range items {
			tw.AppendRow(table.Row{d.ID, d.Type, d.FileName, d.Confidentiality, d.Fingerprint[:min(16, len(d.Fingerprint))], orDash(d.BatchID)})
		}
	})
}

func documentRegisterCmd() *cobra.Command {
	var opts engine.DocumentRegisterOptions
	var file string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a document by content (--file) or by a precomputed --fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				content, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				opts.Content = content
				if opts.FileName == "" {
					opts.FileName = filepath.Base(file)
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Engine.RegisterDocument(ctx, opts)
				if err != nil {
					return err
				}
				return documentTable([]domain.Document{d})
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "document id (generated when empty)")
	cmd.Flags().StringVar(&opts.Type, "type", "", "document type, e.g. BillOfLading")
	cmd.Flags().StringVar(&file, "file", "", "file whose content is fingerprinted")
	cmd.Flags().StringVar(&opts.FileName, "file-name", "", "file name to record (defaults to the --file base name)")
	cmd.Flags().StringVar(&opts.Fingerprint, "fingerprint", "", "hex digest computed elsewhere")
	cmd.Flags().StringVar(&opts.FingerprintVersion, "fingerprint-version", "", "version of --fingerprint")
	cmd.Flags().StringVar(&opts.Confidentiality, "confidentiality", "", "public, internal, confidential or restricted")
	cmd.Flags().StringVar(&opts.IssuerPartyID, "issuer", "", "issuing party id")
	cmd.Flags().StringVar(&opts.BatchID, "batch", "", "related batch id")
	cmd.Flags().StringVar(&opts.EventID, "event", "", "related event id")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func documentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListDocuments(ctx)
				if err != nil {
					return err
				}
				return documentTable(items)
			})
		},
	}
}

func documentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <document-id>",
		Short: "Show a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Engine.GetDocument(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}
}

func documentVerifyCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "verify <document-id>",
		Short: "Check a copy of a document against its stored fingerprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				report, err := a.Engine.VerifyDocument(ctx, args[0], content)
				if err != nil {
					return err
				}
				if err := printJSON(report); err != nil {
					return err
				}
				if !report.Match {
					return fmt.Errorf("document %s does not match its stored fingerprint", args[0])
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "file to check")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
