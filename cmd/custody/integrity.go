package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"custodyline/internal/app"
	"custodyline/internal/fingerprint"
	"custodyline/internal/server"
	"custodyline/internal/verify"
)

func verifyCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "verify [batch-id]",
		Short: "Recompute every fingerprint of a batch, or of all batches with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("batch id or --all required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var reports []verify.BatchReport
				if all {
					var err error
					if reports, err = a.Engine.VerifyAll(ctx); err != nil {
						return err
					}
				} else {
					r, err := a.Engine.VerifyBatch(ctx, args[0])
					if err != nil {
						return err
					}
					reports = []verify.BatchReport{r}
				}
				if err := reportTable(reports); err != nil {
					return err
				}
				invalid := 0
				for _, r := range reports {
					if !r.OverallValid {
						invalid++
					}
				}
				if invalid > 0 {
					return fmt.Errorf("%d of %d batches failed verification", invalid, len(reports))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "verify every batch")
	return cmd
}

func reportTable(reports []verify.BatchReport) error {
	if viper.GetBool("json") {
		return printJSON(reports)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Batch", "Valid", "Batch FP", "Events", "Mismatches", "Anchors"})
	for _, r := range reports {
		confirmed := 0
		for _, an := range r.Anchors {
			if an.Confirmed {
				confirmed++
			}
		}
		tw.AppendRow(table.Row{
			r.BatchID, r.OverallValid, r.BatchFingerprintValid, r.EventCount, r.Mismatches(),
			fmt.Sprintf("%d/%d confirmed", confirmed, len(r.Anchors)),
		})
	}
	tw.Render()
	for _, r := range reports {
		for _, ev := range r.Events {
			if !ev.Valid() {
				fmt.Printf("%s: event %s (#%d) %s stored %s computed %s\n", r.BatchID, ev.EventID, ev.Sequence, ev.Code, short(ev.StoredFingerprint), short(ev.ComputedFingerprint))
			}
		}
	}
	return nil
}

func fingerprintCmd() *cobra.Command {
	var file, record, version string
	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Fingerprint a file's bytes (--file) or a JSON record (--record, or stdin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if version == "" {
				cfg, _, err := loadConfig()
				if err != nil {
					return err
				}
				version = cfg.Integrity.FingerprintVersion
			}
			suite, err := fingerprint.Lookup(fingerprint.Version(version))
			if err != nil {
				return err
			}
			if file != "" {
				content, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				return printJSON(server.FingerprintResponse{
					Fingerprint: suite.FingerprintBytes(content).Hex(),
					Version:     string(suite.Version),
					Display:     suite.FingerprintBytes(content).Display(),
				})
			}
			raw := []byte(record)
			if record == "" {
				if raw, err = io.ReadAll(cmd.InOrStdin()); err != nil {
					return err
				}
			}
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.UseNumber()
			var v any
			if err := dec.Decode(&v); err != nil {
				return fmt.Errorf("record is not valid JSON: %w", err)
			}
			canonical, err := suite.Canonical(v)
			if err != nil {
				return err
			}
			fp, err := suite.Fingerprint(v)
			if err != nil {
				return err
			}
			return printJSON(server.FingerprintResponse{
				Fingerprint: fp.Hex(),
				Version:     string(fp.Version),
				Display:     fp.Display(),
				Canonical:   string(canonical),
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "file to fingerprint as raw bytes")
	cmd.Flags().StringVar(&record, "record", "", "JSON record to canonicalize and fingerprint")
	cmd.Flags().StringVar(&version, "version", "", "fingerprint version (defaults to config)")
	return cmd
}

func anchorCmd() *cobra.Command {
	c := &cobra.Command{Use: "anchor", Short: "Anchor fingerprints to the configured gateway"}
	subject := func(use, short string, run func(context.Context, *app.App, string) error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
					return run(ctx, a, args[0])
				})
			},
		}
	}
	c.AddCommand(subject("batch <batch-id>", "Anchor a batch fingerprint", func(ctx context.Context, a *app.App, id string) error {
		rec, err := a.Engine.AnchorBatch(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(rec)
	}))
	c.AddCommand(subject("event <event-id>", "Anchor an event fingerprint", func(ctx context.Context, a *app.App, id string) error {
		rec, err := a.Engine.AnchorEvent(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(rec)
	}))
	c.AddCommand(subject("status <subject-id>", "Show an anchor record and its attempts", func(ctx context.Context, a *app.App, id string) error {
		rec, err := a.Engine.GetAnchor(ctx, id)
		if err != nil {
			return err
		}
		attempts, err := a.Engine.AnchorAttempts(ctx, id)
		if err != nil {
			return err
		}
		if viper.GetBool("json") {
			return printJSON(map[string]any{"record": rec, "attempts": attempts})
		}
		fmt.Printf("%s %s via %s: %s\n", rec.SubjectKind, rec.SubjectID, rec.Gateway, rec.Status)
		return printJSONOrTable(attempts, table.Row{"#", "Operation", "Outcome", "Ref", "Error", "At"}, func(tw table.Writer) {
			for _, at := range attempts {
				tw.AppendRow(table.Row{at.Attempt, at.Operation, at.Outcome, at.ExternalRef, at.Error, at.At})
			}
		})
	}))
	c.AddCommand(&cobra.Command{
		Use:   "reconcile",
		Short: "Re-check submitted anchors and resubmit unconfirmed ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				report, err := a.Engine.Reconcile(ctx)
				if err != nil {
					return err
				}
				return printJSON(report)
			})
		},
	})
	return c
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server and the anchor reconciler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			a, err := app.Open(ctx, viper.GetString("workspace"), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if r, ok := a.Reconciler(); ok {
				go r.Run(ctx)
			}
			handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Registry: a.Registry})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving custodyline API", "addr", "http://"+addr+basePath, "docs", "/docs", "metrics", "/metrics", "gateway", cfg.Anchor.Gateway)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}
