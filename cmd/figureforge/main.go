package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	cfgpkg "github.com/qwertypants/figureforge/internal/config"
	logpkg "github.com/qwertypants/figureforge/internal/log"
	"github.com/qwertypants/figureforge/internal/quota"
	"github.com/qwertypants/figureforge/internal/runtime"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "figureforge",
		Short: "FigureForge runtime CLI",
		Long:  "FigureForge is a single-binary image generation runtime. This CLI runs the workers and manages jobs, quotas, the gallery, and moderation.",
	}

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newJobCommand())
	rootCmd.AddCommand(newQuotaCommand())
	rootCmd.AddCommand(newGalleryCommand())
	rootCmd.AddCommand(newModerationCommand())
	rootCmd.AddCommand(newDLQCommand())
	rootCmd.AddCommand(newSweepCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openRuntime loads config, applies CLI overrides, and opens the runtime.
func openRuntime(cmd *cobra.Command) (*runtime.Runtime, zerolog.Logger, error) {
	cfg, err := cfgpkg.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.Store.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	logger := logpkg.New(cfg.Logging.Level)
	rt, err := runtime.Open(runtime.Options{Config: *cfg, Logger: logger})
	if err != nil {
		return nil, logger, err
	}
	return rt, logger, nil
}

func addStoreFlags(cmd *cobra.Command) {
	cmd.Flags().String("data-dir", "", "Data directory (default: OS application data directory)")
	cmd.Flags().String("log-level", "", "Log level: debug|info|warn|error")
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run workers and the background sweeper until interrupted",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, logger, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.StartSweeper(); err != nil {
				return err
			}
			logger.Info().
				Int("workers", rt.Config().Worker.Count).
				Str("queue", rt.Config().Queue.Name).
				Msg("figureforge serving")
			rt.RunWorkers(ctx)
			logger.Info().Msg("shutting down")
			return nil
		},
	}
	addStoreFlags(cmd)
	return cmd
}

func newJobCommand() *cobra.Command {
	jobCmd := &cobra.Command{Use: "job", Short: "Generation job operations"}

	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a generation job",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, _ := cmd.Flags().GetString("owner")
			batch, _ := cmd.Flags().GetInt("batch")
			pairs, _ := cmd.Flags().GetStringSlice("filter")

			filters := map[string]string{}
			for _, p := range pairs {
				k, v, ok := strings.Cut(p, "=")
				if !ok {
					return fmt.Errorf("invalid --filter %q; use dimension=value", p)
				}
				filters[k] = v
			}

			rt, _, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			jobID, err := rt.Admission().Admit(cmd.Context(), owner, filters, batch)
			if err != nil {
				return err
			}
			fmt.Println(jobID)
			return nil
		},
	}
	submitCmd.Flags().String("owner", "", "Owner id")
	submitCmd.Flags().Int("batch", 1, "Number of images to generate")
	submitCmd.Flags().StringSlice("filter", nil, "Filter as dimension=value (repeatable)")
	_ = submitCmd.MarkFlagRequired("owner")
	addStoreFlags(submitCmd)
	jobCmd.AddCommand(submitCmd)

	statusCmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show job status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, _ := cmd.Flags().GetString("owner")
			rt, _, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			st, err := rt.Admission().GetJobStatus(cmd.Context(), owner, args[0])
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}
	statusCmd.Flags().String("owner", "", "Owner id")
	_ = statusCmd.MarkFlagRequired("owner")
	addStoreFlags(statusCmd)
	jobCmd.AddCommand(statusCmd)

	return jobCmd
}

func newQuotaCommand() *cobra.Command {
	quotaCmd := &cobra.Command{Use: "quota", Short: "Credit quota operations"}

	activateCmd := &cobra.Command{
		Use:   "activate",
		Short: "Activate a plan for an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, _ := cmd.Flags().GetString("owner")
			plan, _ := cmd.Flags().GetString("plan")
			rt, _, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			rec, err := rt.Quota().Activate(cmd.Context(), owner, plan)
			if err != nil {
				return err
			}
			return printJSON(rec)
		},
	}
	activateCmd.Flags().String("owner", "", "Owner id")
	activateCmd.Flags().String("plan", "basic", "Plan id: basic|pro|studio")
	_ = activateCmd.MarkFlagRequired("owner")
	addStoreFlags(activateCmd)
	quotaCmd.AddCommand(activateCmd)

	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Show an owner's quota record",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, _ := cmd.Flags().GetString("owner")
			rt, _, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			rec, err := rt.Quota().Get(cmd.Context(), owner)
			if err != nil {
				return err
			}
			return printJSON(rec)
		},
	}
	getCmd.Flags().String("owner", "", "Owner id")
	_ = getCmd.MarkFlagRequired("owner")
	addStoreFlags(getCmd)
	quotaCmd.AddCommand(getCmd)

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset an owner's cycle, optionally onto a new plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, _ := cmd.Flags().GetString("owner")
			plan, _ := cmd.Flags().GetString("plan")
			rt, _, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			limit, ok := quota.PlanLimit(plan)
			if !ok {
				return fmt.Errorf("unknown plan %q", plan)
			}
			if err := rt.Quota().Reset(cmd.Context(), owner, limit); err != nil {
				return err
			}
			rec, err := rt.Quota().Get(cmd.Context(), owner)
			if err != nil {
				return err
			}
			return printJSON(rec)
		},
	}
	resetCmd.Flags().String("owner", "", "Owner id")
	resetCmd.Flags().String("plan", "basic", "Plan id: basic|pro|studio")
	_ = resetCmd.MarkFlagRequired("owner")
	addStoreFlags(resetCmd)
	quotaCmd.AddCommand(resetCmd)

	freezeCmd := &cobra.Command{
		Use:   "freeze",
		Short: "Zero an owner's remaining credits after a failed payment",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, _ := cmd.Flags().GetString("owner")
			rt, _, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.Quota().OnPaymentFailed(cmd.Context(), owner); err != nil {
				return err
			}
			fmt.Println("frozen")
			return nil
		},
	}
	freezeCmd.Flags().String("owner", "", "Owner id")
	_ = freezeCmd.MarkFlagRequired("owner")
	addStoreFlags(freezeCmd)
	quotaCmd.AddCommand(freezeCmd)

	return quotaCmd
}

func newGalleryCommand() *cobra.Command {
	galleryCmd := &cobra.Command{Use: "gallery", Short: "Gallery listings"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List images by owner or by tag",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, _ := cmd.Flags().GetString("owner")
			tag, _ := cmd.Flags().GetString("tag")
			cursor, _ := cmd.Flags().GetString("cursor")
			limit, _ := cmd.Flags().GetInt("limit")
			if (owner == "") == (tag == "") {
				return fmt.Errorf("exactly one of --owner or --tag is required")
			}

			rt, _, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			var (
				entries interface{}
				next    string
			)
			if owner != "" {
				entries, next, err = rt.Gallery().ListOwner(cmd.Context(), owner, cursor, limit)
			} else {
				entries, next, err = rt.Gallery().ListByTag(cmd.Context(), tag, cursor, limit)
			}
			if err != nil {
				return err
			}
			if err := printJSON(entries); err != nil {
				return err
			}
			if next != "" {
				fmt.Println("next:", next)
			}
			return nil
		},
	}
	listCmd.Flags().String("owner", "", "Owner id")
	listCmd.Flags().String("tag", "", "Tag, e.g. style:anime")
	listCmd.Flags().String("cursor", "", "Pagination cursor from a previous page")
	listCmd.Flags().Int("limit", 20, "Page size")
	addStoreFlags(listCmd)
	galleryCmd.AddCommand(listCmd)

	favoriteCmd := &cobra.Command{
		Use:   "favorite <image-id>",
		Short: "Adjust an image's favorite count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			delta, _ := cmd.Flags().GetInt("delta")
			rt, _, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.Images().AddFavorite(cmd.Context(), args[0], delta); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
	favoriteCmd.Flags().Int("delta", 1, "Increment (negative to remove)")
	addStoreFlags(favoriteCmd)
	galleryCmd.AddCommand(favoriteCmd)

	return galleryCmd
}

func newModerationCommand() *cobra.Command {
	modCmd := &cobra.Command{Use: "moderation", Short: "Moderation operations"}

	flagCmd := &cobra.Command{
		Use:   "flag <image-id>",
		Short: "Flag an image for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reporter, _ := cmd.Flags().GetString("reporter")
			reasons, _ := cmd.Flags().GetStringSlice("reason")
			rt, _, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.Moderation().Flag(cmd.Context(), args[0], reporter, reasons); err != nil {
				return err
			}
			fmt.Println("flagged")
			return nil
		},
	}
	flagCmd.Flags().String("reporter", "", "Reporter id")
	flagCmd.Flags().StringSlice("reason", nil, "Report reason (repeatable)")
	_ = flagCmd.MarkFlagRequired("reporter")
	addStoreFlags(flagCmd)
	modCmd.AddCommand(flagCmd)

	resolveCmd := &cobra.Command{
		Use:   "resolve <image-id>",
		Short: "Resolve a flagged image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reviewer, _ := cmd.Flags().GetString("reviewer")
			remove, _ := cmd.Flags().GetBool("remove")
			rt, _, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.Moderation().Resolve(cmd.Context(), args[0], reviewer, remove); err != nil {
				return err
			}
			if remove {
				fmt.Println("removed")
			} else {
				fmt.Println("restored")
			}
			return nil
		},
	}
	resolveCmd.Flags().String("reviewer", "", "Reviewer id")
	resolveCmd.Flags().Bool("remove", false, "Confirm the violation and remove the image")
	_ = resolveCmd.MarkFlagRequired("reviewer")
	addStoreFlags(resolveCmd)
	modCmd.AddCommand(resolveCmd)

	auditCmd := &cobra.Command{
		Use:   "audit <image-id>",
		Short: "Show an image's moderation audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			entries, err := rt.Moderation().AuditTrail(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(entries)
		},
	}
	addStoreFlags(auditCmd)
	modCmd.AddCommand(auditCmd)

	return modCmd
}

func newDLQCommand() *cobra.Command {
	dlqCmd := &cobra.Command{Use: "dlq", Short: "Dead-letter queue operations"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			entries, err := rt.Queue().DeadLetters(cmd.Context())
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("seq=%d attempts=%d job=%s owner=%s\n", e.Seq, e.Attempts, e.Msg.JobID, e.Msg.OwnerID)
			}
			return nil
		},
	}
	addStoreFlags(listCmd)
	dlqCmd.AddCommand(listCmd)

	purgeCmd := &cobra.Command{
		Use:   "purge <seq>",
		Short: "Drop a dead-lettered message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var seq uint64
			if _, err := fmt.Sscanf(args[0], "%d", &seq); err != nil {
				return fmt.Errorf("invalid seq %q", args[0])
			}
			rt, _, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.Queue().PurgeDeadLetter(cmd.Context(), seq); err != nil {
				return err
			}
			fmt.Println("purged")
			return nil
		},
	}
	addStoreFlags(purgeCmd)
	dlqCmd.AddCommand(purgeCmd)

	return dlqCmd
}

func newSweepCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one maintenance pass (lease reclaim, stale jobs, dead letters, quota resets)",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			rt.SweepOnce(cmd.Context())
			return nil
		},
	}
	addStoreFlags(cmd)
	return cmd
}

func printJSON(v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
