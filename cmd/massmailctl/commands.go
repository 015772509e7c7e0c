package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/unclebandit/massmail-backend/internal/app"
	"github.com/unclebandit/massmail-backend/internal/auth"
	"github.com/unclebandit/massmail-backend/internal/config"
	"github.com/unclebandit/massmail-backend/internal/db"
	"github.com/unclebandit/massmail-backend/internal/logging"
	"github.com/unclebandit/massmail-backend/internal/model"
	"github.com/unclebandit/massmail-backend/internal/scheduler"
	"github.com/unclebandit/massmail-backend/internal/service"
)

// env is opened lazily by commands that need the store.
type env struct {
	cfg  config.Config
	conn *sql.DB
	app  *app.App
}

func (e *env) open(ctx context.Context) error {
	if e.conn != nil {
		return nil
	}
	conn, err := db.Open(ctx, e.cfg.DatabaseURL)
	if err != nil {
		return err
	}
	e.conn = conn
	// The CLI never runs wake-ups itself; a running server reconciles them.
	e.app, err = app.Build(e.cfg, conn, scheduler.NewRegistry())
	return err
}

func (e *env) close() {
	if e.app != nil {
		_ = e.app.Close()
	}
	if e.conn != nil {
		_ = e.conn.Close()
	}
}

func newRootCmd() *cobra.Command {
	e := &env{}
	root := &cobra.Command{
		Use:           "massmailctl",
		Short:         "Operate the mass email job from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			e.cfg = cfg
			logging.ConfigureWriter(cfg.LogLevel, true, os.Stderr)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			e.close()
		},
	}

	root.AddCommand(
		statusCmd(e),
		createCmd(e),
		simpleCmd(e, "pause", "Pause the active job", func(ctx context.Context, s *service.JobService) (string, error) {
			changed, err := s.Pause(ctx)
			return notice(changed, "Email job is paused.", "There is no active email job to pause."), err
		}),
		simpleCmd(e, "resume", "Resume the paused job", func(ctx context.Context, s *service.JobService) (string, error) {
			changed, err := s.Resume(ctx)
			return notice(changed, "Email job is resumed.", "There is no paused email job to resume."), err
		}),
		simpleCmd(e, "cancel", "Cancel the job and drop its pending recipients", func(ctx context.Context, s *service.JobService) (string, error) {
			return "Email job is cancelled.", s.Cancel(ctx)
		}),
		rolesCmd(e),
		groupsCmd(e),
		tickCmd(e),
		tokenCmd(e),
		migrateCmd(e),
		seedCmd(e),
		teardownCmd(e),
	)
	return root
}

func notice(changed bool, yes, no string) string {
	if changed {
		return yes
	}
	return no
}

func simpleCmd(e *env, use, short string, run func(ctx context.Context, s *service.JobService) (string, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := e.open(cmd.Context()); err != nil {
				return err
			}
			msg, err := run(cmd.Context(), e.app.Jobs)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
}

func statusCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current job and the next batch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := e.open(cmd.Context()); err != nil {
				return err
			}
			st, err := e.app.Jobs.Status(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func printStatus(w io.Writer, st *service.JobStatus) {
	if st.Job == nil {
		fmt.Fprintln(w, "No email job.")
		return
	}
	fmt.Fprintf(w, "Job %d (%s)\n", st.Job.Version, st.State)
	fmt.Fprintf(w, "  Subject:    %s\n", st.Job.Subject)
	fmt.Fprintf(w, "  Batch size: %d\n", st.Job.BatchSize)
	fmt.Fprintf(w, "  Pending:    %d of %d\n", st.Pending, st.Job.TotalRecipients)
	if len(st.NextBatchLogins) > 0 {
		fmt.Fprintf(w, "  Next batch: %s\n", strings.Join(st.NextBatchLogins, ", "))
	}
	if st.NextTickAt != nil {
		fmt.Fprintf(w, "  Next tick:  %s\n", st.NextTickAt.Format(time.RFC3339))
	}
}

func rolesCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "roles",
		Short: "List the roles a job may target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := e.open(cmd.Context()); err != nil {
				return err
			}
			roles, err := e.app.Jobs.Roles(cmd.Context())
			if err != nil {
				return err
			}
			for _, r := range roles {
				fmt.Fprintln(cmd.OutOrStdout(), r)
			}
			return nil
		},
	}
}

func groupsCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "groups",
		Short: "List the groups a job may target, largest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := e.open(cmd.Context()); err != nil {
				return err
			}
			groups, err := e.app.Jobs.Groups(cmd.Context())
			if err != nil {
				return err
			}
			for _, g := range groups {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", g.ID, g.Name)
			}
			return nil
		},
	}
}

// tokenCmd issues operator bearer tokens for the HTTP API. It needs only
// the configured secret, not the database.
func tokenCmd(e *env) *cobra.Command {
	var operator string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator token for the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := issueToken(e.cfg.OperatorJWTSecret, operator, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "", "Operator name recorded in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

func issueToken(secret, operator string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("OPERATOR_JWT_SECRET is not set")
	}
	if strings.TrimSpace(operator) == "" {
		return "", errors.New("--operator is required")
	}
	if ttl <= 0 {
		return "", errors.Newf("--ttl must be positive, got %s", ttl)
	}
	return auth.NewJWT(secret).Sign(operator, ttl)
}

type createFlags struct {
	subject, body, bodyFile string
	roles                   []string
	groups                  []int64
	unlogged                bool
	batchSize               int
	preview                 bool
	sample                  int64
}

func (f createFlags) request() (service.CreateJobRequest, error) {
	body := f.body
	if f.bodyFile != "" {
		b, err := os.ReadFile(f.bodyFile)
		if err != nil {
			return service.CreateJobRequest{}, errors.Wrap(err, "read body file")
		}
		body = string(b)
	}
	return service.CreateJobRequest{
		Subject:      f.subject,
		Body:         body,
		Roles:        f.roles,
		GroupIDs:     f.groups,
		UnloggedOnly: f.unlogged,
		BatchSize:    f.batchSize,
	}, nil
}

func createCmd(e *env) *cobra.Command {
	var f createFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a job, replacing any existing one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.request()
			if err != nil {
				return err
			}
			if err := e.open(cmd.Context()); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if f.preview {
				p, err := e.app.Jobs.Preview(cmd.Context(), req, model.RecipientID(f.sample))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Recipients: %s (unlogged only: %t)\nBatch size: %d\nSubject: %s\n\n%s\n",
					p.Selector, p.UnloggedOnly, p.BatchSize, p.Subject, p.Body)
				return nil
			}
			res, err := e.app.Jobs.CreateJob(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Email job is created: version %d, %d recipients.\n", res.Version, res.TotalRecipients)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.subject, "subject", "", "Email subject")
	cmd.Flags().StringVar(&f.body, "body", "", "Email body")
	cmd.Flags().StringVar(&f.bodyFile, "body-file", "", "Read the email body from a file")
	cmd.Flags().StringSliceVar(&f.roles, "role", nil, "Recipient role (repeatable)")
	cmd.Flags().Int64SliceVar(&f.groups, "group", nil, "Recipient group id (repeatable)")
	cmd.Flags().BoolVar(&f.unlogged, "unlogged-only", false, "Only users who never logged in")
	cmd.Flags().IntVar(&f.batchSize, "batch-size", model.DefaultBatchSize, "Emails per wake-up (10-10000)")
	cmd.Flags().BoolVar(&f.preview, "preview", false, "Validate and render without creating")
	cmd.Flags().Int64Var(&f.sample, "sample", 0, "Recipient id to render the preview for")
	return cmd
}

func tickCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Send one batch now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := e.open(cmd.Context()); err != nil {
				return err
			}
			rep, err := e.app.Dispatcher.Tick(cmd.Context())
			if err != nil {
				return err
			}
			if rep.Version == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No active email job.")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %d: sent %d, skipped %d, failed %d, remaining %d\n",
				rep.Version, rep.Sent, rep.Skipped, rep.Failed, rep.Remaining)
			if rep.Drained {
				fmt.Fprintln(cmd.OutOrStdout(), "Email job is completed.")
			}
			return nil
		},
	}
}

func migrateCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the mass email tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := e.open(cmd.Context()); err != nil {
				return err
			}
			if err := db.Migrate(cmd.Context(), e.conn); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date.")
			return nil
		},
	}
}

func seedCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "seed FILE...",
		Short: "Execute SQL seed files in order",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := e.open(cmd.Context()); err != nil {
				return err
			}
			for _, file := range args {
				content, err := os.ReadFile(file)
				if err != nil {
					return errors.Wrapf(err, "read %s", file)
				}
				if _, err := e.conn.ExecContext(cmd.Context(), string(content)); err != nil {
					return errors.Wrapf(err, "execute %s", file)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Seeded: %s\n", file)
			}
			return nil
		},
	}
}

func teardownCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "teardown",
		Short: "Drop the mass email tables; refused while a job is pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := e.open(cmd.Context()); err != nil {
				return err
			}
			if err := e.app.Jobs.EnsureIdle(cmd.Context()); err != nil {
				return err
			}
			if err := db.DropSchema(cmd.Context(), e.conn); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Mass email tables removed.")
			return nil
		},
	}
}
