package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/medtrack/internal/config"
	"github.com/ehr/medtrack/internal/domain/followup"
	"github.com/ehr/medtrack/internal/domain/prescription"
	"github.com/ehr/medtrack/internal/domain/scan"
	"github.com/ehr/medtrack/internal/domain/tracking"
	"github.com/ehr/medtrack/internal/platform/apiclient"
	"github.com/ehr/medtrack/internal/platform/metrics"
	"github.com/ehr/medtrack/internal/platform/session"
)

// clientEnv is a signed-in session against the configured backend.
type clientEnv struct {
	cfg    *config.Config
	logger zerolog.Logger
	loc    *time.Location
	role   session.Role
	client *prescription.Client
}

func newClientEnv() (*clientEnv, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.RequireClient(); err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	refreshURL, err := cfg.TokenRefreshURL()
	if err != nil {
		return nil, err
	}

	s, err := session.FromTokens(cfg.AccessToken, cfg.RefreshToken)
	if err != nil {
		return nil, err
	}
	if s.Role == "" {
		return nil, errors.New("ACCESS_TOKEN carries no patient, caregiver or doctor role")
	}
	store := session.NewStore(s)

	api, err := apiclient.New(apiclient.Config{
		BaseURL: cfg.BackendURL,
		Timeout: cfg.HTTPTimeout(),
		RPS:     cfg.ClientRPS,
		Burst:   cfg.ClientBurst,
		Session: store.Current,
		Refresh: session.TokenRefresher(store, &http.Client{Timeout: cfg.HTTPTimeout()}, refreshURL),
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	return &clientEnv{cfg: cfg, logger: logger, loc: loc, role: s.Role, client: prescription.NewClient(api)}, nil
}

func (env *clientEnv) viewModel(selected *uuid.UUID) (*tracking.ViewModel, error) {
	variant, err := tracking.VariantFor(env.role, selected)
	if err != nil {
		return nil, err
	}
	return tracking.New(env.client, variant, tracking.Options{Directory: env.client, Logger: env.logger}), nil
}

func (env *clientEnv) followUps(onCreated func(uuid.UUID)) *followup.Manager {
	return followup.NewManager(env.client, followup.Options{
		Location:  env.loc,
		Logger:    env.logger,
		OnCreated: onCreated,
	})
}

func parseID(name, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s: %w", name, err)
	}
	return id, nil
}

func optionalID(cmd *cobra.Command, flag string) (*uuid.UUID, error) {
	raw, _ := cmd.Flags().GetString(flag)
	if raw == "" {
		return nil, nil
	}
	id, err := parseID("--"+flag, raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func formatTime(t *time.Time, loc *time.Location) string {
	if t == nil {
		return "-"
	}
	return t.In(loc).Format("2006-01-02 15:04")
}

// -- meds --

func medsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "meds",
		Short: "Show medications with supply, compliance and risk",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newClientEnv()
			if err != nil {
				return err
			}
			patientID, err := optionalID(cmd, "patient")
			if err != nil {
				return err
			}
			vm, err := env.viewModel(patientID)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if vm.Variant().SelectsPatient() && patientID == nil {
				fmt.Println("Select a patient with --patient:")
				w := newTable()
				fmt.Fprintln(w, "ID\tNAME")
				for _, p := range vm.Patients(ctx) {
					fmt.Fprintf(w, "%s\t%s\n", p.ID, p.Name)
				}
				return w.Flush()
			}

			if err := vm.Load(ctx); err != nil {
				return err
			}
			fmt.Println(vm.Variant().Title())
			w := newTable()
			fmt.Fprintln(w, "ID\tNAME\tDOSAGE\tFREQUENCY\tSUPPLY\tCOMPLIANCE\tRISK\tPENDING\tFLAGS")
			for _, card := range vm.Cards() {
				m := card.Medication
				var flags []string
				if card.IsDepleted {
					flags = append(flags, "depleted")
				} else if card.NeedsRefill {
					flags = append(flags, "refill")
				}
				rate := "-"
				if card.ComplianceRate != nil {
					rate = fmt.Sprintf("%.0f%%", *card.ComplianceRate)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\t%d\t%s\n",
					m.ID, m.Name, m.Dosage, m.Frequency,
					m.RemainingQuantity, m.TotalQuantity,
					rate, card.RiskLevel, card.PendingFollowUps,
					strings.Join(flags, ","))
			}
			return w.Flush()
		},
	}
	cmd.Flags().String("patient", "", "Patient to show (caregivers and doctors)")
	return cmd
}

// -- log-dose --

func logDoseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log-dose MEDICATION_ID",
		Short: "Record one dose of a medication",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newClientEnv()
			if err != nil {
				return err
			}
			id, err := parseID("medication id", args[0])
			if err != nil {
				return err
			}
			notes, _ := cmd.Flags().GetString("notes")
			vm, err := env.viewModel(nil)
			if err != nil {
				return err
			}
			if _, err := vm.LogDose(cmd.Context(), id, notes); err != nil {
				a := prescription.AlertFor("log medication intake", err)
				return errors.New(a.Message)
			}
			fmt.Println("Medication intake logged successfully!")
			if m, ok := vm.Medication(id); ok {
				fmt.Printf("%s: %d of %d remaining.\n", m.Name, m.RemainingQuantity, m.TotalQuantity)
			}
			return nil
		},
	}
	cmd.Flags().String("notes", "", "Notes for this dose")
	return cmd
}

// -- history --

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history MEDICATION_ID",
		Short: "Show every logged dose of a medication, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newClientEnv()
			if err != nil {
				return err
			}
			id, err := parseID("medication id", args[0])
			if err != nil {
				return err
			}
			vm, err := env.viewModel(nil)
			if err != nil {
				return err
			}
			logs, err := vm.History(cmd.Context(), id)
			if err != nil {
				return err
			}
			w := newTable()
			fmt.Fprintln(w, "TAKEN AT\tDOSES\tNOTES")
			for _, l := range logs {
				fmt.Fprintf(w, "%s\t%d\t%s\n", formatTime(&l.TakenAt, env.loc), l.DosesTaken, l.Notes)
			}
			return w.Flush()
		},
	}
}

// -- followups --

func followUpsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "followups",
		Aliases: []string{"follow-ups"},
		Short:   "List and manage follow-ups",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List follow-ups, soonest due first",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newClientEnv()
			if err != nil {
				return err
			}
			status, _ := cmd.Flags().GetString("status")
			reason, _ := cmd.Flags().GetString("reason")
			filter := prescription.FollowUpFilter{Status: prescription.Status(status), Reason: prescription.Reason(reason)}
			if filter.Status != "" && !filter.Status.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			if filter.Reason != "" && !filter.Reason.Valid() {
				return fmt.Errorf("unknown reason %q", reason)
			}

			mgr := env.followUps(nil)
			if err := mgr.SetFilter(cmd.Context(), filter); err != nil {
				return err
			}
			w := newTable()
			fmt.Fprintln(w, "ID\tMEDICATION\tPATIENT\tREASON\tSTATUS\tDUE\tNOTES")
			for _, f := range mgr.Items() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					f.ID, f.MedicationLabel(), f.PatientName, f.Reason.Label(), f.Status,
					formatTime(f.Due(), env.loc), f.Notes)
			}
			return w.Flush()
		},
	}
	listCmd.Flags().String("status", "", "pending, completed or canceled")
	listCmd.Flags().String("reason", "", "high_risk, refill_needed, no_logs or low_compliance")
	cmd.AddCommand(listCmd)

	createCmd := &cobra.Command{
		Use:   "create MEDICATION_ID",
		Short: "Create a follow-up for a medication",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newClientEnv()
			if err != nil {
				return err
			}
			id, err := parseID("medication id", args[0])
			if err != nil {
				return err
			}
			reason, _ := cmd.Flags().GetString("reason")
			notes, _ := cmd.Flags().GetString("notes")
			date, _ := cmd.Flags().GetString("date")
			clock, _ := cmd.Flags().GetString("time")
			ctx := cmd.Context()

			mgr := env.followUps(nil)
			form := followup.Form{MedicationID: id}
			if reason == "" {
				// Preselect the suggested reason when the medication is visible.
				meds, err := env.client.FetchPrescriptions(ctx, nil)
				if err != nil {
					return err
				}
				for i := range meds {
					if meds[i].ID == id {
						form = mgr.OpenForm(&meds[i])
						break
					}
				}
			} else if form.Reason = prescription.Reason(reason); !form.Reason.Valid() {
				return fmt.Errorf("unknown reason %q", reason)
			}
			form.Notes, form.Date, form.Time = notes, date, clock

			created, err := mgr.Create(ctx, form)
			if err != nil {
				if a, ok := mgr.Alert(); ok {
					return errors.New(a.Message)
				}
				return err
			}
			fmt.Printf("Created follow-up %s (%s), due %s.\n", created.ID, created.Reason.Label(), formatTime(created.Due(), env.loc))
			return nil
		},
	}
	createCmd.Flags().String("reason", "", "Follow-up reason; defaults to the suggested one")
	createCmd.Flags().String("notes", "", "Notes")
	createCmd.Flags().String("date", "", "Scheduled date, YYYY-MM-DD")
	createCmd.Flags().String("time", "", "Scheduled time, HH:MM")
	cmd.AddCommand(createCmd)

	cmd.AddCommand(transitionCmd("complete", "Mark a pending follow-up completed", (*followup.Manager).Complete))
	cmd.AddCommand(transitionCmd("cancel", "Cancel a pending follow-up", (*followup.Manager).Cancel))
	return cmd
}

type transitionFunc func(*followup.Manager, context.Context, uuid.UUID) (followup.Outcome, error)

func transitionCmd(use, short string, run transitionFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " FOLLOW_UP_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newClientEnv()
			if err != nil {
				return err
			}
			id, err := parseID("follow-up id", args[0])
			if err != nil {
				return err
			}
			mgr := env.followUps(nil)
			outcome, err := run(mgr, cmd.Context(), id)
			switch outcome {
			case followup.OutcomeDone:
				fmt.Println("Follow-up updated.")
			case followup.OutcomeAlreadyHandled:
				a, _ := mgr.Alert()
				fmt.Println(a.Message)
			default:
				if a, ok := mgr.Alert(); ok {
					return errors.New(a.Message)
				}
			}
			return err
		},
	}
}

// -- at-risk --

func atRiskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "at-risk",
		Short: "List medications at high or medium risk",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newClientEnv()
			if err != nil {
				return err
			}
			if !env.role.ManagesFollowUps() {
				return errors.New("at-risk medications are available to caregivers and doctors")
			}
			mgr := env.followUps(nil)
			ctx := cmd.Context()
			meds, err := mgr.AtRisk(ctx)
			if err != nil {
				return err
			}

			quick, _ := cmd.Flags().GetBool("quick-create")
			w := newTable()
			fmt.Fprintln(w, "ID\tPATIENT\tMEDICATION\tRISK\tSCORE\tPENDING")
			for i := range meds {
				m := &meds[i]
				score := 0.0
				if m.NoncomplianceRisk != nil {
					score = *m.NoncomplianceRisk
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\t%d\n", m.ID, m.PatientName, m.Name, m.RiskLevel, score, m.PendingFollowUpsCount)
				if quick && m.PendingFollowUpsCount == 0 {
					if _, err := mgr.QuickCreate(ctx, m); err != nil {
						env.logger.Warn().Err(err).Str("medication_id", m.ID.String()).Msg("quick follow-up failed")
					}
				}
			}
			return w.Flush()
		},
	}
	cmd.Flags().Bool("quick-create", false, "Schedule a follow-up for tomorrow 10:00 for each listed medication without one")
	return cmd
}

// -- scan --

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Ask the backend to create the follow-ups compliance rules call for",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newClientEnv()
			if err != nil {
				return err
			}
			report, err := scan.NewTrigger(env.client, env.role, env.logger).Run(cmd.Context())
			if err != nil {
				return err
			}
			printScan(report)
			return nil
		},
	}
}

func printScan(r *scan.Report) {
	w := newTable()
	fmt.Fprintln(w, "REASON\tCREATED")
	for _, reason := range prescription.Reasons {
		fmt.Fprintf(w, "%s\t%d\n", reason.Label(), r.Created[reason])
	}
	_ = w.Flush()
	fmt.Println(r.Summary())
}

// -- serve --

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the tracking view for this session as JSON under /ui",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newClientEnv()
			if err != nil {
				return err
			}
			port, _ := cmd.Flags().GetString("port")

			vm, err := env.viewModel(nil)
			if err != nil {
				return err
			}
			mgr := env.followUps(vm.NotePendingFollowUp)
			trigger := scan.NewTrigger(env.client, env.role, env.logger)
			defer vm.Close()
			defer mgr.Close()

			if err := vm.Load(cmd.Context()); err != nil {
				env.logger.Warn().Err(err).Msg("initial load failed")
			}

			e := newEcho(env.cfg, env.logger)
			e.Use(metrics.Middleware())
			e.GET("/health", func(c echo.Context) error {
				return c.JSON(http.StatusOK, map[string]string{"status": "ok", "role": string(env.role)})
			})
			e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
			tracking.NewHandler(vm, mgr, trigger, env.logger).RegisterRoutes(e.Group("/ui"))

			return serveUntilSignal(e, port, env.logger)
		},
	}
	cmd.Flags().String("port", "8080", "Port to listen on")
	return cmd
}
