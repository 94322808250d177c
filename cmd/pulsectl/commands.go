package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"golang.org/x/term"
	"gorm.io/gorm"

	"pulse/internal"
	"pulse/internal/database"
	"pulse/internal/events"
	"pulse/internal/funnels"
	"pulse/internal/visitors"
)

var errNoApp = errors.New("app initialization failed")

// MigrateCommand runs database migrations
type MigrateCommand struct{}

func (c *MigrateCommand) Name() string        { return "migrate" }
func (c *MigrateCommand) Description() string { return "Runs database migrations" }

func (c *MigrateCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	if app == nil {
		return errNoApp
	}

	log.Println("Running database migrations...")
	if err := app.DBManager.MigrateDatabase(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	log.Println("Migrations completed successfully")
	return nil
}

// LoadDefinitionsCommand upserts goals and funnels from a YAML file
type LoadDefinitionsCommand struct{}

func (c *LoadDefinitionsCommand) Name() string { return "load-definitions" }
func (c *LoadDefinitionsCommand) Description() string {
	return "Validates and upserts goals and funnels from a YAML file"
}

func (c *LoadDefinitionsCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: %s <file.yaml>", c.Name())
	}
	if app == nil {
		return errNoApp
	}

	summary, err := app.Services.LoadDefinitions(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Loaded %d goals and %d funnels from %s\n", summary.Goals, summary.Funnels, args[0])
	return nil
}

// RotateSaltCommand forces a visitor salt rotation
type RotateSaltCommand struct{}

func (c *RotateSaltCommand) Name() string { return "rotate-salt" }
func (c *RotateSaltCommand) Description() string {
	return "Rotates the visitor salt now (running servers pick it up on restart or at midnight)"
}

func (c *RotateSaltCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	if app == nil {
		return errNoApp
	}

	services := app.Services
	services.LoadSalt(ctx)
	salt, err := visitors.RotateSalt(services.Logger(), services.DB(), services.Salts, time.Now())
	if err != nil {
		return fmt.Errorf("failed to rotate salt: %w", err)
	}
	fmt.Printf("Visitor salt rotated to version %d\n", salt.Version)
	return nil
}

// FunnelStatsCommand prints a funnel report
type FunnelStatsCommand struct{}

func (c *FunnelStatsCommand) Name() string        { return "funnel-stats" }
func (c *FunnelStatsCommand) Description() string { return "Computes a funnel report" }

func (c *FunnelStatsCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	fs := flag.NewFlagSet(c.Name(), flag.ContinueOnError)
	siteID := fs.Uint("site", 0, "site id")
	funnelID := fs.Uint("funnel", 0, "funnel id")
	fromFlag := fs.String("from", "", "start date (YYYY-MM-DD or RFC3339), default 30 days before -to")
	toFlag := fs.String("to", "", "end date (YYYY-MM-DD or RFC3339), default now")
	format := fs.String("format", "auto", "output format: auto, table or json")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *siteID == 0 || *funnelID == 0 {
		return fmt.Errorf("usage: %s -site <id> -funnel <id> [-from date] [-to date] [-format auto|table|json]", c.Name())
	}
	if app == nil {
		return errNoApp
	}

	from, to, err := reportRange(*fromFlag, *toFlag, time.Now())
	if err != nil {
		return err
	}

	result, err := app.Services.Funnels.ComputeFunnelStats(ctx, *funnelID, *siteID, from, to)
	if err != nil {
		return err
	}

	switch resolveFormat(*format, term.IsTerminal(int(os.Stdout.Fd()))) {
	case "table":
		return renderFunnelTable(os.Stdout, result)
	case "json":
		return renderFunnelJSON(os.Stdout, result)
	default:
		return fmt.Errorf("unknown format %q", *format)
	}
}

// resolveFormat picks a table for interactive terminals and JSON for pipes.
func resolveFormat(format string, interactive bool) string {
	if format != "auto" {
		return format
	}
	if interactive {
		return "table"
	}
	return "json"
}

func reportRange(fromValue, toValue string, now time.Time) (time.Time, time.Time, error) {
	to := now.UTC()
	if toValue != "" {
		parsed, dateOnly, err := parseDate(toValue)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid -to: %w", err)
		}
		to = parsed
		if dateOnly {
			to = parsed.Add(24*time.Hour - time.Nanosecond)
		}
	}

	from := to.AddDate(0, 0, -30)
	if fromValue != "" {
		parsed, _, err := parseDate(fromValue)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid -from: %w", err)
		}
		from = parsed
	}
	if from.After(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("-from must not be after -to")
	}
	return from, to, nil
}

func parseDate(value string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), false, nil
	}
	t, err := time.Parse("2006-01-02", value)
	return t, true, err
}

func renderFunnelTable(w io.Writer, result *funnels.Result) error {
	fmt.Fprintf(w, "%s (%s to %s)\n", result.Funnel.Name,
		result.From.Format(time.RFC3339), result.To.Format(time.RFC3339))
	fmt.Fprintf(w, "Sessions in cohort: %d\n\n", result.CohortSize)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSTEP\tSESSIONS\tDROPOFF\tCONVERSION")
	for i, step := range result.Steps {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%.1f%%\n", i+1, step.Name, step.Count, step.Dropoff, step.ConversionRate)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	_, err := fmt.Fprintf(w, "\nOverall conversion: %.1f%%\n", result.OverallConversionRate)
	return err
}

func renderFunnelJSON(w io.Writer, result *funnels.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// EventsCommand lists a site's events in a time window
type EventsCommand struct{}

func (c *EventsCommand) Name() string        { return "events" }
func (c *EventsCommand) Description() string { return "Lists a site's events in a time window" }

func (c *EventsCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	fs := flag.NewFlagSet(c.Name(), flag.ContinueOnError)
	siteID := fs.Uint("site", 0, "site id")
	fromFlag := fs.String("from", "", "start date (YYYY-MM-DD or RFC3339), default 30 days before -to")
	toFlag := fs.String("to", "", "end date (YYYY-MM-DD or RFC3339), default now")
	limit := fs.Int("limit", 50, "maximum number of events to list, 0 for all")
	format := fs.String("format", "auto", "output format: auto, table or json")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *siteID == 0 {
		return fmt.Errorf("usage: %s -site <id> [-from date] [-to date] [-limit n] [-format auto|table|json]", c.Name())
	}
	if app == nil {
		return errNoApp
	}

	from, to, err := reportRange(*fromFlag, *toFlag, time.Now())
	if err != nil {
		return err
	}

	db := app.Services.DB()
	total, err := events.CountInWindow(ctx, db, *siteID, from, to)
	if err != nil {
		return fmt.Errorf("failed to count events: %w", err)
	}
	rows, err := events.InWindow(ctx, db, *siteID, from, to, *limit)
	if err != nil {
		return err
	}

	switch resolveFormat(*format, term.IsTerminal(int(os.Stdout.Fd()))) {
	case "table":
		return renderEventsTable(os.Stdout, total, rows)
	case "json":
		return renderEventsJSON(os.Stdout, total, rows)
	default:
		return fmt.Errorf("unknown format %q", *format)
	}
}

func renderEventsTable(w io.Writer, total int64, rows []events.Event) error {
	fmt.Fprintf(w, "Showing %d of %d events\n\n", len(rows), total)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSESSION\tTYPE\tNAME\tPATH\tREVENUE")
	for _, e := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%.2f\n",
			e.Timestamp.Format(time.RFC3339), e.SessionID, e.EventType, e.EventName, e.Path, e.Revenue)
	}
	return tw.Flush()
}

func renderEventsJSON(w io.Writer, total int64, rows []events.Event) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Total  int64          `json:"total"`
		Events []events.Event `json:"events"`
	}{Total: total, Events: rows})
}

// StatusCommand shows row counts and connection statistics
type StatusCommand struct{}

func (c *StatusCommand) Name() string        { return "status" }
func (c *StatusCommand) Description() string { return "Shows the current system status" }

func (c *StatusCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	if app == nil {
		return errNoApp
	}

	db := app.DBManager.GetConnection()
	log.Println("System Status:")
	for _, model := range database.Models() {
		var count int64
		if err := db.WithContext(ctx).Model(model).Count(&count).Error; err != nil {
			return fmt.Errorf("database error: %w", err)
		}
		stmt := &gorm.Statement{DB: db}
		if err := stmt.Parse(model); err != nil {
			return err
		}
		log.Printf("- %s: %d", stmt.Schema.Table, count)
	}

	salt := app.Services.LoadSalt(ctx)
	log.Printf("- Visitor salt version: %d (rotated %s)", salt.Version, salt.RotatedAt.Format(time.RFC3339))

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get SQL DB: %w", err)
	}
	stats := sqlDB.Stats()
	log.Printf("- Max Open Connections: %d", stats.MaxOpenConnections)
	log.Printf("- Open Connections: %d", stats.OpenConnections)
	log.Printf("- In Use: %d", stats.InUse)
	log.Printf("- Idle: %d", stats.Idle)
	return nil
}

// HelpCommand implements a command to show usage information
type HelpCommand struct{}

func (c *HelpCommand) Name() string        { return "help" }
func (c *HelpCommand) Description() string { return "Shows usage information" }

func (c *HelpCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	printUsage(os.Stdout)
	return nil
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: pulsectl [command] [args...]")
	fmt.Fprintln(w, "Available commands:")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %s: %s\n", cmd.Name(), cmd.Description())
	}
}
