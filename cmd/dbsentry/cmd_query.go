package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/dbsentry/internal/filter"
	"github.com/yairfalse/dbsentry/internal/health"
	"github.com/yairfalse/dbsentry/internal/storage"
	"github.com/yairfalse/dbsentry/pkg/inventory"
)

var (
	queryOutput      string
	alertsOpenOnly   bool
	alertsHistoryFor string
	alertsLimit      int
	inventoryStale   bool
	inventoryLast    bool
	inventoryExclude []string
	inventoryTags    []string
	inventoryNotTags []string
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List alert states or the transition history of an instance",
	Example: `  dbsentry alerts                                      # All alert states
  dbsentry alerts --open                               # VIOLATING and ACTIVE only
  dbsentry alerts --history 111111111111/us-east-1/db  # Transitions of one instance`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := storage.Open(appConfig.Storage.Path)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		out := cmd.OutOrStdout()
		if alertsHistoryFor != "" {
			transitions, err := store.Transitions(alertsHistoryFor, alertsLimit)
			if err != nil {
				return err
			}
			if queryOutput == "json" {
				return writeJSON(out, transitions)
			}
			return printTransitions(out, transitions)
		}

		alerts, err := store.ListAlerts()
		if err != nil {
			return err
		}
		if alertsOpenOnly {
			open := alerts[:0]
			for _, a := range alerts {
				if a.IsOpen() {
					open = append(open, a)
				}
			}
			alerts = open
		}
		if queryOutput == "json" {
			return writeJSON(out, alerts)
		}
		return printAlerts(out, alerts)
	},
}

var inventoryCmd = &cobra.Command{
	Use:   "inventory",
	Short: "List inventoried instances or the last scan result",
	Example: `  dbsentry inventory                # Live instances
  dbsentry inventory --stale        # Include stale instances
  dbsentry inventory --tag env=prod --exclude-engine redis
  dbsentry inventory --last-scan    # Last scan result as JSON`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := storage.Open(appConfig.Storage.Path)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		out := cmd.OutOrStdout()
		if inventoryLast {
			result, ok, err := store.LastScanResult()
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no scan result stored in %s", store.Path())
			}
			return writeJSON(out, result)
		}

		include, err := filter.ParseTags(inventoryTags)
		if err != nil {
			return err
		}
		exclude, err := filter.ParseTags(inventoryNotTags)
		if err != nil {
			return err
		}
		f := filter.New(inventoryExclude, include, exclude)

		instances := f.Apply(store.ListInstances(inventoryStale))
		if queryOutput == "json" {
			return writeJSON(out, instances)
		}
		return printInstances(out, instances)
	},
}

func init() {
	rootCmd.AddCommand(alertsCmd, inventoryCmd)

	for _, c := range []*cobra.Command{alertsCmd, inventoryCmd} {
		c.Flags().StringVarP(&queryOutput, "output", "o", "table", "Output format: table, json")
	}
	alertsCmd.Flags().BoolVar(&alertsOpenOnly, "open", false, "Only VIOLATING and ACTIVE alerts")
	alertsCmd.Flags().StringVar(&alertsHistoryFor, "history", "", "Show transitions of one instance identity key")
	alertsCmd.Flags().IntVar(&alertsLimit, "limit", 50, "Maximum transitions to show")
	inventoryCmd.Flags().BoolVar(&inventoryStale, "stale", false, "Include stale instances")
	inventoryCmd.Flags().BoolVar(&inventoryLast, "last-scan", false, "Print the last scan result")
	inventoryCmd.Flags().StringSliceVar(&inventoryExclude, "exclude-engine", nil, "Engines to leave out")
	inventoryCmd.Flags().StringSliceVar(&inventoryTags, "tag", nil, "Only instances carrying every key=value tag")
	inventoryCmd.Flags().StringSliceVar(&inventoryNotTags, "exclude-tag", nil, "Leave out instances carrying any key=value tag")
}

func printInstances(w io.Writer, instances []inventory.InstanceRecord) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ACCOUNT\tREGION\tINSTANCE\tENGINE\tCLASS\tSTATUS\tMULTI-AZ\tSTORAGE\tLAST SEEN\tNOTE")
	for _, r := range instances {
		var notes []string
		if r.IsStale() {
			notes = append(notes, "stale since "+r.StaleSince.Format(time.RFC3339))
		}
		if r.Degraded {
			notes = append(notes, "degraded")
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s %s\t%s\t%s\t%t\t%dGB\t%s\t%s\n",
			r.AccountID, r.Region, r.InstanceID, r.Engine, r.EngineVersion, r.InstanceClass,
			r.Status, r.MultiAZ, r.StorageGB, r.LastSeenAt.Format(time.RFC3339), strings.Join(notes, ", "))
	}
	_, _ = fmt.Fprintf(tw, "\n%d instance(s)\n", len(instances))
	return tw.Flush()
}

func printAlerts(w io.Writer, alerts []health.AlertState) error {
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].Key() < alerts[j].Key() })

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "INSTANCE\tRULE\tSTATUS\tSEVERITY\tCONSECUTIVE\tLAST VALUE\tNOTIFIED\tUPDATED")
	for _, a := range alerts {
		notified := "-"
		if a.NotifiedAt != nil {
			notified = a.NotifiedAt.Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%g\t%s\t%s\n",
			a.InstanceKey, a.RuleID, a.Status, a.Severity, a.ConsecutiveViolations,
			a.LastValue, notified, a.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func printTransitions(w io.Writer, transitions []health.Transition) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "AT\tRULE\tFROM\tTO\tCONSECUTIVE\tVALUE\tSEVERITY")
	for _, t := range transitions {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%g\t%s\n",
			t.At.Format(time.RFC3339), t.RuleID, t.From, t.To, t.Consecutive, t.Value, t.Severity)
	}
	return tw.Flush()
}
