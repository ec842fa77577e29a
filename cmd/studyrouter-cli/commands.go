package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	studyrouter "github.com/ferro-labs/study-router"
	"github.com/ferro-labs/study-router/internal/requestlog"
	"github.com/ferro-labs/study-router/plugin"
	"github.com/ferro-labs/study-router/routing"
)

// loadConfig reads path, or the embedded default config when path is empty.
func loadConfig(path string) (*studyrouter.Config, error) {
	if path == "" {
		return studyrouter.LoadDefaultConfig()
	}
	return studyrouter.LoadConfig(path)
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a router configuration file (JSON/YAML)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := studyrouter.LoadConfig(args[0])
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if err := studyrouter.ValidateConfig(*cfg); err != nil {
				return fmt.Errorf("validation error: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ Config is valid\n")
			fmt.Fprintf(out, "  Policies:  %d\n", len(cfg.Policies))
			for _, p := range cfg.Policies {
				fmt.Fprintf(out, "    %-20s %d model(s)\n", p.Name, len(p.LLMs))
			}
			if len(cfg.Plugins) > 0 {
				var pluginNames []string
				for _, p := range cfg.Plugins {
					status := "disabled"
					if p.Enabled {
						status = "enabled"
					}
					pluginNames = append(pluginNames, fmt.Sprintf("%s (%s)", p.Name, status))
				}
				fmt.Fprintf(out, "  Plugins:   %s\n", strings.Join(pluginNames, ", "))
			}
			return nil
		},
	}
}

func newPoliciesCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "List policies and their label to model mapping",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			svc, err := studyrouter.New(*cfg)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, p := range svc.Table().All() {
				fmt.Fprintf(tw, "%s\t(%s)\t\n", p.Name, classifierKind(p.HasRemoteClassifier()))
				for _, e := range p.Entries() {
					fmt.Fprintf(tw, "  %s\t%s\t\n", e.Label, e.Model)
				}
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (default: embedded policies)")
	return cmd
}

func classifierKind(remote bool) string {
	if remote {
		return "triton"
	}
	return "keyword"
}

func newClassifyCmd() *cobra.Command {
	var (
		configPath string
		policyName string
		strategy   string
		label      string
	)
	cmd := &cobra.Command{
		Use:   "classify <text>",
		Short: "Show which model a prompt would be routed to, without calling it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			svc, err := studyrouter.New(*cfg)
			if err != nil {
				return err
			}
			st, err := routing.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			text := strings.Join(args, " ")
			body, err := json.Marshal(map[string]interface{}{
				"model":    "",
				"messages": []map[string]string{{"role": "user", "content": text}},
			})
			if err != nil {
				return err
			}

			res, err := svc.Route(cmd.Context(), routing.Request{
				Policy:      policyName,
				Strategy:    st,
				ManualLabel: label,
				Body:        body,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "policy:     %s\n", res.Policy)
			fmt.Fprintf(out, "classifier: %s\n", res.Classifier)
			fmt.Fprintf(out, "label:      %s\n", res.Label)
			fmt.Fprintf(out, "model:      %s\n", res.Model)
			if res.FellBack {
				fmt.Fprintln(out, "fallback:   default entry")
			}
			if len(res.Scores) > 0 {
				p, _ := svc.Table().Get(res.Policy)
				for _, name := range p.Labels() {
					fmt.Fprintf(out, "  %-24s %.4f\n", name, res.Scores[name])
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (default: embedded policies)")
	cmd.Flags().StringVarP(&policyName, "policy", "p", studyrouter.DefaultPolicy, "policy name")
	cmd.Flags().StringVar(&strategy, "strategy", "auto", "routing strategy: auto, triton or manual")
	cmd.Flags().StringVar(&label, "label", "", "label for manual routing")
	return cmd
}

func newPluginsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List all registered plugins",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			names := plugin.RegisteredPlugins()
			if len(names) == 0 {
				fmt.Fprintln(out, "No plugins registered.")
				return
			}
			fmt.Fprintln(out, "Registered plugins:")
			for _, name := range names {
				factory, _ := plugin.GetFactory(name)
				p := factory()
				fmt.Fprintf(out, "  %-20s type=%s\n", name, p.Type())
			}
		},
	}
}

func newLogsCmd() *cobra.Command {
	var driver, dsn string
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Inspect the SQL request log",
	}
	cmd.PersistentFlags().StringVar(&driver, "driver", "sqlite", "request log driver: sqlite or postgres")
	cmd.PersistentFlags().StringVar(&dsn, "dsn", "", "request log DSN")

	open := func() (*requestlog.SQLWriter, error) {
		w, err := requestlog.Open(driver, dsn)
		if err != nil {
			return nil, err
		}
		sw, ok := w.(*requestlog.SQLWriter)
		if !ok {
			return nil, fmt.Errorf("driver %q has no queryable log", driver)
		}
		return sw, nil
	}

	var q requestlog.Query
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent request log entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = w.Close() }()
			page, err := w.List(cmd.Context(), q)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tSTAGE\tPOLICY\tLABEL\tMODEL\tTOKENS\tCOST\tLATENCY")
			for _, e := range page.Data {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%.6f\t%dms\n",
					e.CreatedAt.Format(time.RFC3339), e.Stage, e.Policy, e.Label, e.Model, e.TotalTokens, e.CostUSD, e.LatencyMS)
			}
			fmt.Fprintf(tw, "\n%d of %d entries\n", len(page.Data), page.Total)
			return tw.Flush()
		},
	}
	list.Flags().IntVar(&q.Limit, "limit", 50, "maximum entries")
	list.Flags().IntVar(&q.Offset, "offset", 0, "entries to skip")
	list.Flags().StringVar(&q.Stage, "stage", "", "filter by stage")
	list.Flags().StringVar(&q.Policy, "policy", "", "filter by policy")
	list.Flags().StringVar(&q.Model, "model", "", "filter by model")

	var olderThan time.Duration
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete request log entries older than a duration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			w, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = w.Close() }()
			n, err := w.Prune(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d entries\n", n)
			return nil
		},
	}
	prune.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age threshold")

	cmd.AddCommand(list, prune)
	return cmd
}
