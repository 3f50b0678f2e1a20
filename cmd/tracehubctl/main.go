package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xiaot623/tracehub/internal/domain"
)

var rootCmd = &cobra.Command{
	Use:   "tracehubctl",
	Short: "TraceHub CLI",
	Long: `tracehubctl queries a running tracehub server over its HTTP API.

Point it at the server with --server or TRACEHUB_SERVER, then inspect
recent events, execution metrics, session hierarchies, and live agents.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TRACEHUB")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("server", "s", "http://localhost:4000", "tracehub server base URL")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Duration("timeout", 10*time.Second, "request timeout")
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
}

func registerCommands() {
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(metricsCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(relationshipsCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(resyncCmd())
}

// apiGet fetches path from the configured server and decodes the JSON body
// into out. Query parameters with empty values are dropped.
func apiGet(path string, query url.Values, out any) error {
	base := strings.TrimRight(viper.GetString("server"), "/")
	u := base + path
	for k, vs := range query {
		if len(vs) == 0 || vs[0] == "" {
			delete(query, k)
		}
	}
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	client := &http.Client{Timeout: viper.GetDuration("timeout")}
	resp, err := client.Get(u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiPost(path string, body, out any) error {
	base := strings.TrimRight(viper.GetString("server"), "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	client := &http.Client{Timeout: viper.GetDuration("timeout")}
	resp, err := client.Post(base+path, "application/json", &buf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, payload.Error)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect recent events",
	}
	cmd.AddCommand(eventsRecentCmd())
	cmd.AddCommand(eventsSessionCmd())
	return cmd
}

func eventsRecentCmd() *cobra.Command {
	var (
		app       string
		eventType string
		wave      string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "List the most recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Events []domain.Event `json:"events"`
			}
			q := url.Values{}
			q.Set("app", app)
			q.Set("type", eventType)
			q.Set("wave", wave)
			q.Set("limit", fmt.Sprintf("%d", limit))
			if err := apiGet("/events/recent", q, &out); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(out.Events)
			}
			renderEvents(out.Events)
			return nil
		},
	}
	cmd.Flags().StringVar(&app, "app", "", "filter by source app")
	cmd.Flags().StringVar(&eventType, "type", "", "filter by hook event type")
	cmd.Flags().StringVar(&wave, "wave", "", "filter by wave id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events to return")
	return cmd
}

func eventsSessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "session <session-id>",
		Short: "List events for one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				SessionID string         `json:"session_id"`
				Events    []domain.Event `json:"events"`
			}
			if err := apiGet("/events/session/"+url.PathEscape(args[0]), nil, &out); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(out.Events)
			}
			renderEvents(out.Events)
			return nil
		},
	}
}

func renderEvents(events []domain.Event) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Time", "App", "Session", "Type", "Summary"})
	for _, ev := range events {
		tw.AppendRow(table.Row{
			ev.ID,
			ev.Timestamp.Local().Format("15:04:05"),
			ev.SourceApp,
			shorten(ev.SessionID, 20),
			ev.HookEventType,
			shorten(ev.Summary, 40),
		})
	}
	tw.Render()
}

func metricsCmd() *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show the execution summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out domain.MetricsSummary
			q := url.Values{}
			q.Set("since", sinceParam(since))
			if err := apiGet("/metrics", q, &out); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(out)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendRow(table.Row{"Since", out.Since.Local().Format(time.RFC3339)})
			tw.AppendRow(table.Row{"Executions", out.Executions})
			tw.AppendRow(table.Row{"Succeeded", out.SuccessCount})
			tw.AppendRow(table.Row{"Failed", out.FailureCount})
			tw.AppendRow(table.Row{"Avg duration", fmt.Sprintf("%.0fms", out.AvgDurationMs)})
			tw.AppendRow(table.Row{"Tokens", out.TotalTokens})
			tw.AppendRow(table.Row{"Cost", fmt.Sprintf("$%.4f", out.TotalCostUSD)})
			tw.AppendRow(table.Row{"Served from", tierName(out.FromAccelerator)})
			tw.Render()
			return nil
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "look-back window")
	cmd.AddCommand(metricsTimelineCmd())
	cmd.AddCommand(metricsDistributionCmd())
	cmd.AddCommand(metricsToolsCmd())
	return cmd
}

func metricsTimelineCmd() *cobra.Command {
	var (
		since  time.Duration
		bucket time.Duration
	)
	cmd := &cobra.Command{
		Use:   "timeline",
		Short: "Show execution counts per time bucket",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Timeline []domain.TimelineBucket `json:"timeline"`
			}
			q := url.Values{}
			q.Set("since", sinceParam(since))
			q.Set("bucket", bucket.String())
			if err := apiGet("/metrics/timeline", q, &out); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(out.Timeline)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Bucket", "Count", "Succeeded", "Failed"})
			for _, b := range out.Timeline {
				tw.AppendRow(table.Row{b.Bucket.Local().Format("01-02 15:04"), b.Count, b.SuccessCount, b.FailureCount})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "look-back window")
	cmd.Flags().DurationVar(&bucket, "bucket", time.Hour, "bucket width")
	return cmd
}

func metricsDistributionCmd() *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "distribution",
		Short: "Show execution counts per agent type",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Distribution []domain.AgentTypeCount `json:"distribution"`
			}
			q := url.Values{}
			q.Set("since", sinceParam(since))
			if err := apiGet("/metrics/distribution", q, &out); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(out.Distribution)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Agent type", "Count"})
			for _, d := range out.Distribution {
				tw.AppendRow(table.Row{d.AgentType, d.Count})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "look-back window")
	return cmd
}

func metricsToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Show tool usage counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Tools []domain.ToolUsageStat `json:"tools"`
			}
			if err := apiGet("/metrics/tools", nil, &out); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(out.Tools)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Tool", "Uses", "Failures"})
			for _, t := range out.Tools {
				tw.AppendRow(table.Row{t.ToolName, t.Count, t.FailureCount})
			}
			tw.Render()
			return nil
		},
	}
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect sessions and their hierarchy",
	}
	cmd.AddCommand(sessionGetCmd())
	cmd.AddCommand(sessionTreeCmd())
	return cmd
}

func sessionGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <session-id>",
		Short: "Show one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out domain.Session
			if err := apiGet("/sessions/"+url.PathEscape(args[0]), nil, &out); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(out)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendRow(table.Row{"Session", out.SessionID})
			tw.AppendRow(table.Row{"App", out.SourceApp})
			tw.AppendRow(table.Row{"Type", out.SessionType})
			tw.AppendRow(table.Row{"Parent", out.ParentSessionID})
			tw.AppendRow(table.Row{"Status", out.Status})
			tw.AppendRow(table.Row{"Started", out.StartTime.Local().Format(time.RFC3339)})
			if out.EndTime != nil {
				tw.AppendRow(table.Row{"Ended", out.EndTime.Local().Format(time.RFC3339)})
				tw.AppendRow(table.Row{"Duration", fmt.Sprintf("%dms", out.DurationMs)})
			}
			tw.Render()
			return nil
		},
	}
}

func sessionTreeCmd() *cobra.Command {
	var maxDepth int
	cmd := &cobra.Command{
		Use:   "tree <session-id>",
		Short: "Show the spawn tree rooted at a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out domain.HierarchyNode
			q := url.Values{}
			q.Set("max_depth", fmt.Sprintf("%d", maxDepth))
			if err := apiGet("/sessions/"+url.PathEscape(args[0])+"/hierarchy", q, &out); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(out)
			}
			printTree(&out, "")
			return nil
		},
	}
	cmd.Flags().IntVar(&maxDepth, "max-depth", 10, "maximum tree depth")
	return cmd
}

func printTree(node *domain.HierarchyNode, indent string) {
	if node == nil || node.Session == nil {
		return
	}
	s := node.Session
	fmt.Printf("%s%s [%s] %s\n", indent, s.SessionID, s.SessionType, s.Status)
	for _, child := range node.Children {
		printTree(child, indent+"  ")
	}
}

func agentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List active and recently completed agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Active            []domain.ActiveAgentStatus `json:"active"`
				RecentlyCompleted []domain.ActiveAgentStatus `json:"recently_completed"`
			}
			if err := apiGet("/agents/active", nil, &out); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(out)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Agent", "Type", "Session", "Status", "Started", "Duration"})
			for _, a := range append(out.Active, out.RecentlyCompleted...) {
				dur := ""
				if a.DurationMs > 0 {
					dur = fmt.Sprintf("%dms", a.DurationMs)
				}
				tw.AppendRow(table.Row{a.AgentName, a.AgentType, shorten(a.SessionID, 20), a.Status, a.StartTime.Local().Format("15:04:05"), dur})
			}
			tw.Render()
			return nil
		},
	}
}

func relationshipsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relationships",
		Short: "Show spawn relationship statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out domain.RelationshipStats
			if err := apiGet("/relationships/stats", nil, &out); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(out)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendRow(table.Row{"Total", out.TotalRelationships})
			tw.AppendRow(table.Row{"Avg depth", fmt.Sprintf("%.2f", out.AvgDepth)})
			tw.AppendRow(table.Row{"Max depth", out.MaxDepth})
			tw.AppendRow(table.Row{"Completion rate", fmt.Sprintf("%.0f%%", out.CompletionRate*100)})
			for typ, n := range out.ByType {
				tw.AppendRow(table.Row{"Type " + typ, n})
			}
			tw.Render()
			return nil
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show storage tier health",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out domain.HealthReport
			if err := apiGet("/health", nil, &out); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(out)
			}
			fmt.Printf("durable=%s accelerator=%s overall=%s\n", out.Durable, out.Accelerator, out.Overall)
			return nil
		},
	}
}

func resyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resync",
		Short: "Force a rebuild of the accelerator cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Resynced bool `json:"resynced"`
			}
			if err := apiPost("/cache/resync", nil, &out); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(out)
			}
			if out.Resynced {
				fmt.Println("cache resynced")
			} else {
				fmt.Println("resync skipped")
			}
			return nil
		},
	}
}

func sinceParam(d time.Duration) string {
	return time.Now().Add(-d).UTC().Format(time.RFC3339)
}

func tierName(fromAccelerator bool) string {
	if fromAccelerator {
		return "accelerator"
	}
	return "durable"
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
