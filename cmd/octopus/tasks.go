package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"github.com/octopus-sh/octopus/pkg/types"
)

var coordinatorURL string

func apiClient() *resty.Client {
	url := coordinatorURL
	if url == "" {
		url = os.Getenv("OCTOPUS_COORDINATOR_URL")
	}
	if url == "" {
		url = "http://127.0.0.1:8130"
	}
	return resty.New().SetBaseURL(url).SetHeader("Content-Type", "application/json")
}

func init() {
	for _, c := range []*cobra.Command{taskCmd, workersCmd, paramCmd, assignCmd} {
		c.PersistentFlags().StringVar(&coordinatorURL, "coordinator", "", "coordinator base URL")
	}

	taskCreateCmd.Flags().String("owner", "", "task owner username, or ANYONE/ALL")
	taskCreateCmd.Flags().String("plugin", "", "plugin name")
	taskCreateCmd.Flags().String("action", "run", "plugin action")
	taskCreateCmd.Flags().String("type", "Adhoc", "task type (Adhoc or Schedule)")
	taskCreateCmd.Flags().String("args", "[]", "positional args as a JSON array")
	taskCreateCmd.Flags().String("kwargs", "{}", "keyword args as a JSON object")
	taskCreateCmd.Flags().Int("interval", 0, "firing interval in seconds (Schedule)")
	taskCreateCmd.Flags().Float64("start", 0, "execution window start, epoch seconds")
	taskCreateCmd.Flags().Float64("end", 0, "execution window end, epoch seconds")
	taskCreateCmd.Flags().String("cron", "", "cron expression (overrides interval)")
	taskCreateCmd.MarkFlagRequired("owner")
	taskCreateCmd.MarkFlagRequired("plugin")

	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskDeleteCmd)

	paramSetCmd.Flags().String("user", "", "acting username")
	paramSetCmd.Flags().String("category", "general", "parameter category")
	paramSetCmd.Flags().String("type", "string", "value type")
	paramSetCmd.Flags().Bool("sensitive", false, "obfuscate the value at rest")
	paramSetCmd.MarkFlagRequired("user")
	paramListCmd.Flags().String("user", "", "acting username")
	paramListCmd.MarkFlagRequired("user")
	paramCmd.AddCommand(paramSetCmd)
	paramCmd.AddCommand(paramListCmd)

	assignCmd.Flags().Bool("force", false, "skip the pass rate limit")
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a task",
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		plugin, _ := cmd.Flags().GetString("plugin")
		action, _ := cmd.Flags().GetString("action")
		kind, _ := cmd.Flags().GetString("type")
		rawArgs, _ := cmd.Flags().GetString("args")
		rawKwargs, _ := cmd.Flags().GetString("kwargs")
		interval, _ := cmd.Flags().GetInt("interval")
		start, _ := cmd.Flags().GetFloat64("start")
		end, _ := cmd.Flags().GetFloat64("end")
		cron, _ := cmd.Flags().GetString("cron")

		body := map[string]any{
			"username":             owner,
			"plugin":               plugin,
			"action":               action,
			"task_type":            kind,
			"args":                 json.RawMessage(rawArgs),
			"kwargs":               json.RawMessage(rawKwargs),
			"interval":             interval,
			"execution_start_time": start,
			"execution_end_time":   end,
			"cron":                 cron,
		}

		var out map[string]string
		resp, err := apiClient().R().SetBody(body).SetResult(&out).Post("/tasks")
		if err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("create failed: %s: %s", resp.Status(), resp.String())
		}

		fmt.Printf("Created task %s\n", out["task_id"])
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out map[string]*types.Task
		resp, err := apiClient().R().SetResult(&out).Get("/tasks")
		if err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("list failed: %s", resp.Status())
		}

		ids := make([]string, 0, len(out))
		for id := range out {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tOWNER\tTYPE\tSTATUS\tPLUGIN\tEXECUTOR")
		for _, id := range ids {
			t := out[id]
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				t.ID, t.Owner, t.Kind, t.State, t.Plugin, t.Executor)
		}
		return w.Flush()
	},
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete <task-id>",
	Short: "Delete a task and its execution history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := apiClient().R().Delete("/tasks/" + args[0])
		if err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("delete failed: %s", resp.Status())
		}
		fmt.Printf("Deleted task %s\n", args[0])
		return nil
	},
}

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List registered workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out []struct {
			types.Worker
			Liveness string `json:"liveness"`
		}
		resp, err := apiClient().R().SetResult(&out).Get("/api/workers")
		if err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("list failed: %s", resp.Status())
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "USERNAME\tHOSTNAME\tIP\tLIVENESS\tCPU%\tMEM%\tVERSION")
		for _, worker := range out {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.1f\t%.1f\t%s\n",
				worker.Username, worker.Hostname, worker.IP, worker.Liveness,
				worker.CPUPercent, worker.MemPercent, worker.ClientVersion)
		}
		return w.Flush()
	},
}

var paramCmd = &cobra.Command{
	Use:   "param",
	Short: "Manage user parameters",
}

var paramSetCmd = &cobra.Command{
	Use:   "set <name> <value>",
	Short: "Store a user parameter",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		category, _ := cmd.Flags().GetString("category")
		ptype, _ := cmd.Flags().GetString("type")
		sensitive, _ := cmd.Flags().GetBool("sensitive")

		body := map[string]any{
			"username":     user,
			"category":     category,
			"name":         args[0],
			"type":         ptype,
			"value":        args[1],
			"is_sensitive": sensitive,
		}
		resp, err := apiClient().R().
			SetHeader("X-Username", user).
			SetBody(body).
			Post("/api/params")
		if err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("set failed: %s: %s", resp.Status(), resp.String())
		}
		fmt.Printf("Stored %s/%s for %s\n", category, args[0], user)
		return nil
	},
}

var paramListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your parameters",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")

		var out []types.UserParam
		resp, err := apiClient().R().
			SetHeader("X-Username", user).
			SetResult(&out).
			Get("/api/params/" + user)
		if err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("list failed: %s", resp.Status())
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CATEGORY\tNAME\tTYPE\tVALUE")
		for _, p := range out {
			value := p.Value
			if p.IsSensitive {
				value = "********"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Category, p.Name, p.Type, value)
		}
		return w.Flush()
	},
}

var assignCmd = &cobra.Command{
	Use:   "assign",
	Short: "Trigger an assignment pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		var out map[string]any
		resp, err := apiClient().R().
			SetBody(map[string]any{"force": force}).
			SetResult(&out).
			Post("/api/tasks/assign")
		if err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("assign failed: %s: %s", resp.Status(), resp.String())
		}

		if skipped, _ := out["skipped"].(bool); skipped {
			fmt.Println("Pass skipped (rate limited); use --force to override")
			return nil
		}
		fmt.Printf("Assigned %v of %v unassigned tasks (%v active workers)\n",
			out["assigned_after"], out["unassigned_before"], out["active_workers"])
		return nil
	},
}
