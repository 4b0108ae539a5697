package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var bulkCmd = &cobra.Command{
	Use:   "bulk",
	Short: "Run or stop up to 50 automations in one request",
	RunE: func(cmd *cobra.Command, args []string) error {
		action, _ := cmd.Flags().GetString("action")
		raw, _ := cmd.Flags().GetString("ids")
		ids := splitIDs(raw)
		client, err := clientFromFlags(cmd)
		if err != nil {
			return err
		}
		resp, err := client.BulkAction(action, ids)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tRESULT\tSTATUS\tEXECUTION\tERROR")
		for _, r := range resp.Results {
			result := "ok"
			if !r.Success {
				result = "failed"
			}
			status := "-"
			if r.WebhookStatus != 0 {
				status = fmt.Sprintf("%d", r.WebhookStatus)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, result, status, dash(r.ExecutionID), dash(r.Error))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(out, "\n%s: %d succeeded, %d failed in %dms\n",
			resp.Action, resp.Summary.Successful, resp.Summary.Failed, resp.ExecutionTime)
		return nil
	},
}

func splitIDs(raw string) []string {
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	rootCmd.AddCommand(bulkCmd)
	bulkCmd.Flags().String("action", "", "run or stop")
	bulkCmd.Flags().String("ids", "", "comma-separated automation ids")
	_ = bulkCmd.MarkFlagRequired("action")
	_ = bulkCmd.MarkFlagRequired("ids")
	addClientFlags(bulkCmd)
}
