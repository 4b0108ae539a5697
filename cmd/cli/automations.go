package cli

import (
	"fmt"
	"net/url"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var automationsCmd = &cobra.Command{
	Use:   "automations",
	Short: "Inspect automations",
}

var automationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your automations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := clientFromFlags(cmd)
		if err != nil {
			return err
		}
		q := url.Values{}
		for _, key := range []string{"status", "search", "sort", "order"} {
			if v, _ := cmd.Flags().GetString(key); v != "" {
				q.Set(key, v)
			}
		}
		if page, _ := cmd.Flags().GetInt("page"); page > 0 {
			q.Set("page", strconv.Itoa(page))
		}

		page, err := client.ListAutomations(q)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tLAST RUN")
		for _, a := range page.Data {
			last := "-"
			if a.LastRunAt != nil {
				last = a.LastRunAt.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.ID, a.Name, a.LastRunStatus, last)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(out, "\npage %d/%d, %d total\n", page.Page, page.Pages, page.Total)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(automationsCmd)
	automationsCmd.AddCommand(automationsListCmd)
	automationsListCmd.Flags().String("status", "", "filter by last run status")
	automationsListCmd.Flags().String("search", "", "match name or description")
	automationsListCmd.Flags().String("sort", "", "name, created_at or last_run_at")
	automationsListCmd.Flags().String("order", "", "asc or desc")
	automationsListCmd.Flags().Int("page", 0, "page number")
	addClientFlags(automationsListCmd)
}
