package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/localrank/internal/heatmap"
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage accounts",
}

// -- account set --

var accountSetCmd = &cobra.Command{
	Use:   "set <account-id>",
	Short: "Create an account or change its plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		plan, _ := cmd.Flags().GetString("plan")

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.UpsertAccount(ctx, args[0], plan); err != nil {
			return eris.Wrap(err, "account set")
		}
		_, _ = fmt.Fprintf(os.Stdout, "account %s on plan %s\n", args[0], plan)
		return nil
	},
}

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage tracked projects",
}

// -- project set --

var projectSetCmd = &cobra.Command{
	Use:   "set <project-id>",
	Short: "Create or update a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		account, _ := cmd.Flags().GetString("account")
		name, _ := cmd.Flags().GetString("name")
		domain, _ := cmd.Flags().GetString("domain")
		inactive, _ := cmd.Flags().GetBool("inactive")

		if account == "" || name == "" {
			return eris.New("project set: --account and --name are required")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		p := heatmap.Project{
			ID:           args[0],
			AccountID:    account,
			BusinessName: name,
			TargetDomain: domain,
			Active:       !inactive,
		}
		if err := st.UpsertProject(ctx, p); err != nil {
			return eris.Wrap(err, "project set")
		}
		_, _ = fmt.Fprintf(os.Stdout, "project %s (%s) saved\n", p.ID, p.BusinessName)
		return nil
	},
}

func init() {
	accountSetCmd.Flags().String("plan", "free", "plan name from the plan catalog")
	accountCmd.AddCommand(accountSetCmd)

	projectSetCmd.Flags().String("account", "", "owning account id")
	projectSetCmd.Flags().String("name", "", "business name as it appears in local results")
	projectSetCmd.Flags().String("domain", "", "business website domain")
	projectSetCmd.Flags().Bool("inactive", false, "mark the project inactive")
	projectCmd.AddCommand(projectSetCmd)

	rootCmd.AddCommand(accountCmd, projectCmd)
}
