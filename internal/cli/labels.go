package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newLabelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "labels",
		Short: "List and manage labels",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer rt.Close()

			labels, err := rt.labels().Labels(cmd.Context())
			if err != nil {
				return err
			}

			if jsonFlag {
				return printJSON(toJSONLabels(labels))
			}
			if len(labels) == 0 {
				fmt.Println("No labels found. Run 'mailsync sync' first.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCOLOR\tTYPE\tSYNC")
			for _, l := range labels {
				typ := "user"
				if l.IsSystem {
					typ = "system"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", l.ID, l.Name, l.Color, typ, l.Sync.Status)
			}
			return w.Flush()
		},
	}
	cmd.AddCommand(newLabelCreateCmd())
	cmd.AddCommand(newLabelRenameCmd())
	cmd.AddCommand(newLabelColorCmd())
	cmd.AddCommand(newLabelDeleteCmd())
	return cmd
}

func newLabelCreateCmd() *cobra.Command {
	var colorFlag string

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a label",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer rt.Close()

			l, err := rt.labels().CreateLabel(cmd.Context(), args[0], colorFlag)
			if err != nil {
				return err
			}
			return printAction(jsonAction{Action: "label-create", LabelID: l.ID}, fmt.Sprintf("Label created: %s", l.ID))
		},
	}

	cmd.Flags().StringVar(&colorFlag, "color", "", "color as #RRGGBB")
	return cmd
}

func newLabelRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <label-id> <name>",
		Short: "Rename a label and every mail carrying it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer rt.Close()

			l, err := rt.labels().RenameLabel(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printAction(jsonAction{Action: "label-rename", LabelID: l.ID}, fmt.Sprintf("Label renamed to %s.", l.Name))
		},
	}
}

func newLabelColorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "color <label-id> <#RRGGBB>",
		Short: "Change the color of a label",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer rt.Close()

			l, err := rt.labels().SetLabelColor(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printAction(jsonAction{Action: "label-color", LabelID: l.ID}, "Label color updated.")
		},
	}
}

func newLabelDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <label-id>",
		Short: "Delete a label and remove it from every mail",
		Long:  "Delete a label. Labels known to the server are deleted there first, so this needs a connection.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.labels().DeleteLabel(cmd.Context(), args[0]); err != nil {
				return err
			}
			return printAction(jsonAction{Action: "label-delete", LabelID: args[0]}, "Label deleted.")
		},
	}
}
