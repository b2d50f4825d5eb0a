package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			docs, err := a.service.ListDocuments(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(docs) == 0 {
				fmt.Fprintln(out, "no documents")
				return nil
			}
			for _, d := range docs {
				status := string(d.Status)
				if d.Status == "error" && d.Error != "" {
					status = fmt.Sprintf("error (%s)", d.Error)
				}
				fmt.Fprintf(out, "%s  %-10s  %6d bytes  %s\n", d.ID, status, d.Size, d.Title)
			}
			return nil
		},
	}
}
