package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/drblury/idflow"
)

func newDirectoryCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "directory",
		Short: "Manage the SQL directory a responder serves",
	}
	cmd.AddCommand(newDirectoryPutCmd(root))
	return cmd
}

func newDirectoryPutCmd(root *rootOptions) *cobra.Command {
	var (
		kindName string
		id       int64
		name     string
	)
	cmd := &cobra.Command{
		Use:     "put",
		Short:   "Insert or update one identity",
		Example: `  IDFLOW_DIRECTORY_DSN=file:users.db idflow directory put --kind user --id 42 --name alice`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kind, err := idflow.ParseKind(kindName)
			if err != nil {
				return err
			}
			conf, err := root.loadConfig()
			if err != nil {
				return err
			}
			dir, err := openSQLDirectory(cmd.Context(), conf, true)
			if err != nil {
				return err
			}
			defer func() { _ = dir.Close() }()

			if err := dir.Insert(cmd.Context(), kind, id, name); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %s %d\n", kind, id)
			return nil
		},
	}
	cmd.Flags().StringVar(&kindName, "kind", "", "identity kind (user, player, creator)")
	cmd.Flags().Int64Var(&id, "id", 0, "subject id")
	cmd.Flags().StringVar(&name, "name", "", "resolved name")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}
