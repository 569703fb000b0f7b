package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/bockthom/nntp2mbox/config"
	"github.com/bockthom/nntp2mbox/nntp"
)

// ListGroupsCmd builds the subcommand that lists the groups a news server
// carries, optionally narrowed by a wildmat pattern.
func ListGroupsCmd() *cobra.Command {
	var (
		server string
		port   int
	)

	cmd := &cobra.Command{
		Use:   "list-groups [wildmat]",
		Short: "List the newsgroups available on the server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wildmat := ""
			if len(args) == 1 {
				wildmat = args[0]
			}

			client, err := nntp.Dial(nntp.Options{Host: server, Port: port}, nil)
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Quit()
			}()

			groups, err := client.ListActive(wildmat)
			if err != nil {
				return fmt.Errorf("list groups: %w", err)
			}

			sort.Slice(groups, func(i, j int) bool {
				return groups[i].Name < groups[j].Name
			})

			for _, group := range groups {
				fmt.Printf("%s\t%d-%d\t(%d articles)\n", group.Name, group.First, group.Last, group.Count)
			}
			fmt.Printf("%d groups\n", len(groups))

			return nil
		},
	}

	cmd.Flags().StringVarP(&server, "server", "S", config.DefaultServer, "News server hostname")
	cmd.Flags().IntVar(&port, "port", 119, "News server port")

	return cmd
}
