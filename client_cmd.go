package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AnishMulay/backupsvr/client"
)

type clientFlags struct {
	addr    string
	version uint8
	timeout time.Duration
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "addr", "127.0.0.1:8080", "backup server address")
	cmd.Flags().Uint8Var(&f.version, "version", client.DefaultVersion, "protocol version sent in the request header")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 30*time.Second, "request timeout")
}

func (f *clientFlags) client(user string) (*client.Client, error) {
	id, err := strconv.ParseUint(user, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid user id %q: %w", user, err)
	}
	return client.NewClient(client.ClientConfig{
		Address: f.addr,
		UserID:  uint32(id),
		Version: f.version,
		Timeout: f.timeout,
	}), nil
}

func newClientCommands() []*cobra.Command {
	return []*cobra.Command{
		newStoreCommand(),
		newFetchCommand(),
		newDeleteCommand(),
		newListCommand(),
	}
}

func newStoreCommand() *cobra.Command {
	var f clientFlags
	cmd := &cobra.Command{
		Use:   "store <user> <local-file> [remote-name]",
		Short: "Upload a file",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.client(args[0])
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			name := filepath.Base(args[1])
			if len(args) == 3 {
				name = args[2]
			}
			if err := c.Store(cmd.Context(), name, data); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%d bytes)\n", name, len(data))
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newFetchCommand() *cobra.Command {
	var f clientFlags
	cmd := &cobra.Command{
		Use:   "fetch <user> <name> [out-file]",
		Short: "Download a file, to stdout unless out-file is given",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.client(args[0])
			if err != nil {
				return err
			}
			data, err := c.Fetch(cmd.Context(), args[1])
			if err != nil {
				return err
			}
			if len(args) == 3 {
				return os.WriteFile(args[2], data, 0644)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	f.register(cmd)
	return cmd
}

func newDeleteCommand() *cobra.Command {
	var f clientFlags
	cmd := &cobra.Command{
		Use:   "delete <user> <name>",
		Short: "Delete a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.client(args[0])
			if err != nil {
				return err
			}
			if err := c.Delete(cmd.Context(), args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[1])
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newListCommand() *cobra.Command {
	var f clientFlags
	var raw bool
	cmd := &cobra.Command{
		Use:   "list <user>",
		Short: "List a user's files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.client(args[0])
			if err != nil {
				return err
			}
			listName, err := c.List(cmd.Context())
			if err != nil {
				return err
			}
			if raw {
				fmt.Fprintln(cmd.OutOrStdout(), listName)
				return nil
			}
			return printListing(cmd.Context(), c, listName, cmd)
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&raw, "raw", false, "print the generated list file name instead of its contents")
	return cmd
}

// printListing fetches the list file generated by the server and prints it.
func printListing(ctx context.Context, c *client.Client, listName string, cmd *cobra.Command) error {
	data, err := c.Fetch(ctx, listName)
	if err != nil {
		return fmt.Errorf("fetching list file %s: %w", listName, err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
