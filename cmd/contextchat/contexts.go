package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fipso/contextchat/internal/conversation"
	"github.com/fipso/contextchat/internal/storage"
)

var contextsCmd = &cobra.Command{
	Use:     "contexts",
	Aliases: []string{"ctx"},
	Short:   "Manage the context library",
}

var contextsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List contexts, most recently updated first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		printContexts(cmd, a.store.Contexts())
		return nil
	},
}

var contextsSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search titles, descriptions and tags",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		found, err := a.store.SearchContexts(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		printContexts(cmd, found)
		return nil
	},
}

var (
	addDescription string
	addType        string
	addCategory    string
	addTags        []string
	addFile        string
)

var contextsAddCmd = &cobra.Command{
	Use:   "add <title> [content]",
	Short: "Add a context from text or a file",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := conversation.ContextInput{
			Title:       args[0],
			Description: addDescription,
			Type:        addType,
			Category:    addCategory,
			Tags:        addTags,
		}
		switch {
		case addFile != "":
			data, err := os.ReadFile(addFile)
			if err != nil {
				return err
			}
			in.Content = string(data)
		case len(args) == 2:
			in.Content = args[1]
		}

		a, err := openApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		c, err := a.store.CreateContext(cmd.Context(), in)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), c.ID)
		return nil
	},
}

var contextsGenerateCmd = &cobra.Command{
	Use:   "generate <prompt>",
	Short: "Draft a context with the model and save it",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		c, err := a.store.GenerateContext(cmd.Context(), strings.Join(args, " "), "")
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", c.ID, c.Title)
		return nil
	},
}

var contextsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a context and detach it from every chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		return a.store.DeleteContext(cmd.Context(), args[0])
	},
}

func printContexts(cmd *cobra.Command, list []storage.Context) {
	for _, c := range list {
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %-9s  %-40s  used %d  [%s]\n",
			c.ID, c.Type, c.Title, c.UsageCount, strings.Join(c.Tags, ", "))
	}
}

func init() {
	contextsAddCmd.Flags().StringVarP(&addDescription, "description", "d", "", "short description")
	contextsAddCmd.Flags().StringVarP(&addType, "type", "t", "", "knowledge, document or chat (default knowledge)")
	contextsAddCmd.Flags().StringVar(&addCategory, "category", "", "category")
	contextsAddCmd.Flags().StringSliceVar(&addTags, "tag", nil, "tag (repeatable)")
	contextsAddCmd.Flags().StringVarP(&addFile, "file", "f", "", "read content from file")

	contextsCmd.AddCommand(contextsListCmd)
	contextsCmd.AddCommand(contextsSearchCmd)
	contextsCmd.AddCommand(contextsAddCmd)
	contextsCmd.AddCommand(contextsGenerateCmd)
	contextsCmd.AddCommand(contextsDeleteCmd)
	rootCmd.AddCommand(contextsCmd)
}
