package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fipso/contextchat/internal/conversation"
	"github.com/fipso/contextchat/internal/event"
	"github.com/fipso/contextchat/internal/thinking"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Inspect chats and talk to the model from the terminal",
}

var chatListCmd = &cobra.Command{
	Use:   "list",
	Short: "List chats, most recently active first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		for _, c := range a.store.Chats() {
			flag := " "
			if c.Archived {
				flag = "a"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s  %-40s  %3d unread  %s\n",
				flag, c.ID, c.Title, c.UnreadCount, c.LastActivity.Local().Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var showThinking bool

var chatSendCmd = &cobra.Command{
	Use:   "send <chat-id|new> <text>",
	Short: "Send a message and stream the reply",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		chatID := args[0]
		if chatID == "new" {
			chat, err := a.store.CreateChat(ctx, "")
			if err != nil {
				return err
			}
			chatID = chat.ID
			fmt.Fprintf(cmd.ErrOrStderr(), "created chat %s\n", chatID)
		}

		out := cmd.OutOrStdout()
		sub := a.bus.Subscribe([]string{event.TypeChatMessageChunk}, func(ev event.Event) {
			chunk, ok := ev.Data.(event.Chunk)
			if !ok || ev.ChatID != chatID {
				return
			}
			fmt.Fprint(out, chunk.Text)
		})

		reply, err := a.store.SendMessage(ctx, chatID, strings.Join(args[1:], " "))
		// Returns once every queued chunk has been printed.
		a.bus.Unsubscribe(sub)
		fmt.Fprintln(out)

		if err != nil {
			if errors.Is(err, conversation.ErrTurnFailed) && reply != nil {
				return errors.New(reply.Content)
			}
			return err
		}
		if showThinking && reply.Thinking != nil {
			printThinking(cmd, reply.Thinking)
		}
		return nil
	},
}

func printThinking(cmd *cobra.Command, th *thinking.Thinking) {
	w := cmd.ErrOrStderr()
	fmt.Fprintf(w, "\nconfidence: %s\n", th.ConfidenceLevel)
	for _, s := range th.ReasoningSteps {
		fmt.Fprintf(w, "  - %s\n", s)
	}
	for _, a := range th.Assumptions {
		fmt.Fprintf(w, "assumption (%s): %s\n", a.Confidence, a.Text)
	}
	for _, u := range th.Uncertainties {
		fmt.Fprintf(w, "open question (%s): %s\n", u.Priority, u.Question)
	}
}

func init() {
	chatSendCmd.Flags().BoolVar(&showThinking, "thinking", false, "print the reply's reasoning to stderr")
	chatCmd.AddCommand(chatListCmd)
	chatCmd.AddCommand(chatSendCmd)
	rootCmd.AddCommand(chatCmd)
}
