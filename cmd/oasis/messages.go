package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	oasis "github.com/adrata/oasis-go"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	jsonOutput bool

	// history
	historyPages int

	// send
	sendReplyTo string

	// tail
	tailMarkRead bool
)

func init() {
	rootCmd.AddCommand(historyCmd, sendCmd, editCmd, deleteCmd, reactCmd, threadCmd, tailCmd)

	for _, c := range []*cobra.Command{historyCmd, sendCmd, editCmd, threadCmd} {
		c.Flags().BoolVar(&jsonOutput, "json", false, "Print raw JSON")
	}
	historyCmd.Flags().IntVarP(&historyPages, "pages", "n", 1, "Number of pages to load, newest first")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "Post as a thread reply to this message id")
	reactCmd.Flags().Bool("remove", false, "Remove the reaction instead of adding it")
	tailCmd.Flags().BoolVar(&tailMarkRead, "mark-read", false, "Send read receipts for messages as they arrive")
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// oneShot opens scopeArg without a push transport for a single request.
func oneShot(scopeArg string) (*session, context.Context, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	s, err := openSession(ctx, scopeArg, false)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return s, ctx, cancel, nil
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <scope>",
	Short: "Print the newest messages of a conversation",
	Long:  "Print the newest messages of a channel or DM.\nScope is <workspace>/channel/<id> or <workspace>/dm/<id>.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, ctx, cancel, err := oneShot(args[0])
		if err != nil {
			return err
		}
		defer cancel()
		defer s.Close()

		for i := 1; i < historyPages && s.HasMore(); i++ {
			if _, err := s.LoadMore(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Stopped after %d pages: %v\n", i, err)
				break
			}
		}

		msgs := s.Snapshot()
		if jsonOutput {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			printMessage(m)
		}
		if s.HasMore() {
			fmt.Println("(older messages available, use --pages)")
		}
		return nil
	},
}

// ============================================================================
// send / edit / delete / react
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <scope> <text>",
	Short: "Send a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, ctx, cancel, err := oneShot(args[0])
		if err != nil {
			return err
		}
		defer cancel()
		defer s.Close()

		m, err := s.Send(ctx, args[1], sendReplyTo)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(m)
		}
		fmt.Printf("Sent #%s\n", m.ID)
		return nil
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <scope> <message-id> <text>",
	Short: "Edit one of your messages",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, ctx, cancel, err := oneShot(args[0])
		if err != nil {
			return err
		}
		defer cancel()
		defer s.Close()

		m, err := s.Edit(ctx, args[1], args[2])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(m)
		}
		fmt.Printf("Edited #%s\n", m.ID)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <scope> <message-id>",
	Short: "Delete a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, ctx, cancel, err := oneShot(args[0])
		if err != nil {
			return err
		}
		defer cancel()
		defer s.Close()

		if err := s.Delete(ctx, args[1]); err != nil {
			return err
		}
		fmt.Printf("Deleted #%s\n", args[1])
		return nil
	},
}

var reactCmd = &cobra.Command{
	Use:   "react <scope> <message-id> <emoji>",
	Short: "Add or remove a reaction",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		remove, _ := cmd.Flags().GetBool("remove")
		s, ctx, cancel, err := oneShot(args[0])
		if err != nil {
			return err
		}
		defer cancel()
		defer s.Close()

		if remove {
			return s.RemoveReaction(ctx, args[1], args[2])
		}
		return s.AddReaction(ctx, args[1], args[2])
	},
}

// ============================================================================
// thread
// ============================================================================

var threadCmd = &cobra.Command{
	Use:   "thread <scope> <parent-id>",
	Short: "Print the replies to a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, ctx, cancel, err := oneShot(args[0])
		if err != nil {
			return err
		}
		defer cancel()
		defer s.Close()

		replies, err := s.LoadThread(ctx, args[1])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(replies)
		}
		if parent, ok := s.Store().Get(args[1]); ok {
			printMessage(parent)
		}
		for _, m := range replies {
			fmt.Print("  ")
			printMessage(m)
		}
		return nil
	},
}

// ============================================================================
// tail
// ============================================================================

var tailCmd = &cobra.Command{
	Use:   "tail <scope>",
	Short: "Follow a conversation live",
	Long:  "Print the conversation, then every new or changed message as it arrives over the configured transport.\nStop with Ctrl-C.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		openCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		s, err := openSession(openCtx, args[0], true)
		cancel()
		if err != nil {
			return err
		}
		defer s.Close()

		p := &tailPrinter{seen: make(map[string]time.Time)}
		changed := make(chan struct{}, 1)
		s.OnChange(func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
		p.print(s.Snapshot())

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-changed:
				fresh := p.print(s.Snapshot())
				if tailMarkRead && len(fresh) > 0 {
					if err := s.MarkVisible(ctx, fresh); err != nil && ctx.Err() == nil {
						fmt.Fprintf(os.Stderr, "read receipt failed: %v\n", err)
					}
				}
			}
		}
	},
}

// tailPrinter prints each message once per version.
type tailPrinter struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// print writes messages that are new or changed since the last call and
// returns their ids.
func (p *tailPrinter) print(msgs []oasis.Message) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var fresh []string
	for _, m := range msgs {
		if at, ok := p.seen[m.ID]; ok && !m.UpdatedAt.After(at) {
			continue
		}
		p.seen[m.ID] = m.UpdatedAt
		printMessage(m)
		if !m.Pending {
			fresh = append(fresh, m.ID)
		}
	}
	return fresh
}
