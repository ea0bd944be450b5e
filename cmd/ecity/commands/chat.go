package commands

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/ecity-hub/ecity/chat"
	"github.com/spf13/cobra"
)

// chat: join a conversation and relay stdin lines as messages.
func chatCmd() *cobra.Command {
	var conversationID, token string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Join a conversation over the WebSocket channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			token = tokenFlag(token)
			if token == "" {
				return fmt.Errorf("access token required (--token or ECITY_TOKEN)")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			conn, err := chat.Dial(ctx, cfg.WebSocketURL, token)
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := conn.Join(conversationID); err != nil {
				return err
			}

			go func() {
				for message := range conn.Messages() {
					switch message.Type {
					case chat.TypeMessage:
						fmt.Printf("[%s] %s\n", message.SenderID, message.Content)
					case chat.TypeTyping:
						if message.IsTyping != nil && *message.IsTyping {
							fmt.Printf("%s is typing...\n", message.SenderID)
						}
					case chat.TypeError:
						fmt.Printf("error: %s\n", message.Raw)
					}
				}
				stop()
			}()

			lines := make(chan string)
			go func() {
				scanner := bufio.NewScanner(os.Stdin)
				for scanner.Scan() {
					lines <- scanner.Text()
				}
				close(lines)
			}()

			for {
				select {
				case <-ctx.Done():
					return conn.Err()
				case line, ok := <-lines:
					if !ok {
						return nil
					}
					if strings.TrimSpace(line) == "" {
						continue
					}
					if err := conn.Send(conversationID, line); err != nil {
						return err
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id")
	cmd.Flags().StringVar(&token, "token", "", "access token (default $ECITY_TOKEN)")
	_ = cmd.MarkFlagRequired("conversation")
	return cmd
}
