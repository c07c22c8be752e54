// Package main is a terminal client for the chat relay. It streams one
// turn and prints the reply as it arrives.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nutrimed/chat-relay/internal/client"
	"github.com/nutrimed/chat-relay/internal/model"
	"github.com/nutrimed/chat-relay/pkg/logger"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat relay terminal client",
	}

	rootCmd.PersistentFlags().String("url", envOr("RELAY_URL", "http://localhost:8080"), "Relay base URL")
	rootCmd.PersistentFlags().String("token", os.Getenv("RELAY_TOKEN"), "Bearer token")
	rootCmd.PersistentFlags().Bool("verbose", false, "Log client diagnostics to stderr")

	rootCmd.AddCommand(sendCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send one user turn and stream the reply",
		Long: "Send one user turn and stream the reply to stdout. With no message " +
			"argument the turn is read from stdin. The thread id is printed to " +
			"stderr when the reply completes; pass it back with --thread to continue.",
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if text == "" {
				b, err := readAll(cmd)
				if err != nil {
					return err
				}
				text = b
			}

			req := model.TurnRequest{
				Messages: []model.Turn{{Role: model.RoleUser, Content: text}},
			}
			req.AssistantID, _ = cmd.Flags().GetString("assistant")
			req.ThreadID, _ = cmd.Flags().GetString("thread")
			req.UserID, _ = cmd.Flags().GetString("user")
			req.ConversationID, _ = cmd.Flags().GetString("conversation")
			req.PatientID, _ = cmd.Flags().GetString("patient-id")
			req.PatientName, _ = cmd.Flags().GetString("patient-name")
			req.Billable, _ = cmd.Flags().GetBool("billable")

			return send(cmd, req)
		},
	}

	cmd.Flags().String("assistant", os.Getenv("RELAY_ASSISTANT_ID"), "Assistant id")
	cmd.Flags().String("thread", "", "Thread id to continue")
	cmd.Flags().String("user", "", "User id to bill")
	cmd.Flags().String("conversation", "", "Conversation id, the charge key for billable turns")
	cmd.Flags().String("patient-id", "", "Patient in consultation")
	cmd.Flags().String("patient-name", "", "Patient display name")
	cmd.Flags().Bool("billable", false, "Charge one credit for this conversation")
	return cmd
}

func send(cmd *cobra.Command, req model.TurnRequest) error {
	baseURL, _ := cmd.Flags().GetString("url")
	token, _ := cmd.Flags().GetString("token")
	verbose, _ := cmd.Flags().GetBool("verbose")

	log := logger.NewNop()
	if verbose {
		dev, err := logger.NewDevelopment()
		if err != nil {
			return fmt.Errorf("create logger: %w", err)
		}
		log = dev
	}
	defer func() { _ = log.Sync() }()

	// Ctrl-C cancels the turn; the consumer drops anything that arrives after.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()

	consumer := client.New(client.Config{BaseURL: baseURL, Token: token, Logger: log})
	res, err := consumer.Send(ctx, req, client.ObserverFuncs{
		Chunk: func(chunk, _ string) { fmt.Fprint(out, chunk) },
		Done:  func(_, threadID string) { fmt.Fprintf(errOut, "\n[thread %s]\n", threadID) },
	})

	switch {
	case errors.Is(err, client.ErrCancelled):
		fmt.Fprintln(errOut, "\n[cancelled]")
		return nil
	case err != nil:
		var statusErr *client.StatusError
		if errors.As(err, &statusErr) {
			log.Debug("relay rejected turn", zap.Int("status", statusErr.StatusCode))
		}
		return err
	case res.State == client.StateError:
		return fmt.Errorf("relay: %s", res.Error)
	}
	return nil
}

func readAll(cmd *cobra.Command) (string, error) {
	var sb strings.Builder
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for scanner.Scan() {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return sb.String(), nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
