package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/kilupskalvis/collab/internal/models"
	"github.com/kilupskalvis/collab/internal/remote"
	"github.com/spf13/cobra"
)

var (
	tailURL      string
	tailToken    string
	tailDocument string
	tailJSON     bool
)

var tailCmd = &cobra.Command{
	Use:   "tail <room>",
	Short: "Follow a room's activity",
	Long: `Join a room and print its activity as it happens: edits, presence,
cursor moves, and chat. The connection is re-established if it drops.

Examples:
  collab tail standup --url http://localhost:8720 --token $COLLAB_TOKEN
  collab tail standup --json | jq .`,
	Args: cobra.ExactArgs(1),
	Run:  runTail,
}

func init() {
	f := tailCmd.Flags()
	f.StringVar(&tailURL, "url", envOrDefault("COLLAB_SERVER_URL", "http://127.0.0.1:8720"),
		"Server base URL (env: COLLAB_SERVER_URL)")
	f.StringVar(&tailToken, "token", os.Getenv("COLLAB_TOKEN"), "Participant token (env: COLLAB_TOKEN)")
	f.StringVar(&tailDocument, "document", "", "Document id (default: room id)")
	f.BoolVar(&tailJSON, "json", false, "Print raw messages as JSON lines")
}

func runTail(_ *cobra.Command, args []string) {
	if tailToken == "" {
		exitError("--token or COLLAB_TOKEN is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := remote.NewRetryClient(remote.NewHTTPClient(tailURL, tailToken), &remote.RetryConfig{
		MaxRetries:     5,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		JitterFraction: 0.25,
	})

	for {
		err := tailOnce(ctx, client, args[0], os.Stdout)
		if ctx.Err() != nil {
			return
		}
		var re *remote.RemoteError
		if errors.As(err, &re) {
			exitError("%v", err)
		}
		color.New(color.FgYellow).Fprintf(os.Stderr, "connection lost (%v), reconnecting\n", err)
	}
}

// tailOnce joins roomID and prints messages until the connection ends.
func tailOnce(ctx context.Context, client remote.RoomClient, roomID string, w io.Writer) error {
	conn, err := client.Dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	state, err := conn.Join(ctx, roomID, tailDocument)
	if err != nil {
		return err
	}
	printMessage(w, state)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-conn.Messages():
			if !ok {
				if err := conn.Err(); err != nil {
					return err
				}
				return errors.New("server closed the connection")
			}
			printMessage(w, msg)
		}
	}
}

func printMessage(w io.Writer, msg *remote.Message) {
	if tailJSON {
		data, err := json.Marshal(msg)
		if err == nil {
			fmt.Fprintln(w, string(data))
		}
		return
	}
	if line := formatMessage(msg); line != "" {
		fmt.Fprintln(w, line)
	}
}

// formatMessage renders a server message as one human-readable line. Messages
// with nothing worth showing yield "".
func formatMessage(msg *remote.Message) string {
	switch msg.Type {
	case remote.TypeRoomState:
		var content string
		var version int64
		if msg.Document != nil {
			content, version = msg.Document.Content, msg.Document.Version
		}
		return fmt.Sprintf("joined %s: %d participants, document %s at v%d (%d chars)",
			msg.RoomID, len(msg.Participants), msg.DocumentID, version, models.TextLen(content))
	case remote.TypeDocumentChange:
		if msg.Operation == nil {
			return ""
		}
		op := msg.Operation
		switch op.Kind {
		case "insert":
			return fmt.Sprintf("v%d %s inserted %q at %d", msg.Version, msg.ParticipantID, op.Text, op.Index)
		case "delete":
			return fmt.Sprintf("v%d %s deleted %d at %d", msg.Version, msg.ParticipantID, op.Length, op.Index)
		default:
			return fmt.Sprintf("v%d %s replaced %d at %d with %q", msg.Version, msg.ParticipantID, op.Length, op.Index, op.Text)
		}
	case remote.TypeUserJoined:
		if msg.Participant != nil {
			return color.GreenString("+ %s (%s)", msg.Participant.DisplayName, msg.Participant.ID)
		}
	case remote.TypeUserLeft:
		return color.RedString("- %s", msg.ParticipantID)
	case remote.TypeCursorUpdate:
		if msg.Position != nil {
			return fmt.Sprintf("  %s cursor %d:%d", msg.ParticipantID, msg.Position.Line, msg.Position.Column)
		}
	case remote.TypeChatMessage:
		name := msg.DisplayName
		if name == "" {
			name = msg.ParticipantID
		}
		return color.CyanString("<%s> ", name) + msg.Text
	case remote.TypeExternalUpdate:
		return fmt.Sprintf("external update: %s", string(msg.Payload))
	case remote.TypeFileOperation, remote.TypeTerminalInput:
		return fmt.Sprintf("  %s %s: %s", msg.ParticipantID, msg.Type, string(msg.Payload))
	case remote.TypeError:
		return color.YellowString("error %s: %s", msg.Kind, msg.Message)
	}
	return ""
}
