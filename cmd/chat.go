package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawd/internal/gateway"
	"github.com/nextlevelbuilder/clawd/internal/sessions"
)

func chatCmd() *cobra.Command {
	var (
		addr      string
		sessionID string
		message   string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent over WebSocket",
		Run: func(cmd *cobra.Command, args []string) {
			runChat(addr, sessionID, message)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "gateway address")
	cmd.Flags().StringVar(&sessionID, "session", "", "session ID (default: create a new session)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "send one message and exit")
	return cmd
}

func runChat(addr, sessionID, message string) {
	ctx := context.Background()

	if sessionID == "" {
		id, err := createSession(ctx, addr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "create session failed: %v\n", err)
			os.Exit(1)
		}
		sessionID = id
		fmt.Fprintf(os.Stderr, "Session: %s\n", sessionID)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, fmt.Sprintf("ws://%s/ws?sessionId=%s", addr, sessionID), nil)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "WebSocket connect failed: %v\n", err)
		os.Exit(1)
	}
	conn.SetReadLimit(1 << 20)
	defer conn.Close(websocket.StatusNormalClosure, "")

	if message != "" {
		if err := chatTurn(ctx, conn, sessionID, message); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	fmt.Fprintln(os.Stderr, "Type \"exit\" to quit.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "\nYou: ")
		if !scanner.Scan() {
			return
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return
		}
		if err := chatTurn(ctx, conn, sessionID, input); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
}

// chatTurn sends one message and renders frames until the turn completes.
func chatTurn(ctx context.Context, conn *websocket.Conn, sessionID, content string) error {
	err := wsjson.Write(ctx, conn, gateway.ClientFrame{
		Type:      gateway.FrameSendMessage,
		SessionID: sessionID,
		Content:   content,
	})
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}

	var runID string
	for {
		var f gateway.Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if f.SessionID != sessionID {
			continue
		}
		switch f.Type {
		case gateway.FrameRunStart:
			runID = f.RunID
		case gateway.FrameStreamDelta:
			fmt.Print(f.Delta)
		case gateway.FrameToolStart:
			fmt.Fprintf(os.Stderr, "\n[tool] %s\n", f.Name)
		case gateway.FrameToolResult:
			if f.IsError {
				fmt.Fprintf(os.Stderr, "[tool error] %s\n", firstLine(f.Content))
			}
		case gateway.FrameStatus:
			fmt.Fprintf(os.Stderr, "[retry %d] %s\n", f.Attempt, f.Message)
		case gateway.FrameSessionRenamed:
			fmt.Fprintf(os.Stderr, "\n[session renamed] %s\n", f.Name)
		case gateway.FrameMessageComplete:
			if f.RunID == runID || runID == "" {
				fmt.Println()
				return nil
			}
		case gateway.FrameError:
			return fmt.Errorf("%s", f.Message)
		}
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func createSession(ctx context.Context, addr string) (string, error) {
	body := bytes.NewBufferString(`{}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("http://%s/api/sessions", addr), body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("gateway returned %s", resp.Status)
	}

	var meta sessions.Metadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return "", err
	}
	return meta.ID, nil
}
