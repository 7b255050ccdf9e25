package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
	ws "nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"lernory/voice/internal/auth"
	"lernory/voice/internal/protocol"
)

// 100ms of 16kHz mono 16-bit PCM.
const chunkBytes = 3200

func main() {
	cmd := &cli.Command{
		Name:  "test-e2e",
		Usage: "Drive one voice turn against a running server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Value: "ws://localhost:8080/ws/voice", Usage: "voice websocket URL"},
			&cli.StringFlag{Name: "secret", Sources: cli.EnvVars("AUTH_JWT_SECRET"), Usage: "JWT secret used to mint a token"},
			&cli.StringFlag{Name: "user", Value: "e2e-user", Usage: "token subject"},
			&cli.StringFlag{Name: "text", Value: "Hello, how are you today?", Usage: "text turn to send"},
			&cli.StringFlag{Name: "audio", Usage: "raw 16kHz PCM file to stream instead of text"},
			&cli.StringFlag{Name: "voice", Usage: "switch to this voice before the turn"},
			&cli.DurationFlag{Name: "timeout", Value: 30 * time.Second, Usage: "overall timeout"},
		},
		Action: run,
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "e2e:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *cli.Command) error {
	ctx, cancel := context.WithTimeout(ctx, c.Duration("timeout"))
	defer cancel()

	hdr := http.Header{}
	if secret := c.String("secret"); secret != "" {
		tok, err := auth.IssueToken(secret, c.String("user"), time.Hour)
		if err != nil {
			return err
		}
		hdr.Set("Authorization", "Bearer "+tok)
	}

	conn, _, err := ws.Dial(ctx, c.String("url"), &ws.DialOptions{HTTPHeader: hdr})
	if err != nil {
		return errors.Wrap(err, "dial")
	}
	defer conn.Close(ws.StatusNormalClosure, "done")
	conn.SetReadLimit(8 << 20)

	fmt.Println("=== E2E Voice Test ===")
	if _, err := waitFor(ctx, conn, protocol.TypeUpstreamReady); err != nil {
		return err
	}

	if v := c.String("voice"); v != "" {
		fmt.Printf("[*] set_voice %q\n", v)
		if err := wsjson.Write(ctx, conn, map[string]string{"type": "set_voice", "voice": v}); err != nil {
			return err
		}
		if _, err := waitFor(ctx, conn, protocol.TypeUpstreamReady); err != nil {
			return err
		}
	}

	if path := c.String("audio"); path != "" {
		if err := streamAudio(ctx, conn, path); err != nil {
			return err
		}
	} else {
		fmt.Printf("[*] text_input %q\n", c.String("text"))
		if err := wsjson.Write(ctx, conn, map[string]string{"type": "text_input", "text": c.String("text")}); err != nil {
			return err
		}
	}

	if _, err := waitFor(ctx, conn, protocol.TypeProcessingComplete); err != nil {
		return err
	}
	fmt.Println("[*] turn complete, ending session")
	return wsjson.Write(ctx, conn, map[string]string{"type": "end_session"})
}

func streamAudio(ctx context.Context, conn *ws.Conn, path string) error {
	pcm, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	fmt.Printf("[*] streaming %d bytes of audio\n", len(pcm))
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for off := 0; off < len(pcm); off += chunkBytes {
		end := min(off+chunkBytes, len(pcm))
		if err := conn.Write(ctx, ws.MessageBinary, pcm[off:end]); err != nil {
			return errors.Wrap(err, "write audio")
		}
		select {
		case <-tick.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return wsjson.Write(ctx, conn, map[string]string{"type": "audio_end"})
}

// waitFor prints frames until one of type typ arrives.
func waitFor(ctx context.Context, conn *ws.Conn, typ string) (map[string]any, error) {
	for {
		var f map[string]any
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return nil, errors.Wrapf(err, "waiting for %s", typ)
		}
		printFrame(f)
		if f["type"] == typ {
			return f, nil
		}
	}
}

func printFrame(f map[string]any) {
	ts := time.Now().Format("15:04:05.000")
	if a, ok := f["audio"].(string); ok {
		f["audio"] = fmt.Sprintf("<%d base64 chars>", len(a))
	}
	b, _ := json.Marshal(f)
	fmt.Printf("[%s] <- %s\n", ts, b)
}
