// Command smoke drives a running gateway through one scripted ordering
// session over its client WebSocket, printing every event it receives.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kiosklabs/voice-gateway/internal/env"
)

func main() {
	url := flag.String("url", env.Str("GATEWAY_WS_URL", "ws://localhost:8000/ws/session"), "gateway websocket URL")
	customerID := flag.String("customer", "smoke-customer", "customer id to connect as")
	wait := flag.Duration("wait", 5*time.Second, "how long to listen for events after the script")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		slog.Error("dial", "url", *url, "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	send := func(v any) {
		data, err := json.Marshal(v)
		if err != nil {
			slog.Error("marshal", "error", err)
			os.Exit(1)
		}
		if err = conn.WriteMessage(websocket.TextMessage, data); err != nil {
			slog.Error("write", "error", err)
			os.Exit(1)
		}
	}

	// Metadata frame, then a scripted order.
	send(map[string]any{"customer_id": *customerID, "codec": "pcm", "sample_rate": 16000})
	send(map[string]any{"type": "order.add", "name": "Cheeseburger", "quantity": 2, "unit_price_cents": 550})
	send(map[string]any{"type": "order.add", "name": "Fries", "quantity": 1, "unit_price_cents": 200})
	send(map[string]any{"type": "text", "text": "That's everything, thanks."})
	send(map[string]any{"type": "order.finalize"})

	deadline := time.Now().Add(*wait)
	for {
		conn.SetReadDeadline(deadline)
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType == websocket.BinaryMessage {
			fmt.Printf("audio frame: %d bytes\n", len(data))
			continue
		}
		fmt.Println(string(data))
	}

	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
}
