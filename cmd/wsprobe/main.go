// Copyright (c) Edgewire
// SPDX-License-Identifier: Apache-2.0

// Package main is a small WebSocket probe for exercising a running server:
// it dials, sends messages, and prints what comes back.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	var (
		url     = flag.String("url", "ws://localhost:8080/", "WebSocket URL to dial")
		message = flag.String("message", "ping", "message to send")
		count   = flag.Int("count", 1, "number of messages to send")
		timeout = flag.Duration("timeout", 5*time.Second, "dial and read timeout")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	dialer := websocket.Dialer{HandshakeTimeout: *timeout}
	conn, resp, err := dialer.Dial(*url, nil)
	if err != nil {
		logger.Error("dial failed", slog.String("url", *url), slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer conn.Close()

	logger.Info("connected",
		slog.String("url", *url),
		slog.String("server", resp.Header.Get("Server")))

	for i := 0; i < *count; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(*message)); err != nil {
			logger.Error("write failed", slog.String("error", err.Error()))
			os.Exit(1)
		}

		conn.SetReadDeadline(time.Now().Add(*timeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			logger.Error("read failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		fmt.Println(string(data))
	}

	deadline := time.Now().Add(*timeout)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}
