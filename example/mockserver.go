// Command mockserver stands up a JSON mock server that answers every "ping"
// with a "pong", then runs a probing client against it. It demonstrates the
// adapter boundary a test scenario would drive: OnConnection, OnMessage,
// Send and ordered shutdown.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mockwire/mockwire"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	srv, err := mockwire.NewServerAdapter("127.0.0.1:12345")
	if err != nil {
		slog.Error("failed to create server", "error", err)
		return
	}

	srv.OnConnection(func(ca *mockwire.ClientAdapter) {
		slog.Info("scenario connection", "id", ca.ID(), "remote", ca.RemoteAddr())

		ca.OnMessage(func(m mockwire.Message) {
			slog.Info("server received", "type", m.Type, "trace_id", m.TraceID)
			if m.Type != "ping" {
				return
			}
			err := ca.Send(ctx, mockwire.Message{
				Type:    "pong",
				Payload: m.Payload,
				TraceID: m.TraceID,
			})
			if err != nil {
				slog.Error("reply failed", "error", err)
			}
		})
		ca.OnError(func(err error) {
			slog.Warn("connection error", "id", ca.ID(), "error", err)
		})
		ca.OnClose(func() {
			slog.Info("scenario connection closed", "id", ca.ID())
		})
	})

	if err := srv.Start(ctx); err != nil {
		slog.Error("server start failed", "error", err)
		return
	}
	defer srv.Stop()
	slog.Info("mock server listening", "addr", srv.Addr())

	// Probe the server the way a test client would.
	client, err := mockwire.DialAdapter(ctx, srv.Addr().String(),
		mockwire.TimeoutOption(2*time.Second),
	)
	if err != nil {
		slog.Error("dial failed", "error", err)
		return
	}
	defer client.Close()

	pongs := make(chan mockwire.Message, 1)
	client.OnMessage(func(m mockwire.Message) { pongs <- m })

	err = client.Send(ctx, mockwire.Message{
		Type:    "ping",
		Payload: json.RawMessage(`{"seq":1}`),
		TraceID: "example-1",
	})
	if err != nil {
		slog.Error("send failed", "error", err)
		return
	}

	select {
	case pong := <-pongs:
		slog.Info("client received", "type", pong.Type, "payload", string(pong.Payload), "trace_id", pong.TraceID)
	case <-time.After(2 * time.Second):
		slog.Error("no pong received")
	case <-ctx.Done():
	}
}
