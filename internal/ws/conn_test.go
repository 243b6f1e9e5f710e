package ws

import (
	"context"
	"testing"
	"time"

	"github.com/legalmind/roomchat/internal/protocol"
	"github.com/legalmind/roomchat/internal/session"
	"github.com/legalmind/roomchat/internal/ws/wstest"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DialTimeout = 2 * time.Second
	cfg.ReadTimeout = 5 * time.Second
	cfg.PingInterval = 50 * time.Millisecond
	return cfg
}

func readFrame(t *testing.T, c session.Conn) protocol.ServerFrame {
	t.Helper()
	data, err := c.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	f, err := protocol.ParseServerFrame(data)
	if err != nil {
		t.Fatalf("ParseServerFrame(%s): %v", data, err)
	}
	return f
}

func writeFrame(t *testing.T, c session.Conn, f protocol.ClientFrame) {
	t.Helper()
	data, err := protocol.EncodeClientFrame(f)
	if err != nil {
		t.Fatalf("EncodeClientFrame: %v", err)
	}
	if err := c.WriteFrame(data); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
}

func exerciseDialer(t *testing.T, d session.Dialer) {
	srv := wstest.NewServer()
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := d.Dial(ctx, srv.URL+"/ws/communities/room-1")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	accepted := <-srv.Accepted()
	if accepted.Path != "/ws/communities/room-1" {
		t.Fatalf("unexpected path %q", accepted.Path)
	}

	writeFrame(t, conn, protocol.Hello{UserID: "u1", UserName: "Ada"})
	if _, ok := readFrame(t, conn).(protocol.Ready); !ok {
		t.Fatal("expected ready after hello")
	}

	// Let a few keepalive pings go through before the next write.
	time.Sleep(200 * time.Millisecond)

	writeFrame(t, conn, protocol.SendMessage{Content: "hello room"})
	mf, ok := readFrame(t, conn).(protocol.MessageFrame)
	if !ok {
		t.Fatal("expected the message to be echoed back")
	}
	if mf.Message.Content != "hello room" || mf.Message.UserID != "u1" || mf.Message.ID == "" {
		t.Fatalf("unexpected message: %+v", mf.Message)
	}

	srv.DropAll()
	if _, err := conn.ReadFrame(); err == nil {
		t.Fatal("expected a read error after the server dropped the connection")
	}
}

func TestGobwasDialer(t *testing.T) {
	exerciseDialer(t, NewDialer(testConfig()))
}

func TestCoderDialer(t *testing.T) {
	exerciseDialer(t, NewCoderDialer(testConfig()))
}

func TestDialRefused(t *testing.T) {
	srv := wstest.NewServer()
	url := srv.URL
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, d := range []session.Dialer{NewDialer(testConfig()), NewCoderDialer(testConfig())} {
		if _, err := d.Dial(ctx, url); err == nil {
			t.Fatalf("%T: expected dial error against a closed server", d)
		}
	}
}

func TestSessionOverGobwas(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()

	cfg := session.DefaultConfig()
	cfg.URL = srv.URL + "/ws/communities/room-1"
	cfg.Hello = protocol.Hello{UserID: "u1", UserName: "Ada"}
	cfg.Backoff.Base = 20 * time.Millisecond

	opened := make(chan struct{}, 4)
	messages := make(chan protocol.Message, 4)
	s := session.Open(cfg, NewDialer(testConfig()), session.Handlers{
		OnReady:   func() { opened <- struct{}{} },
		OnMessage: func(m protocol.Message) { messages <- m },
	})
	defer s.Close()

	waitOpen := func() {
		t.Helper()
		select {
		case <-opened:
		case <-time.After(5 * time.Second):
			t.Fatal("session did not open")
		}
	}
	waitOpen()

	// A dropped connection is re-established and hello is sent again.
	srv.DropAll()
	waitOpen()

	if err := s.Send("after reconnect"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case m := <-messages:
		if m.Content != "after reconnect" {
			t.Fatalf("unexpected content %q", m.Content)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message was not delivered")
	}
}
