package peer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/elementbound/nlon/correspondence"
	"github.com/elementbound/nlon/message"
	"github.com/elementbound/nlon/transport"
)

func TestSendWritesFrameAndAssignsID(t *testing.T) {
	a, b := transport.Pipe()
	defer a.Close()
	defer b.Close()

	pa := New(a)
	defer pa.Disconnect()

	msg, err := message.NewData(message.NewHeader("", "greet"), "hi")
	if err != nil {
		t.Fatalf("NewData: %v", err)
	}

	readDone := make(chan *message.Message, 1)
	go func() {
		p := message.NewParser(b)
		m, _ := p.Next()
		readDone <- m
	}()

	corr, err := pa.Send(msg)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if corr.ID() == "" {
		t.Fatalf("Send did not assign a correspondence id")
	}

	select {
	case got := <-readDone:
		if got == nil {
			t.Fatal("no frame observed on the wire")
		}
		if got.Header.CorrespondenceID != corr.ID() {
			t.Errorf("wire id = %q, want %q", got.Header.CorrespondenceID, corr.ID())
		}
		if string(got.Body) != `"hi"` {
			t.Errorf("wire body = %s, want \"hi\"", got.Body)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestReceiveObservesRemoteInitiatedCorrespondence(t *testing.T) {
	a, b := transport.Pipe()
	defer a.Close()
	defer b.Close()

	pa := New(a)
	pb := New(b)
	defer pa.Disconnect()
	defer pb.Disconnect()

	msg, err := message.NewData(message.NewHeader("c1", "greet"), "hi")
	if err != nil {
		t.Fatalf("NewData: %v", err)
	}
	if _, err := pa.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	corr, err := pb.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if corr.ID() != "c1" {
		t.Errorf("Receive id = %q, want c1", corr.ID())
	}

	body, err := corr.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(body) != `"hi"` {
		t.Errorf("body = %s, want \"hi\"", body)
	}
}

func TestDisconnectFailsPendingReceive(t *testing.T) {
	a, b := transport.Pipe()
	defer a.Close()
	defer b.Close()

	pa := New(a)
	defer pa.Disconnect()

	result := make(chan error, 1)
	go func() {
		_, err := pa.Receive(context.Background())
		result <- err
	}()

	time.Sleep(20 * time.Millisecond)
	pa.Disconnect()

	select {
	case err := <-result:
		if !errors.Is(err, correspondence.ErrPeerDisconnected) {
			t.Errorf("Receive err = %v, want ErrPeerDisconnected", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive did not return after Disconnect")
	}
}

func TestSendAfterDisconnectFails(t *testing.T) {
	a, b := transport.Pipe()
	defer b.Close()

	pa := New(a)
	pa.Disconnect()

	msg, _ := message.NewData(message.NewHeader("c1", "greet"), "hi")
	if _, err := pa.Send(msg); !errors.Is(err, correspondence.ErrPeerDisconnected) {
		t.Errorf("Send err = %v, want ErrPeerDisconnected", err)
	}
}

func TestFramingErrorSurfacesAndStreamContinues(t *testing.T) {
	a, b := transport.Pipe()
	defer a.Close()
	defer b.Close()

	pb := New(b)
	defer pb.Disconnect()

	go func() {
		a.Write([]byte("not json\n"))
		msg, _ := message.NewData(message.NewHeader("c1", "greet"), "hi")
		raw, _ := message.Encode(msg)
		a.Write(raw)
	}()

	select {
	case err := <-pb.Errors():
		if !message.IsFraming(err) {
			t.Errorf("err = %v, want FramingError", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for framing error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	corr, err := pb.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive after framing error: %v", err)
	}
	if corr.ID() != "c1" {
		t.Errorf("corr id = %q, want c1", corr.ID())
	}
}

func TestCorrespondDoesNotSendFrame(t *testing.T) {
	a, b := transport.Pipe()
	defer a.Close()
	defer b.Close()

	pa := New(a)
	defer pa.Disconnect()

	corr, err := pa.Correspond(message.NewHeader("", "greet"))
	if err != nil {
		t.Fatalf("Correspond: %v", err)
	}
	if corr.ID() == "" {
		t.Fatalf("Correspond did not assign an id")
	}

	readDone := make(chan struct{})
	go func() {
		buf := make([]byte, 1)
		_, _ = b.Read(buf)
		close(readDone)
	}()

	select {
	case <-readDone:
		t.Fatal("Correspond must not write a frame")
	case <-time.After(50 * time.Millisecond):
	}

	// The pipe is unbuffered: drain b so the Write below can complete.
	go func() { _, _ = io.Copy(io.Discard, b) }()

	if err := corr.Write(json.RawMessage(`1`)); err != nil {
		t.Fatalf("Write: %v", err)
	}
}
