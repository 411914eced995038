package correspondence

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/elementbound/nlon/message"
)

type recordingWriter struct {
	frames []*message.Message
}

func (w *recordingWriter) WriteFrame(msg *message.Message) error {
	w.frames = append(w.frames, msg)
	return nil
}

func newTestCorrespondence() (*Correspondence, *recordingWriter) {
	w := &recordingWriter{}
	c := New("c1", message.NewHeader("c1", "echo"), w)
	return c, w
}

func TestNextReturnsDataChunk(t *testing.T) {
	c, _ := newTestCorrespondence()
	c.Ingest(&message.Message{Type: message.TypeData, Header: message.NewHeader("c1", "echo"), Body: json.RawMessage(`"ping"`)})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	body, err := c.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(body) != `"ping"` {
		t.Errorf("body = %s, want \"ping\"", body)
	}
}

func TestNextReturnsEndOnBodylessFinish(t *testing.T) {
	c, _ := newTestCorrespondence()
	c.Ingest(&message.Message{Type: message.TypeFinish, Header: message.NewHeader("c1", "echo")})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := c.Next(ctx)
	if !errors.Is(err, End) {
		t.Fatalf("Next err = %v, want End", err)
	}
	if c.IsReadable() {
		t.Errorf("IsReadable() = true after Finish, want false")
	}
}

func TestNextDeliversFinishBodyThenEnd(t *testing.T) {
	c, _ := newTestCorrespondence()
	c.Ingest(&message.Message{Type: message.TypeFinish, Header: message.NewHeader("c1", "echo"), Body: json.RawMessage(`"last"`)})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	body, err := c.Next(ctx)
	if err != nil {
		t.Fatalf("Next #1: %v", err)
	}
	if string(body) != `"last"` {
		t.Errorf("body = %s, want \"last\"", body)
	}

	_, err = c.Next(ctx)
	if !errors.Is(err, End) {
		t.Fatalf("Next #2 err = %v, want End", err)
	}
}

func TestNextReturnsRemoteError(t *testing.T) {
	c, _ := newTestCorrespondence()
	c.Ingest(&message.Message{Type: message.TypeError, Header: message.NewHeader("c1", "echo"), Error: &message.MessageError{Type: "K", Message: "m"}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := c.Next(ctx)
	var cerr *CorrespondenceError
	if !errors.As(err, &cerr) {
		t.Fatalf("Next err = %v, want *CorrespondenceError", err)
	}
	if cerr.Remote.Type != "K" || cerr.Remote.Message != "m" {
		t.Errorf("Remote = %+v, want {K m}", cerr.Remote)
	}
}

func TestNextOnUnreadableFails(t *testing.T) {
	c, _ := newTestCorrespondence()
	c.Ingest(&message.Message{Type: message.TypeFinish, Header: message.NewHeader("c1", "echo")})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := c.Next(ctx); !errors.Is(err, End) {
		t.Fatalf("Next #1: %v", err)
	}

	if _, err := c.Next(ctx); !errors.Is(err, ErrUnreadable) {
		t.Errorf("Next #2 err = %v, want ErrUnreadable", err)
	}
}

func TestWriteFailsAfterFinish(t *testing.T) {
	c, w := newTestCorrespondence()

	if err := c.Finish("bye"); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if len(w.frames) != 1 || w.frames[0].Type != message.TypeFinish {
		t.Fatalf("frames = %+v, want one fin frame", w.frames)
	}

	if err := c.Write("more"); !errors.Is(err, ErrUnwritable) {
		t.Errorf("Write err = %v, want ErrUnwritable", err)
	}
	if err := c.Finish(nil); !errors.Is(err, ErrUnwritable) {
		t.Errorf("second Finish err = %v, want ErrUnwritable", err)
	}
}

func TestForceCloseWakesWaiter(t *testing.T) {
	c, _ := newTestCorrespondence()

	result := make(chan error, 1)
	go func() {
		_, err := c.Next(context.Background())
		result <- err
	}()

	time.Sleep(20 * time.Millisecond)
	c.ForceClose()

	select {
	case err := <-result:
		if !errors.Is(err, ErrPeerDisconnected) {
			t.Errorf("Next err = %v, want ErrPeerDisconnected", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not return after ForceClose")
	}

	if c.IsReadable() || c.IsWritable() {
		t.Errorf("correspondence still open after ForceClose")
	}
}

func TestAllYieldsChunksThenEnds(t *testing.T) {
	c, _ := newTestCorrespondence()
	c.Ingest(&message.Message{Type: message.TypeData, Header: message.NewHeader("c1", "echo"), Body: json.RawMessage(`"a"`)})
	c.Ingest(&message.Message{Type: message.TypeData, Header: message.NewHeader("c1", "echo"), Body: json.RawMessage(`"b"`)})
	c.Ingest(&message.Message{Type: message.TypeFinish, Header: message.NewHeader("c1", "echo")})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	seq := c.All()
	var got []string
	for {
		body, ok, err := seq.Next(ctx)
		if err != nil {
			t.Fatalf("Sequence.Next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, string(body))
	}

	if len(got) != 2 || got[0] != `"a"` || got[1] != `"b"` {
		t.Errorf("got = %v, want [\"a\" \"b\"]", got)
	}
}

func TestOnTerminateFiresOnceBothHalvesClose(t *testing.T) {
	calls := 0
	w := &recordingWriter{}
	c := New("c1", message.NewHeader("c1", "echo"), w, WithOnTerminate(func() { calls++ }))

	if err := c.Finish(nil); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if calls != 0 {
		t.Fatalf("onTerminate fired before the read side closed")
	}

	c.Ingest(&message.Message{Type: message.TypeError, Header: message.NewHeader("c1", "echo"), Error: &message.MessageError{Type: "E", Message: "m"}})

	if calls != 1 {
		t.Fatalf("onTerminate calls = %d, want 1 once both halves are closed", calls)
	}
}

func TestOnTerminateWaitsForBothHalves(t *testing.T) {
	calls := 0
	w := &recordingWriter{}
	c := New("c1", message.NewHeader("c1", "echo"), w, WithOnTerminate(func() { calls++ }))

	if err := c.Write("a"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if calls != 0 {
		t.Fatalf("onTerminate fired before either half closed")
	}

	if err := c.Finish(nil); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if calls != 0 {
		t.Fatalf("onTerminate fired while still readable")
	}

	c.Ingest(&message.Message{Type: message.TypeFinish, Header: message.NewHeader("c1", "echo")})
	if calls != 1 {
		t.Fatalf("onTerminate calls = %d, want 1 once both halves closed", calls)
	}
}
