package telethon

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/go-faster/errors"
)

// errFake — произвольная ошибка вне типов провода.
var errFake = errors.New("fake transport error")

// fakeWorker имитирует дочерний процесс поверх пайпов: читает кадры запросов
// и отвечает через handler. Возвращает клиент, подключённый к имитации.
func fakeWorker(t *testing.T, handler func(req Request) *Response, opts ...Option) (*Client, io.WriteCloser) {
	t.Helper()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	go func() {
		scanner := bufio.NewScanner(stdinR)
		for scanner.Scan() {
			var req Request
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			if resp := handler(req); resp != nil {
				frame, _ := json.Marshal(resp)
				_, _ = stdoutW.Write(append(frame, '\n'))
			}
		}
	}()

	c := newClient(stdinW, stdoutR, opts...)
	t.Cleanup(func() {
		_ = stdinW.Close()
		_ = stdoutW.Close()
	})
	return c, stdoutW
}

func TestRequestRoundTrip(t *testing.T) {
	t.Parallel()

	c, _ := fakeWorker(t, func(req Request) *Response {
		if req.Command != CommandStartUpdates {
			t.Errorf("unexpected command %q", req.Command)
		}
		return &Response{ID: req.ID, OK: true}
	})

	resp, err := c.Request(context.Background(), CommandStartUpdates, map[string]any{})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if !resp.OK {
		t.Fatalf("Request() ok = false, error = %q", resp.Error)
	}
}

func TestRequestTimeout(t *testing.T) {
	t.Parallel()

	c, _ := fakeWorker(t, func(Request) *Response { return nil },
		WithRequestTimeout(150*time.Millisecond))

	start := time.Now()
	_, err := c.Request(context.Background(), CommandState, map[string]any{})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout took too long: %v", elapsed)
	}
}

func TestRequestCancel(t *testing.T) {
	t.Parallel()

	c, _ := fakeWorker(t, func(Request) *Response { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	if _, err := c.Request(ctx, CommandState, map[string]any{}); err != context.Canceled {
		t.Fatalf("Request() error = %v, want context.Canceled", err)
	}
}

func TestPollEventsDrainsInOrder(t *testing.T) {
	t.Parallel()

	c, stdoutW := fakeWorker(t, func(Request) *Response { return nil })

	for i, kind := range []string{"message", "message_edited", "message"} {
		frame, _ := json.Marshal(map[string]any{
			"event": map[string]any{
				"type":    kind,
				"message": map[string]any{"id": i + 1, "chat_id": -100, "text": "hello"},
			},
		})
		if _, err := stdoutW.Write(append(frame, '\n')); err != nil {
			t.Fatalf("write event: %v", err)
		}
	}

	var events []Event
	deadline := time.After(2 * time.Second)
	for len(events) < 3 {
		select {
		case <-deadline:
			t.Fatalf("events not delivered, got %d", len(events))
		default:
			events = append(events, c.PollEvents()...)
			time.Sleep(10 * time.Millisecond)
		}
	}

	if events[0].Message.ID != 1 || events[1].Message.ID != 2 || events[2].Message.ID != 3 {
		t.Fatalf("events out of order: %+v", events)
	}
	if events[1].Kind != "message_edited" {
		t.Fatalf("kind = %q, want message_edited", events[1].Kind)
	}
	if got := c.PollEvents(); len(got) != 0 {
		t.Fatalf("second poll returned %d events, want 0", len(got))
	}
}

func TestParseWireError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		resp Response
		want WireError
	}{
		{
			name: "floodWait",
			resp: Response{OK: false, Payload: json.RawMessage(`{"code":"FLOOD_WAIT","seconds":3}`)},
			want: WireError{Code: CodeFloodWait, Seconds: 3},
		},
		{
			name: "authRevoked",
			resp: Response{OK: false, Payload: json.RawMessage(`{"code":"AUTH_REVOKED","message":"session revoked"}`)},
			want: WireError{Code: CodeAuthRevoked, Message: "session revoked"},
		},
		{
			name: "plainError",
			resp: Response{OK: false, Error: "worker failed"},
			want: WireError{Message: "worker failed"},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ParseWireError(&tc.resp); got != tc.want {
				t.Fatalf("ParseWireError() = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestExtractWait(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want time.Duration
		ok   bool
	}{
		{name: "floodWait", err: WireError{Code: CodeFloodWait, Seconds: 3}, want: 3 * time.Second, ok: true},
		{name: "slowmodeWait", err: WireError{Code: CodeSlowmodeWait, Seconds: 10}, want: 10 * time.Second, ok: true},
		{name: "missingSecondsDefaultsToOne", err: WireError{Code: CodeFloodWait}, want: time.Second, ok: true},
		{name: "authRevokedIsNotAWait", err: WireError{Code: CodeAuthRevoked}, ok: false},
		{name: "plainWireError", err: WireError{Message: "boom"}, ok: false},
		{name: "foreignError", err: errFake, ok: false},
		{name: "nilError", err: nil, ok: false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := ExtractWait(tc.err)
			if ok != tc.ok || got != tc.want {
				t.Fatalf("ExtractWait(%v) = (%v, %v), want (%v, %v)", tc.err, got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestWireErrorError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		we   WireError
		want string
	}{
		{we: WireError{Code: CodeFloodWait, Message: "slow down"}, want: "FLOOD_WAIT: slow down"},
		{we: WireError{Code: CodeAuthRevoked}, want: "AUTH_REVOKED"},
		{we: WireError{Message: "boom"}, want: "boom"},
		{we: WireError{}, want: "telethon: request failed"},
	}
	for _, tc := range cases {
		if got := tc.we.Error(); got != tc.want {
			t.Fatalf("Error() = %q, want %q", got, tc.want)
		}
	}
}

func TestFlatButtons(t *testing.T) {
	t.Parallel()

	msg := Message{Buttons: [][]Button{
		{{Text: "Alice"}, {Text: "Bob"}},
		{{Text: "Carol"}},
	}}
	flat := msg.FlatButtons()
	if len(flat) != 3 || flat[2].Text != "Carol" {
		t.Fatalf("FlatButtons() = %+v", flat)
	}
}
