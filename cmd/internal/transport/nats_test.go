package transport

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"chatsync/cmd/internal/channel"
	v1 "chatsync/contracts/realtime/v1"
)

func TestSubject(t *testing.T) {
	t.Parallel()

	if got := Subject("", "c1"); got != "chatsync.events.c1" {
		t.Fatalf("subject=%q want=chatsync.events.c1", got)
	}
	if got := Subject("x.y", "c1"); got != "x.y.c1" {
		t.Fatalf("subject=%q want=x.y.c1", got)
	}
}

func TestDeliverRaw(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := mustEnvelope(t, v1.TypeTypingStart, time.Unix(5, 0).UTC(), v1.TypingPayload{UserID: "u2"})
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	sink := newRecordingSink()
	if err := deliverRaw(ctx, "c1", raw, sink); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	ev := <-sink.ch
	if ev.ChannelID != "c1" || ev.Kind != channel.EventTypingStarted {
		t.Fatalf("event=%+v want typing.started on c1", ev)
	}

	misrouted := mustEnvelope(t, v1.TypeTypingStart, time.Unix(5, 0).UTC(), v1.TypingPayload{ConversationID: "c2", UserID: "u2"})
	raw, _ = json.Marshal(misrouted)
	if err := deliverRaw(ctx, "c1", raw, sink); err == nil {
		t.Fatalf("misrouted event delivered")
	}

	var de DecodeError
	if err := deliverRaw(ctx, "c1", []byte("{"), sink); !errors.As(err, &de) {
		t.Fatalf("garbage err=%v want DecodeError", err)
	}
	if len(sink.ch) != 0 {
		t.Fatalf("unexpected deliveries=%d", len(sink.ch))
	}
}
