package bus

import (
	"context"
	"testing"
	"time"
)

func TestTopicMatch(t *testing.T) {
	cases := []struct {
		pattern, key string
		want         bool
	}{
		{"ur.sysinfo.#", "ur.sysinfo.abc-123", true},
		{"ur.sysinfo.#", "ur.sysinfo.abc.extra", true},
		{"ur.execute-reply.*.req1", "ur.execute-reply.cn-1.req1", true},
		{"ur.execute-reply.*.req1", "ur.execute-reply.cn-1.req2", false},
		{"heartbeat.*", "heartbeat.cn-1.extra", false},
		{"#", "anything.at.all", true},
	}
	for _, c := range cases {
		if got := TopicMatch(c.pattern, c.key); got != c.want {
			t.Errorf("TopicMatch(%q, %q) = %v, want %v", c.pattern, c.key, got, c.want)
		}
	}
}

func TestMemoryBrokerPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	if err := b.DeclareQueue(ctx, "q1"); err != nil {
		t.Fatal(err)
	}
	if err := b.Bind(ctx, "q1", "ur.sysinfo.#"); err != nil {
		t.Fatal(err)
	}
	ch, err := b.Consume(ctx, "q1")
	if err != nil {
		t.Fatal(err)
	}

	if err := b.Publish(ctx, SysinfoRoutingKey("cn-1"), []byte("payload")); err != nil {
		t.Fatal(err)
	}

	select {
	case d := <-ch:
		if d.RoutingKey != "ur.sysinfo.cn-1" {
			t.Errorf("routing key = %q", d.RoutingKey)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestDedup(t *testing.T) {
	d := NewDedup(2)
	if d.Seen("a") {
		t.Fatal("a should be new")
	}
	if !d.Seen("a") {
		t.Fatal("a should now be seen")
	}
	if d.Seen("b") {
		t.Fatal("b should be new")
	}
	// c evicts a (capacity 2, a was least-recent relative to b).
	if d.Seen("c") {
		t.Fatal("c should be new")
	}
}

func TestCNUUIDFromRoutingKey(t *testing.T) {
	uuid, ok := CNUUIDFromRoutingKey("ur.sysinfo.cn-123")
	if !ok || uuid != "cn-123" {
		t.Fatalf("got %q, %v", uuid, ok)
	}
	if _, ok := CNUUIDFromRoutingKey("ur.sysinfo"); ok {
		t.Fatal("expected no match")
	}
}

func TestCNUUIDFromRoutingKeyFourSegmentReplyKey(t *testing.T) {
	uuid, ok := CNUUIDFromRoutingKey(ExecuteReplyRoutingKey("cn-123", "req-456"))
	if !ok || uuid != "cn-123" {
		t.Fatalf("got %q, %v, want cn-123", uuid, ok)
	}
}
