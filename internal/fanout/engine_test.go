package fanout

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"

	"overseer/internal/eventbus"
	"overseer/internal/notifier"
	"overseer/internal/subscription"
	kit "overseer/internal/transport"
	logx "overseer/pkg/logx"
)

type staticSnapshot subscription.Snapshot

func (s staticSnapshot) Snapshot() subscription.Snapshot { return subscription.Snapshot(s) }

type recordingDispatcher struct {
	mu   sync.Mutex
	got  []notifier.Notification
	fail map[string]error
}

func (d *recordingDispatcher) Notify(_ context.Context, n notifier.Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail[n.To]; err != nil {
		return err
	}
	d.got = append(d.got, n)
	return nil
}

func (d *recordingDispatcher) destinations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.got))
	for _, n := range d.got {
		out = append(out, n.To)
	}
	sort.Strings(out)
	return out
}

func channelPost(username, text string, id int) Inbound {
	return Inbound{
		Channel: true,
		Message: &kit.Message{ID: id, Chat: kit.Chat{ID: -100, Username: username, Type: "channel"}, Text: text},
	}
}

func newTestEngine(cfg Config, subs subscription.Snapshot) (*Engine, *recordingDispatcher) {
	d := &recordingDispatcher{}
	if cfg.TargetUsername == "" {
		cfg.TargetUsername = "binaryx_platform_bot"
	}
	return New(cfg, staticSnapshot(subs), d, nil, logx.Nop()), d
}

func TestProcessInboundScenario(t *testing.T) {
	e, d := newTestEngine(Config{}, subscription.Snapshot{
		"A": {"claim"},
		"B": {"airdrop", "bonus"},
	})
	n := e.ProcessInbound(context.Background(), channelPost("binaryx_platform_bot", "New airdrop claim live now", 7))
	if n != 2 {
		t.Fatalf("expected 2 destinations, got %d", n)
	}
	if got := strings.Join(d.destinations(), ","); got != "A,B" {
		t.Fatalf("unexpected destinations: %s", got)
	}
}

func TestProcessInboundOneAlertPerSubscriber(t *testing.T) {
	e, d := newTestEngine(Config{}, subscription.Snapshot{"B": {"airdrop", "claim", "now"}})
	if n := e.ProcessInbound(context.Background(), channelPost("binaryx_platform_bot", "airdrop claim now", 1)); n != 1 {
		t.Fatalf("expected one dispatch for several matching keywords, got %d", n)
	}
	if len(d.destinations()) != 1 {
		t.Fatalf("expected exactly one notification, got %v", d.destinations())
	}
}

func TestProcessInboundIgnoresOtherSources(t *testing.T) {
	e, d := newTestEngine(Config{GlobalKeywords: []string{"claim"}, BroadcastChatID: "-42"}, subscription.Snapshot{"A": {"claim"}})
	if n := e.ProcessInbound(context.Background(), channelPost("someone_else", "claim now", 1)); n != 0 {
		t.Fatalf("expected no dispatch for a foreign source, got %d", n)
	}
	if len(d.destinations()) != 0 {
		t.Fatalf("unexpected notifications: %v", d.destinations())
	}
}

func TestProcessInboundSourceMatchIsCaseInsensitive(t *testing.T) {
	e, _ := newTestEngine(Config{TargetUsername: "@Binaryx_Platform_Bot"}, subscription.Snapshot{"A": {"claim"}})
	if n := e.ProcessInbound(context.Background(), channelPost("BINARYX_platform_bot", "CLAIM", 1)); n != 1 {
		t.Fatalf("expected a match, got %d", n)
	}
}

func TestProcessInboundForwardedFromTarget(t *testing.T) {
	e, d := newTestEngine(Config{}, subscription.Snapshot{"A": {"claim"}})
	in := Inbound{Message: &kit.Message{
		ID:          3,
		Chat:        kit.Chat{ID: 55, Type: "private"},
		ForwardFrom: &kit.Chat{ID: -100, Username: "binaryx_platform_bot"},
		Text:        "please claim",
	}}
	if n := e.ProcessInbound(context.Background(), in); n != 1 {
		t.Fatalf("expected forwarded post to match, got %d", n)
	}
	if !strings.HasPrefix(d.got[0].Text, "Keyword hit in chat 55") {
		t.Fatalf("unexpected alert text: %q", d.got[0].Text)
	}
}

func TestProcessInboundNamedChatIgnoresForwardOrigin(t *testing.T) {
	e, d := newTestEngine(Config{GlobalKeywords: []string{"claim"}, BroadcastChatID: "-42"}, subscription.Snapshot{"A": {"claim"}})
	in := Inbound{Message: &kit.Message{
		ID:          4,
		Chat:        kit.Chat{ID: 55, Username: "alice", Type: "private"},
		ForwardFrom: &kit.Chat{ID: -100, Username: "binaryx_platform_bot"},
		Text:        "please claim",
	}}
	if n := e.ProcessInbound(context.Background(), in); n != 0 {
		t.Fatalf("a chat with its own username must not match through the forward origin, got %d", n)
	}
	if got := d.destinations(); len(got) != 0 {
		t.Fatalf("unexpected notifications: %v", got)
	}
}

func TestProcessInboundEmptyText(t *testing.T) {
	e, d := newTestEngine(Config{GlobalKeywords: []string{""}, BroadcastChatID: "-1"}, subscription.Snapshot{"A": {"a"}})
	if n := e.ProcessInbound(context.Background(), channelPost("binaryx_platform_bot", "   ", 1)); n != 0 {
		t.Fatalf("expected 0 for blank text, got %d", n)
	}
	if n := e.ProcessInbound(context.Background(), Inbound{}); n != 0 {
		t.Fatalf("expected 0 for nil message, got %d", n)
	}
	if len(d.destinations()) != 0 {
		t.Fatalf("unexpected notifications: %v", d.destinations())
	}
}

func TestProcessInboundSubstringMatch(t *testing.T) {
	e, _ := newTestEngine(Config{}, subscription.Snapshot{"A": {"ico"}})
	for _, text := range []string{"Mexico launch", "a UNICORN appears"} {
		if n := e.ProcessInbound(context.Background(), channelPost("binaryx_platform_bot", text, 1)); n != 1 {
			t.Fatalf("%q: expected substring match inside a word, got %d", text, n)
		}
	}
	if n := e.ProcessInbound(context.Background(), channelPost("binaryx_platform_bot", "i c o split apart", 1)); n != 0 {
		t.Fatalf("expected no match when the letters are not contiguous, got %d", n)
	}
}

func TestProcessInboundGlobalBroadcast(t *testing.T) {
	e, d := newTestEngine(Config{GlobalKeywords: []string{" Airdrop "}, BroadcastChatID: "-42"}, nil)
	if n := e.ProcessInbound(context.Background(), channelPost("binaryx_platform_bot", "big AIRDROP", 1)); n != 1 {
		t.Fatalf("expected broadcast dispatch, got %d", n)
	}
	if got := strings.Join(d.destinations(), ","); got != "-42" {
		t.Fatalf("unexpected destinations: %s", got)
	}

	e2, d2 := newTestEngine(Config{GlobalKeywords: []string{"airdrop"}}, nil)
	if n := e2.ProcessInbound(context.Background(), channelPost("binaryx_platform_bot", "airdrop", 1)); n != 0 {
		t.Fatalf("expected no broadcast without a destination, got %d", n)
	}
	if len(d2.destinations()) != 0 {
		t.Fatalf("unexpected notifications: %v", d2.destinations())
	}
}

func TestProcessInboundDedupesBroadcastAndSubscriber(t *testing.T) {
	e, d := newTestEngine(Config{GlobalKeywords: []string{"claim"}, BroadcastChatID: "-42"}, subscription.Snapshot{"-42": {"claim"}, "7": {"claim"}})
	if n := e.ProcessInbound(context.Background(), channelPost("binaryx_platform_bot", "claim", 1)); n != 2 {
		t.Fatalf("expected 2 distinct destinations, got %d", n)
	}
	if got := strings.Join(d.destinations(), ","); got != "-42,7" {
		t.Fatalf("unexpected destinations: %s", got)
	}
}

func TestProcessInboundDispatchFailureIsIsolated(t *testing.T) {
	e, d := newTestEngine(Config{}, subscription.Snapshot{"A": {"claim"}, "B": {"claim"}})
	d.fail = map[string]error{"A": errors.New("queue full")}
	if n := e.ProcessInbound(context.Background(), channelPost("binaryx_platform_bot", "claim", 1)); n != 1 {
		t.Fatalf("expected one successful destination, got %d", n)
	}
	if got := strings.Join(d.destinations(), ","); got != "B" {
		t.Fatalf("unexpected destinations: %s", got)
	}
}

func TestProcessInboundPublishesEvent(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	d := &recordingDispatcher{}
	e := New(Config{TargetUsername: "src"}, staticSnapshot{"A": {"x"}}, d, bus, logx.Nop())
	e.ProcessInbound(context.Background(), channelPost("src", "x", 9))

	select {
	case ev := <-ch:
		me, ok := ev.Data.(MatchedEvent)
		if ev.Type != EventAlertMatched || !ok || me.Destinations != 1 || me.MessageID != 9 {
			t.Fatalf("unexpected event: %#v", ev)
		}
	default:
		t.Fatalf("expected an alert.matched event")
	}
}

func TestAlertRendering(t *testing.T) {
	msg := &kit.Message{ID: 12, Chat: kit.Chat{ID: -100, Username: "@binaryx_platform_bot"}, Text: "Airdrop!"}
	got := newAlert(msg, true).String()
	want := "Keyword hit in channel @binaryx_platform_bot\n\nAirdrop!\n\nLink: https://t.me/binaryx_platform_bot/12"
	if got != want {
		t.Fatalf("unexpected alert:\n%q\nwant\n%q", got, want)
	}

	noLink := newAlert(&kit.Message{ID: 3, Chat: kit.Chat{ID: 9, Title: "Group"}, Text: "t"}, false).String()
	if noLink != "Keyword hit in chat Group\n\nt" {
		t.Fatalf("unexpected alert without link: %q", noLink)
	}
}

func TestDisplayNameFallbacks(t *testing.T) {
	cases := []struct {
		chat kit.Chat
		want string
	}{
		{kit.Chat{ID: 1, Username: "user", Title: "T"}, "@user"},
		{kit.Chat{ID: 1, Title: " T "}, "T"},
		{kit.Chat{ID: -1001}, "-1001"},
	}
	for _, c := range cases {
		if got := DisplayName(c.chat); got != c.want {
			t.Fatalf("DisplayName(%+v)=%q want %q", c.chat, got, c.want)
		}
	}
}

func TestNormalizeKeywords(t *testing.T) {
	got := NormalizeKeywords([]string{" Claim", "claim", "", "BONUS "})
	if strings.Join(got, ",") != "claim,bonus" {
		t.Fatalf("unexpected keywords: %v", got)
	}
}
