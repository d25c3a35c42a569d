package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe("https://x/y")

	b.Publish("https://x/y", Event{Kind: KindProgress, Fraction: 0.5})

	e, ok := sub.Next()
	require.True(t, ok)
	require.Equal(t, KindProgress, e.Kind)
	require.Equal(t, "https://x/y", e.URL)
}

func TestPublishAlsoReachesGlobalStream(t *testing.T) {
	b := New()
	global := b.SubscribeGlobal()

	b.Publish("https://x/y", Event{Kind: KindComplete})

	e, ok := global.Next()
	require.True(t, ok)
	require.Equal(t, KindComplete, e.Kind)
}

func TestUnsubscribeClosesQueue(t *testing.T) {
	b := New()
	sub := b.Subscribe("u")
	b.Unsubscribe("u")

	done := make(chan bool, 1)
	go func() {
		_, ok := sub.Next()
		done <- ok
	}()

	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after unsubscribe")
	}
}

func TestPublishToUnsubscribedURLIsNoop(t *testing.T) {
	b := New()
	// Should not panic when nobody is subscribed to this URL.
	b.Publish("nobody-listening", Event{Kind: KindError, Reason: "boom"})
}
