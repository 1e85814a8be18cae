package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBestEffortSubscriberReceivesInOrder(t *testing.T) {
	bus := New()
	sub := bus.Subscribe(BestEffort)
	defer sub.Cancel()

	for i := 0; i < 10; i++ {
		bus.Publish(NewOnChainEvent(OnChainEvent{
			Kind:   EvNewBestBlock,
			Height: int32(i),
		}))
	}

	for i := 0; i < 10; i++ {
		select {
		case ev := <-sub.Events():
			require.Equal(t, int32(i), ev.OnChain.Height)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestCriticalSubscriberOverflowIsFatal(t *testing.T) {
	bus := New()
	sub := bus.Subscribe(Critical)
	defer sub.Cancel()

	for i := 0; i < criticalQueueDepth+5; i++ {
		bus.Publish(NewInventoryEvent(InventoryEvent{Kind: EvPeerListChanged}))
	}

	select {
	case err := <-sub.FatalErrors():
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a fatal overflow error")
	}
}

func TestMultipleSubscribersEachGetACopy(t *testing.T) {
	bus := New()
	sub1 := bus.Subscribe(BestEffort)
	sub2 := bus.Subscribe(BestEffort)
	defer sub1.Cancel()
	defer sub2.Cancel()

	bus.Publish(NewLightningEvent(LightningEvent{Kind: EvChannelReady, Ready: true}))

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case ev := <-sub.Events():
			require.True(t, ev.Lightning.Ready)
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}
