package watch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNotifyCompletesWatchersOnThatKey(t *testing.T) {
	b := NewBroker()
	tok := b.Watch("a")

	b.Notify("a")

	select {
	case <-tok.Done():
	case <-time.After(time.Second):
		t.Fatal("watch never completed")
	}
	require.False(t, tok.Spurious())
}

func TestNotifyDoesNotAffectOtherKeys(t *testing.T) {
	b := NewBroker()
	tokA := b.Watch("a")
	tokB := b.Watch("b")

	b.Notify("a")

	select {
	case <-tokA.Done():
	default:
		t.Fatal("a should have completed")
	}
	select {
	case <-tokB.Done():
		t.Fatal("b should not have completed")
	default:
	}
}

func TestCompleteAllSpuriousMarksEveryToken(t *testing.T) {
	b := NewBroker()
	tok1 := b.Watch("a")
	tok2 := b.Watch("b")

	b.CompleteAllSpurious()

	<-tok1.Done()
	<-tok2.Done()
	require.True(t, tok1.Spurious())
	require.True(t, tok2.Spurious())
	require.Equal(t, 0, b.PendingCount())
}

func TestCancelRemovesRegistrationWithoutCompleting(t *testing.T) {
	b := NewBroker()
	tok := b.Watch("a")
	b.Cancel("a", tok)

	b.Notify("a")

	select {
	case <-tok.Done():
		t.Fatal("canceled token should not complete")
	default:
	}
}
