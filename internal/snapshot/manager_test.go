package snapshot

import (
	"context"
	"testing"
	"time"
)

func TestPeekFastPathReturnsImmediatelyWhenQueueNonEmpty(t *testing.T) {
	m := New()
	m.InitializeUser("u1")
	m.PushPatch("u1", map[string]interface{}{"accounts": map[string]interface{}{"balance": 100}})

	patches := m.Peek(context.Background(), "u1", 30*time.Second)
	if len(patches) != 1 {
		t.Fatalf("expected 1 queued patch, got %d", len(patches))
	}
}

func TestPeekBlocksUntilPatchArrives(t *testing.T) {
	m := New()
	m.InitializeUser("u1")

	done := make(chan []interface{}, 1)
	go func() {
		done <- m.Peek(context.Background(), "u1", 2*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	m.PushPatch("u1", map[string]interface{}{"orders": map[string]interface{}{"o1": "FILLED"}})

	select {
	case patches := <-done:
		if len(patches) != 1 {
			t.Fatalf("expected 1 patch, got %d", len(patches))
		}
	case <-time.After(time.Second):
		t.Fatal("peek did not wake within 1s of push_patch")
	}
}

func TestPeekTimesOutWithEmptyResult(t *testing.T) {
	m := New()
	m.InitializeUser("u1")

	start := time.Now()
	patches := m.Peek(context.Background(), "u1", 30*time.Millisecond)
	if patches != nil {
		t.Errorf("expected nil patches on timeout, got %v", patches)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Error("peek returned before its timeout elapsed")
	}
}

func TestRemoveUserWakesInFlightPeek(t *testing.T) {
	m := New()
	m.InitializeUser("u1")

	done := make(chan []interface{}, 1)
	go func() {
		done <- m.Peek(context.Background(), "u1", 30*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	m.RemoveUser("u1")

	select {
	case patches := <-done:
		if patches != nil {
			t.Errorf("expected empty result on teardown, got %v", patches)
		}
	case <-time.After(time.Second):
		t.Fatal("peek did not wake on RemoveUser")
	}
}

func TestPatchOrderingAppliesToEmptyMirrorEqualsServerSnapshot(t *testing.T) {
	m := New()
	m.InitializeUser("u1")

	m.PushPatch("u1", map[string]interface{}{"accounts": map[string]interface{}{"u1": map[string]interface{}{"balance": float64(100)}}})
	m.PushPatch("u1", map[string]interface{}{"orders": map[string]interface{}{"o1": map[string]interface{}{"status": "FILLED"}}})

	patches := m.Peek(context.Background(), "u1", time.Second)
	if len(patches) != 2 {
		t.Fatalf("expected 2 patches, got %d", len(patches))
	}

	var mirror interface{} = map[string]interface{}{}
	for _, p := range patches {
		mirror = MergePatch(mirror, p)
	}

	serverSnapshot, ok := m.GetSnapshot("u1")
	if !ok {
		t.Fatal("expected snapshot to exist")
	}

	mirrorMap := mirror.(map[string]interface{})
	if !equalJSON(mirrorMap["accounts"], serverSnapshot["accounts"]) {
		t.Errorf("accounts mismatch: mirror=%v server=%v", mirrorMap["accounts"], serverSnapshot["accounts"])
	}
	if !equalJSON(mirrorMap["orders"], serverSnapshot["orders"]) {
		t.Errorf("orders mismatch: mirror=%v server=%v", mirrorMap["orders"], serverSnapshot["orders"])
	}
}

func TestInsListFiltersQuoteDelivery(t *testing.T) {
	m := New()
	m.InitializeUser("u1")
	m.SetInsList("u1", []string{"IF2024"})

	// Drain the ins_list patch itself before asserting on quote delivery.
	_ = m.Peek(context.Background(), "u1", time.Second)

	m.PushQuoteIfSubscribed("u1", "IF2024", map[string]interface{}{"last": 100})
	m.PushQuoteIfSubscribed("u1", "IH2024", map[string]interface{}{"last": 200})

	patches := m.Peek(context.Background(), "u1", 50*time.Millisecond)
	if len(patches) != 1 {
		t.Fatalf("expected exactly 1 quote patch (subscribed instrument only), got %d", len(patches))
	}
}
