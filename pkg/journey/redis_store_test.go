package journey

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupStore(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()

	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	store := NewRedisStoreFromClient(client, "test:", 0)

	t.Cleanup(func() {
		_ = store.Close()
	})

	return mr, store
}

func testSession(id string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:                    id,
		VisitorID:             "visitor-1",
		Persona:               Persona{Type: "researcher", Confidence: 0.8},
		Device:                Device{Class: DeviceDesktop, Fingerprint: "fp-abc"},
		Entry:                 EntryPoint{Source: "search"},
		Stage:                 StageAwareness,
		ConversionProbability: 0.3,
		Path:                  "research-driven",
		StartedAt:             now,
		UpdatedAt:             now,
		StageEnteredAt:        now,
	}
}

func TestRedisStore_CreateAndGetSession(t *testing.T) {
	_, store := setupStore(t)
	ctx := context.Background()

	sess := testSession("sess-1")
	created, err := store.CreateSession(ctx, sess)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if created.ID != "sess-1" {
		t.Errorf("ID mismatch: got %s", created.ID)
	}

	loaded, err := store.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if loaded.Stage != StageAwareness {
		t.Errorf("Stage mismatch: got %s", loaded.Stage)
	}
	if loaded.Path != "research-driven" {
		t.Errorf("Path mismatch: got %s", loaded.Path)
	}
}

func TestRedisStore_CreateSession_Idempotent(t *testing.T) {
	_, store := setupStore(t)
	ctx := context.Background()

	first := testSession("sess-1")
	if _, err := store.CreateSession(ctx, first); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	// A replayed create must return the stored session, not overwrite it.
	replay := testSession("sess-1")
	replay.Path = "standard"
	got, err := store.CreateSession(ctx, replay)
	if err != nil {
		t.Fatalf("replayed CreateSession failed: %v", err)
	}
	if got.Path != "research-driven" {
		t.Errorf("replay overwrote session: got path %s", got.Path)
	}
}

func TestRedisStore_GetSession_NotFound(t *testing.T) {
	_, store := setupStore(t)

	_, err := store.GetSession(context.Background(), "nope")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRedisStore_UpdateSession_VersionCheck(t *testing.T) {
	_, store := setupStore(t)
	ctx := context.Background()

	sess := testSession("sess-1")
	if _, err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	sess.ConversionProbability = 0.5
	if err := store.UpdateSession(ctx, sess); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}
	if sess.Version != 1 {
		t.Errorf("version not bumped: got %d, want 1", sess.Version)
	}

	// A writer presenting the old version must get a stale-write error.
	stale := testSession("sess-1")
	stale.Version = 0
	if err := store.UpdateSession(ctx, stale); !errors.Is(err, ErrStaleWrite) {
		t.Errorf("expected ErrStaleWrite, got %v", err)
	}
}

func TestRedisStore_UpdateSession_MovesStageIndex(t *testing.T) {
	_, store := setupStore(t)
	ctx := context.Background()

	sess := testSession("sess-1")
	if _, err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	sess.Stage = StageConsideration
	if err := store.UpdateSession(ctx, sess); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}

	aware, err := store.SessionsByStage(ctx, StageAwareness)
	if err != nil {
		t.Fatalf("SessionsByStage failed: %v", err)
	}
	if len(aware) != 0 {
		t.Errorf("session still indexed under awareness: %v", aware)
	}

	consider, err := store.SessionsByStage(ctx, StageConsideration)
	if err != nil {
		t.Fatalf("SessionsByStage failed: %v", err)
	}
	if len(consider) != 1 || consider[0] != "sess-1" {
		t.Errorf("consideration index = %v, want [sess-1]", consider)
	}
}

func TestRedisStore_Touchpoints_Ordered(t *testing.T) {
	_, store := setupStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		tp := &Touchpoint{
			SessionID:  "sess-1",
			Seq:        i,
			Type:       TouchpointPageView,
			Engagement: 0.5,
			RecordedAt: time.Now().UTC(),
		}
		if err := store.AppendTouchpoint(ctx, tp); err != nil {
			t.Fatalf("AppendTouchpoint %d failed: %v", i, err)
		}
	}

	tps, err := store.Touchpoints(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Touchpoints failed: %v", err)
	}
	if len(tps) != 3 {
		t.Fatalf("got %d touchpoints, want 3", len(tps))
	}
	for i, tp := range tps {
		if tp.Seq != int64(i+1) {
			t.Errorf("touchpoint %d has seq %d", i, tp.Seq)
		}
	}
}

func TestRedisStore_AppendTouchpoint_ReplayIsNoop(t *testing.T) {
	_, store := setupStore(t)
	ctx := context.Background()

	tp := &Touchpoint{
		SessionID:  "sess-1",
		Seq:        1,
		Type:       TouchpointPageView,
		Engagement: 0.5,
		RecordedAt: time.Now().UTC(),
	}
	if err := store.AppendTouchpoint(ctx, tp); err != nil {
		t.Fatalf("AppendTouchpoint failed: %v", err)
	}
	// Redelivery after the caller saw an error on a later write.
	if err := store.AppendTouchpoint(ctx, tp); err != nil {
		t.Fatalf("replayed AppendTouchpoint failed: %v", err)
	}

	tps, err := store.Touchpoints(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Touchpoints failed: %v", err)
	}
	if len(tps) != 1 {
		t.Fatalf("got %d touchpoints, want 1", len(tps))
	}
	if tps[0].Seq != 1 {
		t.Errorf("seq = %d, want 1", tps[0].Seq)
	}
}

func TestRedisStore_Conversions(t *testing.T) {
	_, store := setupStore(t)
	ctx := context.Background()

	conv := &Conversion{
		ID:         "conv-1",
		SessionID:  "sess-1",
		Type:       "purchase",
		Value:      49.99,
		Currency:   "USD",
		OccurredAt: time.Now().UTC(),
	}
	if err := store.AppendConversion(ctx, conv); err != nil {
		t.Fatalf("AppendConversion failed: %v", err)
	}

	convs, err := store.Conversions(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Conversions failed: %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("got %d conversions, want 1", len(convs))
	}
	if convs[0].Value != 49.99 {
		t.Errorf("Value mismatch: got %v", convs[0].Value)
	}
}

func TestRedisStore_SessionsByVisitor(t *testing.T) {
	_, store := setupStore(t)
	ctx := context.Background()

	a := testSession("sess-a")
	b := testSession("sess-b")
	c := testSession("sess-c")
	c.VisitorID = "someone-else"

	for _, sess := range []*Session{a, b, c} {
		if _, err := store.CreateSession(ctx, sess); err != nil {
			t.Fatalf("CreateSession %s failed: %v", sess.ID, err)
		}
	}

	ids, err := store.SessionsByVisitor(ctx, "visitor-1")
	if err != nil {
		t.Fatalf("SessionsByVisitor failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "sess-a" || ids[1] != "sess-b" {
		t.Errorf("SessionsByVisitor = %v, want [sess-a sess-b]", ids)
	}
}

func TestRedisStore_SessionsByFingerprint(t *testing.T) {
	_, store := setupStore(t)
	ctx := context.Background()

	a := testSession("sess-a")
	b := testSession("sess-b")
	c := testSession("sess-c")
	c.Device.Fingerprint = "fp-other"

	for _, sess := range []*Session{a, b, c} {
		if _, err := store.CreateSession(ctx, sess); err != nil {
			t.Fatalf("CreateSession %s failed: %v", sess.ID, err)
		}
	}

	ids, err := store.SessionsByFingerprint(ctx, "fp-abc")
	if err != nil {
		t.Fatalf("SessionsByFingerprint failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "sess-a" || ids[1] != "sess-b" {
		t.Errorf("SessionsByFingerprint = %v, want [sess-a sess-b]", ids)
	}

	if err := store.DeleteSession(ctx, "sess-a"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	ids, err = store.SessionsByFingerprint(ctx, "fp-abc")
	if err != nil {
		t.Fatalf("SessionsByFingerprint failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "sess-b" {
		t.Errorf("after delete, SessionsByFingerprint = %v, want [sess-b]", ids)
	}
}

func TestRedisStore_ProofCounter(t *testing.T) {
	_, store := setupStore(t)
	ctx := context.Background()

	n, err := store.ProofCounter(ctx, "views")
	if err != nil {
		t.Fatalf("ProofCounter failed: %v", err)
	}
	if n != 0 {
		t.Errorf("absent counter = %d, want 0", n)
	}

	for i := 0; i < 5; i++ {
		if _, err := store.IncrProofCounter(ctx, "views", 1); err != nil {
			t.Fatalf("IncrProofCounter failed: %v", err)
		}
	}

	n, err = store.ProofCounter(ctx, "views")
	if err != nil {
		t.Fatalf("ProofCounter failed: %v", err)
	}
	if n != 5 {
		t.Errorf("counter = %d, want 5", n)
	}
}

func TestRedisStore_TriggerExpiry_NeverExtends(t *testing.T) {
	_, store := setupStore(t)
	ctx := context.Background()

	first := time.Now().UTC().Add(10 * time.Minute).Truncate(time.Millisecond)
	got, err := store.TriggerExpiry(ctx, "sess-1", "time_pressure", first)
	if err != nil {
		t.Fatalf("TriggerExpiry failed: %v", err)
	}
	if !got.Equal(first) {
		t.Errorf("first deadline = %v, want %v", got, first)
	}

	// A later candidate must not push the stored deadline out.
	later := first.Add(time.Hour)
	got, err = store.TriggerExpiry(ctx, "sess-1", "time_pressure", later)
	if err != nil {
		t.Fatalf("second TriggerExpiry failed: %v", err)
	}
	if !got.Equal(first) {
		t.Errorf("deadline moved: got %v, want %v", got, first)
	}
}

func TestRedisStore_Links(t *testing.T) {
	_, store := setupStore(t)
	ctx := context.Background()

	id, err := store.LinkOf(ctx, "sess-1")
	if err != nil {
		t.Fatalf("LinkOf failed: %v", err)
	}
	if id != "" {
		t.Errorf("unlinked session has link %q", id)
	}

	link := &Link{
		ID:         "link-1",
		Method:     "declared",
		Confidence: 1.0,
		Sessions:   []string{"sess-1", "sess-2"},
		Devices:    []DeviceClass{DeviceMobile, DeviceDesktop},
		CreatedAt:  time.Now().UTC(),
	}
	if err := store.SaveLink(ctx, link); err != nil {
		t.Fatalf("SaveLink failed: %v", err)
	}

	for _, sessID := range link.Sessions {
		got, err := store.LinkOf(ctx, sessID)
		if err != nil {
			t.Fatalf("LinkOf %s failed: %v", sessID, err)
		}
		if got != "link-1" {
			t.Errorf("LinkOf(%s) = %q, want link-1", sessID, got)
		}
	}

	loaded, err := store.GetLink(ctx, "link-1")
	if err != nil {
		t.Fatalf("GetLink failed: %v", err)
	}
	if len(loaded.Sessions) != 2 || loaded.Method != "declared" {
		t.Errorf("link roundtrip mismatch: %+v", loaded)
	}

	if err := store.RemoveLink(ctx, "link-1"); err != nil {
		t.Fatalf("RemoveLink failed: %v", err)
	}
	if _, err := store.GetLink(ctx, "link-1"); err == nil {
		t.Error("expected error loading removed link")
	}
}

func TestRedisStore_ArchiveSession(t *testing.T) {
	_, store := setupStore(t)
	ctx := context.Background()

	sess := testSession("sess-1")
	if _, err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if err := store.ArchiveSession(ctx, "sess-1"); err != nil {
		t.Fatalf("ArchiveSession failed: %v", err)
	}

	loaded, err := store.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if !loaded.Archived {
		t.Error("session not marked archived")
	}

	ids, err := store.SessionsByStage(ctx, StageAwareness)
	if err != nil {
		t.Fatalf("SessionsByStage failed: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("archived session still in stage index: %v", ids)
	}
}

func TestRedisStore_DeleteSession(t *testing.T) {
	_, store := setupStore(t)
	ctx := context.Background()

	sess := testSession("sess-1")
	if _, err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	tp := &Touchpoint{SessionID: "sess-1", Seq: 1, Type: TouchpointPageView, RecordedAt: time.Now().UTC()}
	if err := store.AppendTouchpoint(ctx, tp); err != nil {
		t.Fatalf("AppendTouchpoint failed: %v", err)
	}

	if err := store.DeleteSession(ctx, "sess-1"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}

	if _, err := store.GetSession(ctx, "sess-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound after delete, got %v", err)
	}
	tps, err := store.Touchpoints(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Touchpoints failed: %v", err)
	}
	if len(tps) != 0 {
		t.Errorf("touchpoints survived delete: %d", len(tps))
	}
}

func TestRedisStore_Closed(t *testing.T) {
	_, store := setupStore(t)

	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	_, err := store.GetSession(context.Background(), "sess-1")
	if !errors.Is(err, ErrStorageClosed) {
		t.Errorf("expected ErrStorageClosed, got %v", err)
	}
}
