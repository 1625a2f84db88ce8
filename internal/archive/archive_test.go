package archive

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"oathboard/api/internal/store"
)

func testArchiver(t *testing.T) (*Archiver, map[string][]byte) {
	t.Helper()
	a, err := New(Config{Endpoint: "localhost:9000", Bucket: "transcripts"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	objects := map[string][]byte{}
	a.put = func(_ context.Context, key string, body []byte) error {
		objects[key] = body
		return nil
	}
	a.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return a, objects
}

func TestArchiveWritesTranscript(t *testing.T) {
	a, objects := testArchiver(t)
	session := store.PairSession{ID: "5F1C0A4E-0000-4000-8000-000000000001", JoinCode: "AB12CD", Status: store.StatusCompleted}
	rounds := []store.Round{{SessionID: session.ID, Number: 1, Idea: "be kind", Status: "accepted"}}

	if err := a.Archive(context.Background(), session, rounds, nil); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}

	body, ok := objects["sessions/5f1c0a4e-0000-4000-8000-000000000001.json"]
	if !ok {
		t.Fatalf("transcript written under unexpected key: %v", objects)
	}
	var got Transcript
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	if got.Session.JoinCode != "AB12CD" || len(got.Rounds) != 1 || got.Messages == nil || !got.ArchivedAt.Equal(a.now()) {
		t.Fatalf("unexpected transcript %+v", got)
	}
}

func TestArchiveWrapsPutErrors(t *testing.T) {
	a, _ := testArchiver(t)
	boom := errors.New("bucket offline")
	a.put = func(context.Context, string, []byte) error { return boom }

	err := a.Archive(context.Background(), store.PairSession{ID: "s1"}, nil, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped put error, got %v", err)
	}
}

func TestConfigIsConfigured(t *testing.T) {
	if (Config{}).IsConfigured() {
		t.Fatal("empty config must not be configured")
	}
	if !(Config{Endpoint: "localhost:9000", Bucket: "b"}).IsConfigured() {
		t.Fatal("endpoint and bucket should be enough")
	}
}

func TestArchiveRoundTripMinio(t *testing.T) {
	endpoint := os.Getenv("OATHBOARD_TEST_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("OATHBOARD_TEST_MINIO_ENDPOINT not set")
	}
	a, err := New(Config{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("OATHBOARD_TEST_MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("OATHBOARD_TEST_MINIO_SECRET_KEY"),
		Bucket:    "oathboard-test",
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()
	if err := a.EnsureBucket(ctx); err != nil {
		t.Fatalf("EnsureBucket failed: %v", err)
	}
	session := store.PairSession{ID: "roundtrip-" + time.Now().Format("150405.000"), Status: store.StatusEnded}
	if err := a.Archive(ctx, session, nil, []store.Message{{ID: "m1", Body: "hi"}}); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	got, err := a.Fetch(ctx, session.ID)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if got.Session.ID != session.ID || len(got.Messages) != 1 {
		t.Fatalf("unexpected transcript %+v", got)
	}
	if _, err := a.Fetch(ctx, "never-archived"); !errors.Is(err, ErrNotArchived) {
		t.Fatalf("expected ErrNotArchived, got %v", err)
	}
}
