package calllog

import (
	"context"
	"testing"
)

func TestInMemoryStoreAppendAndRecent(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	first, err := s.Append(ctx, Entry{ConversationID: "conv-1", Transcript: "t1", Summary: "s1"})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if first.ID == "" || first.CreatedAt.IsZero() {
		t.Fatalf("Append() did not fill defaults: %+v", first)
	}

	if _, err := s.Append(ctx, Entry{ConversationID: "conv-2", Transcript: "t2", Summary: "s2"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	entries, err := s.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Recent() len = %d, want 2", len(entries))
	}
	if entries[0].ConversationID != "conv-2" || entries[1].ConversationID != "conv-1" {
		t.Fatalf("Recent() order = %q, %q, want newest first", entries[0].ConversationID, entries[1].ConversationID)
	}

	limited, err := s.Recent(ctx, 1)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(limited) != 1 || limited[0].ConversationID != "conv-2" {
		t.Fatalf("Recent(1) = %+v", limited)
	}
}

func TestInMemoryStoreEmpty(t *testing.T) {
	s := NewInMemoryStore()
	entries, err := s.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if entries != nil {
		t.Fatalf("Recent() = %+v, want nil", entries)
	}
}
