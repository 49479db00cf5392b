package chat_test

import (
	"context"
	"errors"
	"testing"
	"time"

	model "github.com/zhouzirui/dify-chat/backend/internal/model/chat"
	"github.com/zhouzirui/dify-chat/backend/internal/model/user"
	chat "github.com/zhouzirui/dify-chat/backend/internal/service/chat"
)

func TestServiceGetSession(t *testing.T) {
	svc := chat.NewService()
	ctx := context.Background()

	session, err := svc.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}

	got, err := svc.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession err: %v", err)
	}

	if got.ID != session.ID {
		t.Fatalf("unexpected session ID: got %s want %s", got.ID, session.ID)
	}
	if _, ok := got.User(); ok {
		t.Fatal("new session must be unauthenticated")
	}
}

func TestServiceGetSessionNotFound(t *testing.T) {
	svc := chat.NewService()
	ctx := context.Background()

	if _, err := svc.GetSession(ctx, "missing"); !errors.Is(err, chat.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestServiceLoadTranscriptKeepsOrder(t *testing.T) {
	svc := chat.NewService()
	ctx := context.Background()
	session, _ := svc.CreateSession(ctx)

	session.Append(model.UserTurn("hello"))
	session.Append(model.AssistantTurn("hi there"))
	session.Append(model.UserTurn("how are you?"))

	turns, err := svc.LoadTranscript(ctx, session.ID)
	if err != nil {
		t.Fatalf("LoadTranscript err: %v", err)
	}
	want := []string{"hello", "hi there", "how are you?"}
	if len(turns) != len(want) {
		t.Fatalf("expected %d turns, got %d", len(want), len(turns))
	}
	for i, turn := range turns {
		if turn.Text != want[i] {
			t.Fatalf("turn %d mismatch: %+v", i, turn)
		}
		if turn.CreatedAt.IsZero() {
			t.Fatalf("turn %d missing timestamp", i)
		}
	}
	if turns[1].Speaker != model.SpeakerAssistant {
		t.Fatalf("expected assistant turn, got %s", turns[1].Speaker)
	}

	if _, err := svc.LoadTranscript(ctx, "missing"); !errors.Is(err, chat.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestLoadTranscriptReturnsCopy(t *testing.T) {
	svc := chat.NewService()
	ctx := context.Background()
	session, _ := svc.CreateSession(ctx)
	session.Append(model.UserTurn("original"))

	turns, _ := svc.LoadTranscript(ctx, session.ID)
	turns[0].Text = "mutated"

	again, _ := svc.LoadTranscript(ctx, session.ID)
	if again[0].Text != "original" {
		t.Fatalf("transcript mutated through returned slice: %q", again[0].Text)
	}
}

func TestTranscriptReplayIsPrefixStable(t *testing.T) {
	svc := chat.NewService()
	ctx := context.Background()
	session, _ := svc.CreateSession(ctx)

	var previous []model.Turn
	for i := 0; i < 5; i++ {
		session.Append(model.UserTurn(string(rune('a' + i))))
		current := session.Transcript()
		if len(current) != len(previous)+1 {
			t.Fatalf("expected %d turns, got %d", len(previous)+1, len(current))
		}
		for j := range previous {
			if current[j] != previous[j] {
				t.Fatalf("turn %d changed between renders", j)
			}
		}
		previous = current
	}
}

func TestSessionResetClearsUserAndTranscript(t *testing.T) {
	svc := chat.NewService()
	session, _ := svc.CreateSession(context.Background())
	session.Authenticate(user.Identity{ID: "u1", Email: "a@example.com"}, "token")
	session.Append(model.UserTurn("hello"))

	session.Reset()

	if _, ok := session.User(); ok {
		t.Fatal("expected user cleared")
	}
	if session.AccessToken() != "" {
		t.Fatal("expected token cleared")
	}
	if len(session.Transcript()) != 0 {
		t.Fatal("expected transcript cleared")
	}
}

func TestServicePruneIdleSessions(t *testing.T) {
	svc := chat.NewService()
	ctx := context.Background()
	stale, _ := svc.CreateSession(ctx)
	fresh, _ := svc.CreateSession(ctx)

	now := time.Now().UTC()
	stale.Touch(now.Add(-time.Hour))
	fresh.Touch(now)

	if removed := svc.Prune(now, 30*time.Minute); removed != 1 {
		t.Fatalf("expected 1 pruned session, got %d", removed)
	}
	if _, err := svc.GetSession(ctx, stale.ID); err == nil {
		t.Fatal("stale session should be gone")
	}
	if _, err := svc.GetSession(ctx, fresh.ID); err != nil {
		t.Fatalf("fresh session should remain: %v", err)
	}
}

func TestServicePruneKeepsAttachedSessions(t *testing.T) {
	svc := chat.NewService()
	ctx := context.Background()
	session, _ := svc.CreateSession(ctx)

	detach := session.Attach()
	later := time.Now().UTC().Add(2 * time.Hour)
	if removed := svc.Prune(later, 30*time.Minute); removed != 0 {
		t.Fatalf("attached session pruned")
	}

	detach()
	detach()
	if session.Attached() {
		t.Fatal("expected session detached")
	}
	if removed := svc.Prune(later, 30*time.Minute); removed != 1 {
		t.Fatalf("expected detached session pruned, got %d", removed)
	}
}

func TestServiceDeleteSession(t *testing.T) {
	svc := chat.NewService()
	ctx := context.Background()
	session, _ := svc.CreateSession(ctx)

	if err := svc.DeleteSession(ctx, session.ID); err != nil {
		t.Fatalf("DeleteSession err: %v", err)
	}
	if svc.Len() != 0 {
		t.Fatalf("expected no sessions, got %d", svc.Len())
	}
	if err := svc.DeleteSession(ctx, session.ID); !errors.Is(err, chat.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}
