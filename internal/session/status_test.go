package session

import (
	"testing"
	"time"
)

func TestClassifyStatus(t *testing.T) {
	now := time.Date(2026, 1, 30, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		view  *View
		mtime time.Time
		want  Status
	}{
		{
			name: "assistant 30s ago no result",
			view: &View{
				LastTimestamp:   now.Add(-30 * time.Second),
				LastMessageRole: "assistant",
				AssistantSeen:   true,
			},
			mtime: now.Add(-30 * time.Second),
			want:  StatusRunning,
		},
		{
			name: "assistant 12min ago no result",
			view: &View{
				LastTimestamp:   now.Add(-12 * time.Minute),
				LastMessageRole: "assistant",
				AssistantSeen:   true,
			},
			mtime: now.Add(-12 * time.Minute),
			want:  StatusCompleted,
		},
		{
			name: "user 12min ago",
			view: &View{
				LastTimestamp:   now.Add(-12 * time.Minute),
				LastMessageRole: "user",
				AssistantSeen:   true,
			},
			mtime: now.Add(-12 * time.Minute),
			want:  StatusInterrupted,
		},
		{
			name: "user 5min ago never answered",
			view: &View{
				LastTimestamp:   now.Add(-5 * time.Minute),
				LastMessageRole: "user",
			},
			mtime: now.Add(-5 * time.Minute),
			want:  StatusInterrupted,
		},
		{
			name: "user 5min ago mid conversation",
			view: &View{
				LastTimestamp:   now.Add(-5 * time.Minute),
				LastMessageRole: "user",
				AssistantSeen:   true,
			},
			mtime: now.Add(-5 * time.Minute),
			want:  StatusIdle,
		},
		{
			name: "result success",
			view: &View{
				Completed:       true,
				Success:         true,
				LastTimestamp:   now.Add(-time.Hour),
				LastMessageRole: "assistant",
				AssistantSeen:   true,
			},
			mtime: now.Add(-time.Hour),
			want:  StatusCompleted,
		},
		{
			name: "result with errors",
			view: &View{
				Completed:     true,
				Errors:        []string{"boom"},
				LastTimestamp: now.Add(-time.Minute),
			},
			mtime: now.Add(-time.Minute),
			want:  StatusError,
		},
		{
			name:  "empty fresh file",
			view:  NewView(),
			mtime: now.Add(-5 * time.Second),
			want:  StatusRunning,
		},
		{
			name:  "empty old file",
			view:  NewView(),
			mtime: now.Add(-time.Hour),
			want:  StatusStale,
		},
		{
			name: "assistant 5min ago",
			view: &View{
				LastTimestamp:   now.Add(-5 * time.Minute),
				LastMessageRole: "assistant",
				AssistantSeen:   true,
			},
			mtime: now.Add(-5 * time.Minute),
			want:  StatusIdle,
		},
		{
			name: "mtime fresher than last message",
			view: &View{
				LastTimestamp:   now.Add(-time.Hour),
				LastMessageRole: "assistant",
				AssistantSeen:   true,
			},
			mtime: now.Add(-10 * time.Second),
			want:  StatusRunning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyStatus(tt.view, tt.mtime, now); got != tt.want {
				t.Errorf("ClassifyStatus() = %q, want %q", got, tt.want)
			}
		})
	}
}
