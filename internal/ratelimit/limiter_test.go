package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestBucketKey(t *testing.T) {
	at := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

	got := BucketKey("sender-42", at)
	want := "sendflow:ratelimit:sender-42:2026-03-14:15"
	if got != want {
		t.Errorf("BucketKey = %q, want %q", got, want)
	}
}

func TestBucketKeyChangesAcrossHours(t *testing.T) {
	// Two sends 59 minutes apart within the same hour share a bucket;
	// crossing the hour boundary starts a fresh one.
	base := time.Date(2026, 3, 14, 15, 0, 30, 0, time.UTC)

	if BucketKey("s", base) != BucketKey("s", base.Add(59*time.Minute)) {
		t.Error("same-hour timestamps must map to one bucket")
	}
	if BucketKey("s", base) == BucketKey("s", base.Add(time.Hour)) {
		t.Error("next-hour timestamp must map to a new bucket")
	}
}

func TestNextHourBoundary(t *testing.T) {
	tests := []struct {
		name string
		at   time.Time
		want time.Time
	}{
		{
			name: "mid hour lands on :00:00",
			at:   time.Date(2026, 3, 14, 15, 9, 26, 535000000, time.UTC),
			want: time.Date(2026, 3, 14, 16, 0, 0, 0, time.UTC),
		},
		{
			name: "exact boundary advances a full hour",
			at:   time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC),
			want: time.Date(2026, 3, 14, 16, 0, 0, 0, time.UTC),
		},
		{
			name: "day rollover",
			at:   time.Date(2026, 3, 14, 23, 59, 59, 0, time.UTC),
			want: time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			// Zones with a fractional UTC offset still defer to :00:00
			// local, not to the next absolute hour.
			name: "half hour offset zone",
			at:   time.Date(2026, 3, 14, 15, 9, 26, 0, time.FixedZone("IST", 5*3600+1800)),
			want: time.Date(2026, 3, 14, 16, 0, 0, 0, time.FixedZone("IST", 5*3600+1800)),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextHourBoundary(tt.at)
			if !got.Equal(tt.want) {
				t.Errorf("NextHourBoundary(%v) = %v, want %v", tt.at, got, tt.want)
			}
			if got.Minute() != 0 || got.Second() != 0 || got.Nanosecond() != 0 {
				t.Errorf("boundary not aligned to :00:00: %v", got)
			}
			// The boundary must leave the exhausted bucket behind.
			if BucketKey("s", got) == BucketKey("s", tt.at) {
				t.Errorf("boundary %v still maps to the bucket of %v", got, tt.at)
			}
		})
	}
}

func TestRedisLimiterCheckPropagatesError(t *testing.T) {
	// Unreachable Redis: the limiter must surface the error rather than
	// silently allowing the send.
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:0",
		DialTimeout: 10 * time.Millisecond,
		ReadTimeout: 10 * time.Millisecond,
		MaxRetries:  0,
	})

	l := NewRedisLimiter(rdb, 2*time.Hour)
	allowed, _, err := l.Check(context.Background(), "sender-1", 10, time.Now())
	if err == nil {
		t.Fatal("expected error from unreachable redis")
	}
	if allowed {
		t.Error("check must not allow when the counter is unreadable")
	}
}
