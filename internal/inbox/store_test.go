package inbox

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"notifd/internal/notification"
)

func rec(id string, at int64) notification.Record {
	return notification.Record{ID: id, Title: "t-" + id, ArrivedAt: at, Source: notification.SourcePoll}
}

func ids(rs []notification.Record) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

func TestInsertOrdersNewestFirstAndDedups(t *testing.T) {
	t.Parallel()
	s := New()
	added := s.Insert([]notification.Record{rec("a", 1000), rec("b", 3000), rec("c", 2000)})
	if len(added) != 3 {
		t.Fatalf("added %d, want 3", len(added))
	}
	if got := fmt.Sprint(ids(s.List())); got != "[b c a]" {
		t.Fatalf("order = %s, want [b c a]", got)
	}

	again := s.Insert([]notification.Record{rec("a", 1000), rec("b", 3000)})
	if len(again) != 0 {
		t.Fatalf("re-insert reported %d new records", len(again))
	}
	if s.Len() != 3 {
		t.Fatalf("len = %d after idempotent insert, want 3", s.Len())
	}
}

func TestInsertLastWriteWinsButReadIsSticky(t *testing.T) {
	t.Parallel()
	s := New()
	s.Insert([]notification.Record{rec("a", 1000)})
	if !s.MarkRead("a") {
		t.Fatal("MarkRead(a) = false")
	}
	upd := rec("a", 1000)
	upd.Title = "changed"
	upd.Read = false
	s.Insert([]notification.Record{upd})

	got, ok := s.Get("a")
	if !ok {
		t.Fatal("record a missing")
	}
	if got.Title != "changed" {
		t.Fatalf("title = %q, want last write", got.Title)
	}
	if !got.Read {
		t.Fatal("read flag reverted by insertion")
	}
}

func TestInsertKeepsFirstSource(t *testing.T) {
	t.Parallel()
	s := New()
	live := rec("a", 1000)
	live.Source = notification.SourceLive
	s.Insert([]notification.Record{live})

	polled := rec("a", 1000)
	polled.Title = "from poll"
	s.Insert([]notification.Record{polled})

	got, _ := s.Get("a")
	if got.Source != notification.SourceLive {
		t.Fatalf("source = %q, want first-seen %q", got.Source, notification.SourceLive)
	}
	if got.Title != "from poll" {
		t.Fatalf("title = %q, want last write", got.Title)
	}
}

func TestOrderUpdateWithoutServerIDMergesBySameEvent(t *testing.T) {
	t.Parallel()
	order := func(id string, src notification.Source, orderID, status, provider string) notification.Record {
		return notification.Record{
			ID: id, Title: "t", Category: notification.CategoryOrderStatus, ArrivedAt: 100, Source: src,
			Payload: notification.OrderStatus{OrderID: orderID, Status: status, ProviderID: provider},
		}
	}
	tests := []struct {
		name    string
		first   notification.Record
		second  notification.Record
		wantLen int
		wantID  string
	}{
		{
			name:    "poll then live keeps server id",
			first:   order("srv-1", notification.SourcePoll, "o-1", "assigned", "p-1"),
			second:  order("live-x", notification.SourceLive, "", "Assigned", "p-1"),
			wantLen: 1, wantID: "srv-1",
		},
		{
			name:    "live then poll adopts server id",
			first:   order("live-x", notification.SourceLive, "", "assigned", "p-1"),
			second:  order("srv-1", notification.SourcePoll, "o-1", "assigned", "p-1"),
			wantLen: 1, wantID: "srv-1",
		},
		{
			name:    "different orders stay apart",
			first:   order("srv-1", notification.SourcePoll, "o-1", "assigned", "p-1"),
			second:  order("srv-2", notification.SourcePoll, "o-2", "assigned", "p-1"),
			wantLen: 2, wantID: "srv-2",
		},
		{
			name:    "different status stays apart",
			first:   order("live-x", notification.SourceLive, "o-1", "assigned", ""),
			second:  order("live-y", notification.SourceLive, "o-1", "completed", ""),
			wantLen: 2, wantID: "live-y",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := New()
			s.Insert([]notification.Record{tc.first})
			added := s.Insert([]notification.Record{tc.second})
			if s.Len() != tc.wantLen {
				t.Fatalf("len = %d, want %d", s.Len(), tc.wantLen)
			}
			if tc.wantLen == 1 && len(added) != 0 {
				t.Fatalf("same event announced again: %v", ids(added))
			}
			if _, ok := s.Get(tc.wantID); !ok {
				t.Fatalf("record %q missing; have %v", tc.wantID, ids(s.List()))
			}
		})
	}
}

func TestInsertCapsAtCapacity(t *testing.T) {
	t.Parallel()
	s := New()
	for i := 0; i < 130; i++ {
		s.Insert([]notification.Record{rec(fmt.Sprintf("n%d", i), int64(i))})
	}
	if s.Len() != DefaultCapacity {
		t.Fatalf("len = %d, want %d", s.Len(), DefaultCapacity)
	}
	list := s.List()
	if list[0].ID != "n129" || list[len(list)-1].ID != "n30" {
		t.Fatalf("kept %s..%s, want n129..n30", list[0].ID, list[len(list)-1].ID)
	}
	if _, ok := s.Get("n0"); ok {
		t.Fatal("oldest record not evicted")
	}
}

func TestInsertDoesNotAnnounceRecordsEvictedInSameBatch(t *testing.T) {
	t.Parallel()
	s := New(WithCapacity(2))
	s.Insert([]notification.Record{rec("new1", 5000), rec("new2", 6000)})
	added := s.Insert([]notification.Record{rec("old", 10)})
	if len(added) != 0 {
		t.Fatalf("announced %v, which was evicted immediately", ids(added))
	}
}

func TestMarkReadKeepsOrder(t *testing.T) {
	t.Parallel()
	s := New()
	s.Insert([]notification.Record{rec("a", 1), rec("b", 2), rec("c", 3)})
	before := fmt.Sprint(ids(s.List()))
	s.MarkRead("b")
	if after := fmt.Sprint(ids(s.List())); after != before {
		t.Fatalf("order changed: %s -> %s", before, after)
	}
	if s.UnreadCount() != 2 {
		t.Fatalf("unread = %d, want 2", s.UnreadCount())
	}
	if s.MarkRead("zzz") {
		t.Fatal("MarkRead of unknown id reported true")
	}
}

func TestCursorIsMonotonicAndClearResetsEverything(t *testing.T) {
	t.Parallel()
	s := New()
	s.AdvanceCursor(2000)
	if got := s.AdvanceCursor(1000); got != 2000 {
		t.Fatalf("cursor moved backwards to %d", got)
	}
	s.Insert([]notification.Record{rec("a", 1)})
	s.NotePoll(time.Unix(10, 0), 3)
	s.NotePoll(time.Unix(20, 0), 2)
	s.NoteFallback(true)
	if st := s.Stats(); st.MissedCount != 5 || !st.FallbackActive || !st.LastPollAt.Equal(time.Unix(20, 0)) {
		t.Fatalf("unexpected stats %+v", st)
	}

	s.Clear()
	if s.Len() != 0 || s.Cursor() != 0 || s.Stats() != (Stats{}) {
		t.Fatalf("clear left state behind: len=%d cursor=%d stats=%+v", s.Len(), s.Cursor(), s.Stats())
	}
}

func TestListenerRunsOutsideLockWithNewRecordsOnly(t *testing.T) {
	t.Parallel()
	var (
		s    *Store
		seen [][]string
	)
	s = New(WithListener(func(added []notification.Record) {
		// Re-entering the store must not deadlock.
		_ = s.Len()
		seen = append(seen, ids(added))
	}))
	s.Insert([]notification.Record{rec("a", 1), rec("b", 2)})
	s.Insert([]notification.Record{rec("b", 2), rec("c", 3)})
	if got := fmt.Sprint(seen); got != "[[a b] [c]]" {
		t.Fatalf("listener saw %s", got)
	}
}

func TestConcurrentInsertFromBothChannels(t *testing.T) {
	t.Parallel()
	s := New()
	var wg sync.WaitGroup
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func(src notification.Source) {
			defer wg.Done()
			for i := 0; i < 60; i++ {
				r := rec(fmt.Sprintf("n%d", i), int64(i))
				r.Source = src
				s.Insert([]notification.Record{r})
			}
		}([]notification.Source{notification.SourcePoll, notification.SourceLive}[w])
	}
	wg.Wait()
	if s.Len() != 60 {
		t.Fatalf("len = %d, want 60 unique records", s.Len())
	}
}
