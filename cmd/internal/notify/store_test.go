package notify

import (
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func note(id int64, read bool) Notification {
	return Notification{
		ID:         id,
		Read:       read,
		Payload:    []byte(fmt.Sprintf(`{"id":%d,"read":%t}`, id, read)),
		ReceivedAt: time.Unix(id, 0).UTC(),
	}
}

func ids(list []Notification) []int64 {
	out := make([]int64, 0, len(list))
	for _, n := range list {
		out = append(out, n.ID)
	}
	return out
}

func TestUpsertPrependsAndReplacesInPlace(t *testing.T) {
	t.Parallel()

	s := NewStore(quietLogger(), nil)
	s.Upsert(note(1, false))
	s.Upsert(note(2, false))
	s.Upsert(note(3, false))

	if got := fmt.Sprint(ids(s.List())); got != "[3 2 1]" {
		t.Fatalf("order=%s want newest first", got)
	}

	s.Upsert(note(2, true))
	list := s.List()
	if got := fmt.Sprint(ids(list)); got != "[3 2 1]" {
		t.Fatalf("order after replace=%s", got)
	}
	if !list[1].Read {
		t.Fatalf("replacement lost newer field")
	}
	if s.Unread() != 2 {
		t.Fatalf("unread=%d", s.Unread())
	}
}

func TestUpsertIdempotentUnderAnyInterleaving(t *testing.T) {
	t.Parallel()

	r := rand.New(rand.NewPCG(1, 2))
	for round := 0; round < 50; round++ {
		s := NewStore(quietLogger(), nil)
		last := map[int64]bool{}
		for i := 0; i < 40; i++ {
			id := int64(r.IntN(6) + 1)
			read := r.IntN(2) == 0
			s.Upsert(note(id, read))
			last[id] = read
		}

		list := s.List()
		if len(list) != len(last) {
			t.Fatalf("round %d: %d entries for %d ids", round, len(list), len(last))
		}
		for _, n := range list {
			if n.Read != last[n.ID] {
				t.Fatalf("round %d: id %d read=%v want last write %v", round, n.ID, n.Read, last[n.ID])
			}
		}

		// Applying the final state again changes nothing observable.
		before := fmt.Sprint(ids(list))
		for _, n := range list {
			s.Upsert(n)
		}
		if after := fmt.Sprint(ids(s.List())); after != before {
			t.Fatalf("round %d: reapply moved entries %s -> %s", round, before, after)
		}
	}
}

func TestReplaceIfChangedSkipsIdenticalShape(t *testing.T) {
	t.Parallel()

	s := NewStore(quietLogger(), nil)
	notified := 0
	s.Watch(func([]Notification) { notified++ })

	snap := []Notification{note(3, false), note(2, true)}
	if !s.ReplaceIfChanged(snap) {
		t.Fatalf("first snapshot not installed")
	}
	v := s.Version()
	before := s.List()

	// Same ids, order and read flags, different payloads: no update.
	same := []Notification{note(3, false), note(2, true)}
	same[0].Payload = []byte(`{"id":3,"read":false,"title":"changed"}`)
	if s.ReplaceIfChanged(same) {
		t.Fatalf("identical shape replaced the list")
	}
	if s.Version() != v || &s.List()[0] != &before[0] || notified != 1 {
		t.Fatalf("no-op snapshot changed identity (version %d->%d, notified=%d)", v, s.Version(), notified)
	}

	cases := map[string][]Notification{
		"read flag": {note(3, true), note(2, true)},
		"order":     {note(2, true), note(3, false)},
		"length":    {note(3, false)},
		"ids":       {note(4, false), note(2, true)},
	}
	for name, snap := range cases {
		if !s.ReplaceIfChanged(snap) {
			t.Fatalf("%s: genuine change suppressed", name)
		}
	}

	if !s.ReplaceIfChanged(nil) || len(s.List()) != 0 {
		t.Fatalf("empty snapshot not installed")
	}
	if s.ReplaceIfChanged([]Notification{}) {
		t.Fatalf("empty over empty reported a change")
	}
}

func TestMarkRead(t *testing.T) {
	t.Parallel()

	s := NewStore(quietLogger(), nil)
	s.ReplaceIfChanged([]Notification{note(3, false), note(2, false), note(1, true)})
	v := s.Version()

	if n := s.MarkRead(nil); n != 0 || s.Version() != v {
		t.Fatalf("empty input changed state")
	}
	if n := s.MarkRead([]int64{0, -4}); n != 0 || s.Version() != v {
		t.Fatalf("malformed ids changed state")
	}
	if n := s.MarkRead([]int64{1}); n != 0 {
		t.Fatalf("already-read entry counted")
	}
	if n := s.MarkRead([]int64{3, 99, -1}); n != 1 {
		t.Fatalf("changed=%d want 1", n)
	}
	if s.Unread() != 1 || !s.List()[0].Read {
		t.Fatalf("list=%+v", s.List())
	}
}

func TestResetClears(t *testing.T) {
	t.Parallel()

	s := NewStore(quietLogger(), nil)
	s.Upsert(note(1, false))
	s.Reset()
	if len(s.List()) != 0 || s.Unread() != 0 {
		t.Fatalf("reset left entries")
	}
	v := s.Version()
	s.Reset()
	if s.Version() != v {
		t.Fatalf("reset of empty store counted as change")
	}
}

func TestParse(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cases := []struct {
		raw  string
		id   int64
		read bool
		typ  string
		err  bool
	}{
		{raw: `{"id":5,"read":false,"type":"order"}`, id: 5, typ: "order"},
		{raw: `{"id":"12","is_read":true,"kind":"call"}`, id: 12, read: true, typ: "call"},
		{raw: `{"id":1.5}`, err: true},
		{raw: `{"id":0}`, err: true},
		{raw: `{"title":"no id"}`, err: true},
		{raw: `[1]`, err: true},
		{raw: `{`, err: true},
	}

	for _, tc := range cases {
		n, err := Parse([]byte(tc.raw), now)
		if tc.err {
			if err == nil {
				t.Fatalf("Parse(%s) accepted", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Parse(%s): %v", tc.raw, err)
		}
		if n.ID != tc.id || n.Read != tc.read || n.Type != tc.typ || !n.ReceivedAt.Equal(now) {
			t.Fatalf("Parse(%s)=%+v", tc.raw, n)
		}
		if string(n.Payload) != tc.raw {
			t.Fatalf("payload not kept verbatim: %s", n.Payload)
		}
	}

	n, _ := Parse([]byte(`{"id":2,"created_at":"2025-05-06T07:08:09Z"}`), now)
	if n.ReceivedAt.Year() != 2025 {
		t.Fatalf("created_at ignored: %v", n.ReceivedAt)
	}
}
