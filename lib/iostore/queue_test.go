// Copyright 2026 The IoStore Authors
// SPDX-License-Identifier: Apache-2.0

package iostore

import (
	"testing"
	"time"

	"github.com/iostore-dev/iostore/lib/testutil"
)

func TestWriteQueueFIFO(t *testing.T) {
	q := newWriteQueue(1 << 20)

	for i := 0; i < 5; i++ {
		entry := &writeQueueEntry{}
		entry.id[0] = byte(i + 1)
		q.enqueue(entry)
	}
	q.completeAdding()

	for i := 0; i < 5; i++ {
		entry, ok := q.dequeueOrWait()
		if !ok {
			t.Fatalf("queue reported done at entry %d", i)
		}
		if entry.id[0] != byte(i+1) {
			t.Errorf("entry %d has id %d, FIFO order violated", i, entry.id[0])
		}
	}

	if _, ok := q.dequeueOrWait(); ok {
		t.Error("drained done queue still produced an entry")
	}
}

func TestWriteQueueDequeueWaits(t *testing.T) {
	q := newWriteQueue(1 << 20)

	received := make(chan *writeQueueEntry, 1)
	go func() {
		entry, ok := q.dequeueOrWait()
		if ok {
			received <- entry
		}
		close(received)
	}()

	// The consumer must block until something is enqueued.
	time.Sleep(20 * time.Millisecond)
	want := &writeQueueEntry{id: ChunkID{7}}
	q.enqueue(want)

	got := testutil.RequireReceive(t, received, 5*time.Second, "dequeue after enqueue")
	if got != want {
		t.Error("dequeued a different entry")
	}
}

func TestWriteQueueBackpressure(t *testing.T) {
	// Budget fits one 10-byte payload. The second alloc must block
	// until the first is freed.
	q := newWriteQueue(12)
	q.alloc(10)

	unblocked := make(chan struct{})
	go func() {
		q.alloc(10)
		close(unblocked)
	}()

	testutil.RequireNotClosed(t, unblocked, 50*time.Millisecond, "second alloc should block")

	q.free(10)
	testutil.RequireClosed(t, unblocked, 5*time.Second, "alloc after free")
}

func TestWriteQueueOversizedPayloadAdmitted(t *testing.T) {
	// A payload larger than the whole budget is admitted when
	// nothing else is pending, rather than deadlocking.
	q := newWriteQueue(16)

	admitted := make(chan struct{})
	go func() {
		q.alloc(1 << 20)
		close(admitted)
	}()
	testutil.RequireClosed(t, admitted, 5*time.Second, "oversized alloc on idle budget")

	// But a second payload waits for it.
	second := make(chan struct{})
	go func() {
		q.alloc(1)
		close(second)
	}()
	testutil.RequireNotClosed(t, second, 50*time.Millisecond, "second alloc should block")
	q.free(1 << 20)
	testutil.RequireClosed(t, second, 5*time.Second, "second alloc after free")
}

func TestWriteQueueCompleteAddingWakesConsumer(t *testing.T) {
	q := newWriteQueue(1 << 20)

	done := make(chan struct{})
	go func() {
		if _, ok := q.dequeueOrWait(); ok {
			t.Error("empty done queue produced an entry")
		}
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	q.completeAdding()
	testutil.RequireClosed(t, done, 5*time.Second, "consumer exit on completeAdding")
}

func TestWriteQueueReopen(t *testing.T) {
	q := newWriteQueue(1 << 20)
	q.completeAdding()
	if _, ok := q.dequeueOrWait(); ok {
		t.Fatal("done queue produced an entry")
	}

	q.reopen()
	q.enqueue(&writeQueueEntry{id: ChunkID{1}})
	entry, ok := q.dequeueOrWait()
	if !ok || entry.id[0] != 1 {
		t.Error("reopened queue did not deliver the new entry")
	}
}
