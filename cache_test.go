package mcpforge

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCacheLookupMissThenHit(t *testing.T) {
	c := NewCache(8, time.Minute, nil)
	if _, ok := c.Lookup("ex://greet"); ok {
		t.Fatal("expected a miss on an empty cache")
	}

	var calls int32
	items, herr := c.FetchOrInsert(context.Background(), "ex://greet", 0, func(ctx context.Context, uri string) ([]ContentItem, *HandlerError) {
		atomic.AddInt32(&calls, 1)
		return []ContentItem{TextContent("Hello")}, nil
	})
	if herr != nil {
		t.Fatalf("FetchOrInsert: %v", herr)
	}
	if len(items) != 1 || string(items[0].Data) != "Hello" {
		t.Fatalf("unexpected items: %v", items)
	}

	if _, ok := c.Lookup("ex://greet"); !ok {
		t.Fatal("expected a hit after insert")
	}
	if calls != 1 {
		t.Fatalf("expected producer called once, got %d", calls)
	}
}

func TestCacheFetchOrInsertIsSingleFlight(t *testing.T) {
	c := NewCache(8, time.Minute, nil)

	var calls int32
	release := make(chan struct{})
	producer := func(ctx context.Context, uri string) ([]ContentItem, *HandlerError) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []ContentItem{TextContent("Hello")}, nil
	}

	const n = 10
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, herr := c.FetchOrInsert(context.Background(), "ex://greet", 0, producer); herr != nil {
				t.Errorf("FetchOrInsert: %v", herr)
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls != 1 {
		t.Fatalf("expected exactly one producer invocation, got %d", calls)
	}
}

func TestCacheProducerFailureIsNotCached(t *testing.T) {
	c := NewCache(8, time.Minute, nil)

	_, herr := c.FetchOrInsert(context.Background(), "ex://broken", 0, func(ctx context.Context, uri string) ([]ContentItem, *HandlerError) {
		return nil, NewHandlerError(ErrorCodeInternalError, "boom")
	})
	if herr == nil {
		t.Fatal("expected a handler error")
	}
	if _, ok := c.Lookup("ex://broken"); ok {
		t.Fatal("a failed producer must not populate the cache")
	}
}

func TestCacheCapacityOneKeepsMostRecentEntry(t *testing.T) {
	c := NewCache(1, time.Minute, nil)
	produce := func(text string) Producer {
		return func(ctx context.Context, uri string) ([]ContentItem, *HandlerError) {
			return []ContentItem{TextContent(text)}, nil
		}
	}

	if _, herr := c.FetchOrInsert(context.Background(), "ex://a", 0, produce("A")); herr != nil {
		t.Fatalf("fetch a: %v", herr)
	}
	if _, herr := c.FetchOrInsert(context.Background(), "ex://b", 0, produce("B")); herr != nil {
		t.Fatalf("fetch b: %v", herr)
	}

	if c.Len() != 1 {
		t.Fatalf("expected capacity-bounded len 1, got %d", c.Len())
	}
	if _, ok := c.Lookup("ex://a"); ok {
		t.Fatal("expected the least-recently-accessed entry to be evicted")
	}
	if _, ok := c.Lookup("ex://b"); !ok {
		t.Fatal("expected the most recent entry to remain")
	}
}

func TestCacheEntryExpiresAfterTTL(t *testing.T) {
	c := NewCache(8, 10*time.Millisecond, nil)
	if _, herr := c.FetchOrInsert(context.Background(), "ex://greet", 0, func(ctx context.Context, uri string) ([]ContentItem, *HandlerError) {
		return []ContentItem{TextContent("Hello")}, nil
	}); herr != nil {
		t.Fatalf("FetchOrInsert: %v", herr)
	}

	time.Sleep(30 * time.Millisecond)
	if _, ok := c.Lookup("ex://greet"); ok {
		t.Fatal("expected the entry to have expired")
	}
}
