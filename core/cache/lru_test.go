package cache

import (
	"fmt"
	"sync"
	"testing"
)

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	l := NewLRU(LRUOpts{Size: 2})

	l.Put("6:orders:1", struct{}{})
	l.Put("6:orders:2", struct{}{})
	l.Get("6:orders:1")
	l.Put("6:orders:3", struct{}{})

	if _, ok := l.Get("6:orders:2"); ok {
		t.Errorf("expected 6:orders:2 to be evicted")
	}
	for _, key := range []string{"6:orders:1", "6:orders:3"} {
		if _, ok := l.Get(key); !ok {
			t.Errorf("expected %s to be present", key)
		}
	}
}

func TestLRU_PutReplacesValue(t *testing.T) {
	l := NewLRU(LRUOpts{Size: 2})

	l.Put("a", 1)
	l.Put("a", 2)
	l.Put("b", 3)

	if val, ok := l.Get("a"); !ok || val != 2 {
		t.Errorf("expected a=2, got %v, %v", val, ok)
	}
	if l.ll.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", l.ll.Len())
	}
}

func TestLRU_DefaultSize(t *testing.T) {
	l := NewLRU(LRUOpts{})
	for i := range defaultLRUSize + 1 {
		l.Put(fmt.Sprintf("6:orders:%d", i), struct{}{})
	}
	if _, ok := l.Get("6:orders:0"); ok {
		t.Errorf("expected first entry to be evicted")
	}
	if len(l.items) != defaultLRUSize {
		t.Errorf("expected %d entries, got %d", defaultLRUSize, len(l.items))
	}
}

func TestLRU_Concurrent(t *testing.T) {
	l := NewLRU(LRUOpts{Size: 16})

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 500 {
				key := fmt.Sprintf("%d:%d", w, i%32)
				l.Put(key, i)
				l.Get(key)
			}
		}()
	}
	wg.Wait()

	if n := len(l.items); n > 16 {
		t.Errorf("expected at most 16 entries, got %d", n)
	}
}

func TestNew(t *testing.T) {
	nop := New(-1)
	if _, ok := nop.(*Nop); !ok {
		t.Fatalf("negative size must disable the cache")
	}
	nop.Put("6:orders:1", struct{}{})
	if _, ok := nop.Get("6:orders:1"); ok {
		t.Errorf("nop cache never remembers")
	}

	c := New(2)
	c.Put("6:orders:1", struct{}{})
	c.Put("6:orders:2", struct{}{})
	c.Put("6:orders:3", struct{}{})
	if _, ok := c.Get("6:orders:1"); ok {
		t.Errorf("expected oldest entry to be evicted")
	}
	if _, ok := c.Get("6:orders:3"); !ok {
		t.Errorf("expected newest entry to be present")
	}
}
