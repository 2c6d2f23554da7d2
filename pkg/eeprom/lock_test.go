package eeprom

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBankLockExclusion(t *testing.T) {
	l := newBankLock()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if err := l.acquire(); err != nil {
					t.Errorf("Failed to acquire: %v", err)
					return
				}
				counter++
				l.release()
			}
		}()
	}
	wg.Wait()

	if counter != 16*200 {
		t.Errorf("Expected %d, got %d", 16*200, counter)
	}
}

func TestBankLockFIFO(t *testing.T) {
	l := newBankLock()
	if err := l.acquire(); err != nil {
		t.Fatalf("Failed to acquire: %v", err)
	}

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := l.acquire(); err != nil {
				t.Errorf("Waiter %d failed: %v", i, err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			l.release()
		}(i)

		// Wait until waiter i holds its ticket before starting the next
		deadline := time.Now().Add(time.Second)
		for {
			l.mu.Lock()
			queued := l.next == uint64(i+2)
			l.mu.Unlock()
			if queued {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("Waiter %d never queued", i)
			}
			time.Sleep(time.Millisecond)
		}
	}

	l.release()
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("Expected arrival order, got %v", order)
		}
	}
}

func TestBankLockClose(t *testing.T) {
	l := newBankLock()
	if err := l.acquire(); err != nil {
		t.Fatalf("Failed to acquire: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- l.acquire() }()

	deadline := time.Now().Add(time.Second)
	for {
		l.mu.Lock()
		queued := l.next == 2
		l.mu.Unlock()
		if queued {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Waiter never queued")
		}
		time.Sleep(time.Millisecond)
	}

	l.close()
	if err := <-errCh; !errors.Is(err, ErrOS) {
		t.Errorf("Expected waiter to fail with ErrOS, got %v", err)
	}
	if err := l.acquire(); StatusOf(err) != StatusOS {
		t.Errorf("Expected EOS on a closed lock, got %v", err)
	}

	l.reopen()
	if err := l.acquire(); err != nil {
		t.Fatalf("Expected a reopened lock to work, got %v", err)
	}
	l.release()
}
