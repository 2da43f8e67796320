package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/epiwatchstack/epiwatch-engine/internal/models"
	"github.com/epiwatchstack/epiwatch-engine/internal/utils"
)

func testAlert(id string) models.OutbreakAlert {
	return models.OutbreakAlert{
		ID:        id,
		DiseaseID: "influenza",
		Region:    "US-CA",
		Severity:  models.SeverityHigh,
		Status:    models.AlertStatusOpen,
	}
}

func TestQueueFIFOAndBound(t *testing.T) {
	q := NewQueue(2)
	if !q.Enqueue(testAlert("a")) || !q.Enqueue(testAlert("b")) {
		t.Fatal("enqueue within capacity failed")
	}
	if q.Enqueue(testAlert("c")) {
		t.Fatal("enqueue beyond capacity succeeded")
	}
	batch := q.DequeueBatch(10)
	if len(batch) != 2 || batch[0].ID != "a" || batch[1].ID != "b" {
		t.Fatalf("unexpected batch %v", batch)
	}
	if q.Len() != 0 {
		t.Fatalf("queue length %d after drain", q.Len())
	}
}

func TestDispatcherDeliversWithRetry(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	delivered := 0
	handler := HandlerFunc(func(_ context.Context, _ models.OutbreakAlert) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 2 {
			return errors.New("downstream hiccup")
		}
		delivered++
		return nil
	})
	d := NewDispatcher(utils.NewLogger("error", false), handler, DispatcherConfig{
		MaxAttempts:  3,
		RetryDelay:   time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	})
	d.Start()
	defer d.Stop()

	if err := d.Publish(context.Background(), testAlert("a")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := delivered == 1
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if delivered != 1 {
		t.Fatalf("delivered %d, want 1", delivered)
	}
	if attempts != 2 {
		t.Fatalf("attempts %d, want 2", attempts)
	}
	if len(d.DeadLetters()) != 0 {
		t.Fatal("successful delivery landed in dead letter")
	}
}

func TestDispatcherDeadLettersAfterMaxAttempts(t *testing.T) {
	handler := HandlerFunc(func(_ context.Context, _ models.OutbreakAlert) error {
		return errors.New("permanently down")
	})
	d := NewDispatcher(utils.NewLogger("error", false), handler, DispatcherConfig{
		MaxAttempts:  2,
		RetryDelay:   time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	})
	d.Start()

	if err := d.Publish(context.Background(), testAlert("doomed")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(d.DeadLetters()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	d.Stop()

	dead := d.DeadLetters()
	if len(dead) != 1 || dead[0].ID != "doomed" {
		t.Fatalf("dead letters %v, want the single failed alert", dead)
	}
}

func TestDispatcherStopDrainsQueue(t *testing.T) {
	var mu sync.Mutex
	var got []string
	handler := HandlerFunc(func(_ context.Context, alert models.OutbreakAlert) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, alert.ID)
		return nil
	})
	d := NewDispatcher(utils.NewLogger("error", false), handler, DispatcherConfig{
		PollInterval: time.Hour, // force delivery through the shutdown drain
	})
	d.Start()
	for _, id := range []string{"a", "b", "c"} {
		if err := d.Publish(context.Background(), testAlert(id)); err != nil {
			t.Fatal(err)
		}
	}
	d.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("delivered %d alerts on shutdown drain, want 3", len(got))
	}
}
