package workflow

import (
	"fmt"
	"sync"
	"testing"

	"bitbucket.org/mmdatafocus/billing_backend/models"
)

// NOTE: These tests are intentionally DB-free. They validate the intended delivery semantics:
// - at-most-once side effects under duplicate delivery via a durable event log
// - a conditional claim so a redelivery racing an in-flight handling is acknowledged, not re-run
// - a fixed retry budget after which a delivery is terminal; panics spend a retry like errors
//
// Full DB integration coverage lives in models/billing_lifecycle_regression_test.go.

type fakeEventLog struct {
	mu         sync.Mutex
	processed  map[string]bool
	claimed    map[string]bool
	retryCount map[string]int
	effects    int
}

func newFakeEventLog() *fakeEventLog {
	return &fakeEventLog{
		processed:  map[string]bool{},
		claimed:    map[string]bool{},
		retryCount: map[string]int{},
	}
}

// deliver mirrors ProcessWebhook's decision structure: log first, dedupe on
// the log, claim before dispatching, count failures and panics against the
// retry ceiling, release the claim on every outcome.
func (l *fakeEventLog) deliver(provider, eventID string, handler func() error) WebhookResult {
	key := provider + "|" + eventID

	l.mu.Lock()
	if l.processed[key] || l.claimed[key] || l.retryCount[key] >= models.WebhookRetryCeiling {
		l.mu.Unlock()
		return WebhookResult{Duplicate: true}
	}
	l.claimed[key] = true
	l.mu.Unlock()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic during webhook handling: %v", r)
			}
		}()
		return handler()
	}()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.claimed[key] = false
	if err != nil {
		l.retryCount[key]++
		return WebhookResult{
			Retriable: l.retryCount[key] < models.WebhookRetryCeiling,
			Error:     err.Error(),
		}
	}
	l.processed[key] = true
	l.effects++
	return WebhookResult{Processed: true}
}

func TestDuplicateDeliveryProducesOneSideEffect(t *testing.T) {
	log := newFakeEventLog()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.deliver("stripe", "evt_1", func() error { return nil })
		}()
	}
	wg.Wait()

	if log.effects != 1 {
		t.Fatalf("expected exactly 1 side effect, got %d", log.effects)
	}

	res := log.deliver("stripe", "evt_1", func() error { return nil })
	if !res.Duplicate {
		t.Fatalf("redelivery expected duplicate, got %+v", res)
	}

	// A different event id is independent.
	res = log.deliver("stripe", "evt_2", func() error { return nil })
	if !res.Processed || log.effects != 2 {
		t.Fatalf("independent event must process: %+v effects=%d", res, log.effects)
	}
}

func TestRedeliveryDuringHandlingIsAcknowledged(t *testing.T) {
	log := newFakeEventLog()

	entered := make(chan struct{})
	release := make(chan struct{})
	first := make(chan WebhookResult, 1)

	go func() {
		first <- log.deliver("stripe", "evt_slow", func() error {
			close(entered)
			<-release
			return nil
		})
	}()

	// Redelivery while the first handling holds the claim must not re-run
	// the handler; a partial-amount payment would otherwise double-post.
	<-entered
	res := log.deliver("stripe", "evt_slow", func() error {
		t.Error("handler re-ran during an in-flight handling")
		return nil
	})
	if !res.Duplicate {
		t.Fatalf("claimed event expected duplicate acknowledgement, got %+v", res)
	}

	close(release)
	if res := <-first; !res.Processed {
		t.Fatalf("original delivery expected to process, got %+v", res)
	}
	if log.effects != 1 {
		t.Fatalf("expected exactly 1 side effect, got %d", log.effects)
	}

	// And once processed, later redeliveries stay duplicates.
	if res := log.deliver("stripe", "evt_slow", func() error { return nil }); !res.Duplicate {
		t.Fatalf("processed event expected duplicate, got %+v", res)
	}
}

func TestFailureReleasesClaimForRedelivery(t *testing.T) {
	log := newFakeEventLog()

	res := log.deliver("stripe", "evt_retry", func() error { return errTestHandler })
	if !res.Retriable {
		t.Fatalf("first failure expected retriable, got %+v", res)
	}

	// The failed attempt released its claim; the provider's redelivery
	// reprocesses and succeeds.
	res = log.deliver("stripe", "evt_retry", func() error { return nil })
	if !res.Processed || log.effects != 1 {
		t.Fatalf("redelivery after failure must process: %+v effects=%d", res, log.effects)
	}
}

func TestRetryBudgetGoesTerminal(t *testing.T) {
	log := newFakeEventLog()
	failing := func() error { return errTestHandler }

	for attempt := 1; attempt <= models.WebhookRetryCeiling; attempt++ {
		res := log.deliver("stripe", "evt_fail", failing)
		if res.Duplicate || res.Processed {
			t.Fatalf("attempt %d: expected failure result, got %+v", attempt, res)
		}
		wantRetriable := attempt < models.WebhookRetryCeiling
		if res.Retriable != wantRetriable {
			t.Fatalf("attempt %d: retriable expected %v, got %v", attempt, wantRetriable, res.Retriable)
		}
	}

	// Past the budget the event is acknowledged, even if the handler would
	// now succeed; no late side effect may slip through.
	res := log.deliver("stripe", "evt_fail", func() error { return nil })
	if !res.Duplicate {
		t.Fatalf("terminal event expected duplicate acknowledgement, got %+v", res)
	}
	if log.effects != 0 {
		t.Fatalf("terminal event must not produce side effects, got %d", log.effects)
	}
}

func TestPanicSpendsARetry(t *testing.T) {
	log := newFakeEventLog()
	panicking := func() error { panic("nil invoice snapshot") }

	for attempt := 1; attempt <= models.WebhookRetryCeiling; attempt++ {
		res := log.deliver("stripe", "evt_panic", panicking)
		if res.Duplicate || res.Processed {
			t.Fatalf("attempt %d: expected failure result, got %+v", attempt, res)
		}
		wantRetriable := attempt < models.WebhookRetryCeiling
		if res.Retriable != wantRetriable {
			t.Fatalf("attempt %d: retriable expected %v, got %v", attempt, wantRetriable, res.Retriable)
		}
	}
	if got := log.retryCount["stripe|evt_panic"]; got != models.WebhookRetryCeiling {
		t.Fatalf("panics must increment the retry count, got %d", got)
	}

	res := log.deliver("stripe", "evt_panic", panicking)
	if !res.Duplicate {
		t.Fatalf("panicking event past the budget expected duplicate acknowledgement, got %+v", res)
	}
}

type handlerError struct{}

func (handlerError) Error() string { return "handler failed" }

var errTestHandler = handlerError{}
