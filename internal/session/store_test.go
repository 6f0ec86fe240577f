package session

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/akanda-apero/orderflow/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	store, err := NewStore(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestLoadConfirmationWithinWindow(t *testing.T) {
	store := newTestStore(t)

	conf := models.OrderConfirmation{
		OrderNumber:          "AKA-20260829-001",
		LoyaltyPoints:        20,
		CurrentLoyaltyPoints: 120,
		Timestamp:            time.Now(),
	}
	if err := store.SaveConfirmation("sess1", conf); err != nil {
		t.Fatalf("SaveConfirmation: %v", err)
	}

	// Simulate a reload 9 minutes later with the resume flag set.
	store.now = func() time.Time { return conf.Timestamp.Add(9 * time.Minute) }

	got, ok := store.LoadConfirmation("sess1", true)
	if !ok {
		t.Fatal("expected confirmation to be restorable at T+9min")
	}
	if got.OrderNumber != conf.OrderNumber {
		t.Errorf("order number = %q, want %q", got.OrderNumber, conf.OrderNumber)
	}
}

func TestLoadConfirmationExpired(t *testing.T) {
	store := newTestStore(t)

	conf := models.OrderConfirmation{OrderNumber: "AKA-20260829-002", Timestamp: time.Now()}
	if err := store.SaveConfirmation("sess1", conf); err != nil {
		t.Fatalf("SaveConfirmation: %v", err)
	}

	store.now = func() time.Time { return conf.Timestamp.Add(11 * time.Minute) }

	if _, ok := store.LoadConfirmation("sess1", true); ok {
		t.Fatal("expected confirmation discarded at T+11min")
	}
	// And the stale record is gone, even back within the window.
	store.now = time.Now
	if _, ok := store.LoadConfirmation("sess1", true); ok {
		t.Fatal("stale record should have been deleted on first load")
	}
}

func TestLoadConfirmationRequiresResumeFlag(t *testing.T) {
	store := newTestStore(t)

	conf := models.OrderConfirmation{OrderNumber: "AKA-20260829-003", Timestamp: time.Now()}
	if err := store.SaveConfirmation("sess1", conf); err != nil {
		t.Fatalf("SaveConfirmation: %v", err)
	}

	if _, ok := store.LoadConfirmation("sess1", false); ok {
		t.Fatal("confirmation restored without resume flag")
	}
}

func TestPurgeConfirmation(t *testing.T) {
	store := newTestStore(t)

	conf := models.OrderConfirmation{OrderNumber: "AKA-20260829-004", Timestamp: time.Now()}
	if err := store.SaveConfirmation("sess1", conf); err != nil {
		t.Fatalf("SaveConfirmation: %v", err)
	}

	store.PurgeConfirmation("sess1")

	if _, ok := store.LoadConfirmation("sess1", true); ok {
		t.Fatal("confirmation survived purge")
	}
}

func TestSweepRemovesOldConfirmations(t *testing.T) {
	store := newTestStore(t)

	old := models.OrderConfirmation{OrderNumber: "old", Timestamp: time.Now().Add(-20 * time.Minute)}
	fresh := models.OrderConfirmation{OrderNumber: "fresh", Timestamp: time.Now()}

	if err := store.SaveConfirmation("old", old); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveConfirmation("fresh", fresh); err != nil {
		t.Fatal(err)
	}

	store.sweep()

	if _, ok := store.LoadConfirmation("old", true); ok {
		t.Error("expired confirmation survived sweep")
	}
	if _, ok := store.LoadConfirmation("fresh", true); !ok {
		t.Error("fresh confirmation removed by sweep")
	}
}

func TestPendingCartConsumedOnce(t *testing.T) {
	store := newTestStore(t)

	items := []models.CartLineItem{
		{Product: models.Product{ID: "p1", Name: "Gin Tonic", Price: 3000}, Quantity: 2},
	}
	if err := store.SavePendingCart("sess1", items); err != nil {
		t.Fatalf("SavePendingCart: %v", err)
	}

	got, err := store.TakePendingCart("sess1")
	if err != nil {
		t.Fatalf("TakePendingCart: %v", err)
	}
	if len(got) != 1 || got[0].Product.ID != "p1" || got[0].Quantity != 2 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}

	// Second read must find nothing: the snapshot is consumed.
	if _, err := store.TakePendingCart("sess1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second read err = %v, want ErrNotFound", err)
	}
}
