package runlog

import (
	"testing"

	"github.com/speechlab/upstream/pkg/config"
)

func TestDisabledStoreIsNoOp(t *testing.T) {
	db, err := New(&config.Database{Enabled: false})
	if err != nil {
		t.Fatalf("disabled store construction failed: %v", err)
	}
	defer db.Close()

	if db.IsEnabled() {
		t.Fatal("store reports enabled without a connection")
	}

	id, err := db.StartRun("run_1", "transformer", 1337)
	if err != nil {
		t.Errorf("StartRun on disabled store should be a no-op: %v", err)
	}
	if id != 0 {
		t.Errorf("disabled StartRun returned id %d, want 0", id)
	}

	if err := db.RecordStep(id, 25, 0.5); err != nil {
		t.Errorf("RecordStep on disabled store should be a no-op: %v", err)
	}

	if _, err := db.QueryRuns(""); err == nil {
		t.Error("QueryRuns on disabled store should fail")
	}
}

func TestIsEnabledNilReceiver(t *testing.T) {
	var db *DB
	if db.IsEnabled() {
		t.Fatal("nil store reports enabled")
	}
}
