package source

import (
	"context"
	"testing"
)

func TestMemTable_RowOperations(t *testing.T) {
	tbl := NewMemTable("ports")

	if tbl.Name() != "ports" {
		t.Errorf("Name() = %q, want %q", tbl.Name(), "ports")
	}

	tbl.Insert("p1", map[string]any{"mac": "aa:bb", "up": false})
	tbl.Update("p1", map[string]any{"up": true})

	row, ok := tbl.Get("p1")
	if !ok {
		t.Fatal("row p1 missing")
	}
	if row["mac"] != "aa:bb" || row["up"] != true {
		t.Errorf("row = %v", row)
	}

	// Get returns a copy; mutating it must not leak back.
	row["mac"] = "mutated"
	row2, _ := tbl.Get("p1")
	if row2["mac"] != "aa:bb" {
		t.Error("Get leaked an aliased row")
	}

	tbl.Delete("p1")
	if _, ok := tbl.Get("p1"); ok {
		t.Error("row survived Delete")
	}
	if tbl.Len() != 0 {
		t.Errorf("Len() = %d, want 0", tbl.Len())
	}
}

func TestMemTable_Tracking(t *testing.T) {
	ctx := context.Background()
	tbl := NewMemTable("ports")

	changed, err := tbl.HasTrackedChanges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("fresh table reports changes")
	}

	tbl.Insert("p1", map[string]any{"mac": "aa:bb"})
	tbl.Update("p1", map[string]any{"up": true, "mac": "cc:dd"})
	tbl.Delete("p1")

	changed, err = tbl.HasTrackedChanges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Error("table with writes reports no changes")
	}

	changes, err := tbl.TrackedChanges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 3 {
		t.Fatalf("got %d changes, want 3", len(changes))
	}
	if changes[0].Kind != ChangeInsert || changes[0].Key != "p1" {
		t.Errorf("change 0 = %+v", changes[0])
	}
	if changes[1].Kind != ChangeUpdate {
		t.Errorf("change 1 = %+v", changes[1])
	}
	if len(changes[1].Columns) != 2 || changes[1].Columns[0] != "mac" || changes[1].Columns[1] != "up" {
		t.Errorf("update columns = %v, want sorted [mac up]", changes[1].Columns)
	}
	if changes[2].Kind != ChangeDelete {
		t.Errorf("change 2 = %+v", changes[2])
	}

	tbl.ClearTracked()
	changed, err = tbl.HasTrackedChanges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("changes survived ClearTracked")
	}
}

func TestMemTable_UpdateMissingRowInserts(t *testing.T) {
	ctx := context.Background()
	tbl := NewMemTable("ports")

	tbl.Update("ghost", map[string]any{"up": true})

	changes, err := tbl.TrackedChanges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 1 || changes[0].Kind != ChangeInsert {
		t.Errorf("changes = %+v, want a single insert", changes)
	}
	if _, ok := tbl.Get("ghost"); !ok {
		t.Error("row missing after upserting update")
	}
}

func TestMemTable_DeleteMissingRowIsNoop(t *testing.T) {
	ctx := context.Background()
	tbl := NewMemTable("ports")

	tbl.Delete("ghost")

	changed, err := tbl.HasTrackedChanges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("deleting a missing row tracked a change")
	}
}

func TestMemTable_Keys(t *testing.T) {
	tbl := NewMemTable("ports")
	tbl.Insert("b", nil)
	tbl.Insert("a", nil)
	tbl.Insert("c", nil)

	keys := tbl.Keys()
	if len(keys) != 3 || keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Errorf("Keys() = %v, want sorted [a b c]", keys)
	}
}
