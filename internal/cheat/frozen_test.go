package cheat

import "testing"

func TestFrozenReplayUndoesOverlappingWrite(t *testing.T) {
	mem := newFakeMemory()
	mem.Write(0x100, 4, 0xDEADBEEF)

	var table frozenTable
	if err := table.add(0x100, 4, 0xDEADBEEF); err != nil {
		t.Fatalf("add: %v", err)
	}

	// Simulate a cheat tick writing over the frozen address.
	mem.Write(0x100, 4, 0)

	if err := table.replay(mem); err != nil {
		t.Fatalf("replay: %v", err)
	}

	got, _ := mem.Read(0x100, 4)
	if got != 0xDEADBEEF {
		t.Fatalf("memory after replay = %#x, want 0xDEADBEEF", got)
	}
	if table.entries[0].Value != 0xDEADBEEF {
		t.Fatalf("cached value = %#x, want 0xDEADBEEF (unchanged by the cheat's write)", table.entries[0].Value)
	}
}

func TestFrozenAddUpdatesExistingEntry(t *testing.T) {
	var table frozenTable
	table.add(0x10, 1, 1)
	table.add(0x10, 1, 2)
	if len(table.entries) != 1 || table.entries[0].Value != 2 {
		t.Fatalf("expected a single updated entry, got %+v", table.entries)
	}
}

func TestFrozenTableEnforcesCapacity(t *testing.T) {
	var table frozenTable
	for i := 0; i < MaxFrozenAddresses; i++ {
		if err := table.add(uint64(i), 1, 0); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	if err := table.add(uint64(MaxFrozenAddresses), 1, 0); err != ErrFrozenTableFull {
		t.Fatalf("expected ErrFrozenTableFull, got %v", err)
	}
}

func TestFrozenObserveExternalWriteUpdatesCache(t *testing.T) {
	var table frozenTable
	table.add(0x10, 4, 1)
	table.observeExternalWrite(MemoryWrite{Addr: 0x10, Width: 4, Value: 99})
	if table.entries[0].Value != 99 {
		t.Fatalf("expected external write to update cached value, got %d", table.entries[0].Value)
	}
}

func TestFrozenRemove(t *testing.T) {
	var table frozenTable
	table.add(0x10, 1, 1)
	if !table.remove(0x10, 1) {
		t.Fatal("expected remove to report success")
	}
	if len(table.entries) != 0 {
		t.Fatal("expected entry to be gone")
	}
}
