package kernel

import "testing"

func TestSimContext(t *testing.T) {
	t.Run("SaveRestoreRoundTrip", func(t *testing.T) {
		arch := NewSimContext()

		want := RegisterFile{
			EAX: 1, EBX: 2, ECX: 3, EDX: 4,
			ESI: 5, EDI: 6, EBP: 7,
			ESP: 0xBFFFF000, EIP: 0x08048000,
			EFLAGS: 0x202,
		}
		arch.Restore(&want)

		var got RegisterFile
		arch.Save(&got)
		if got != want {
			t.Fatalf("round trip gave %+v, want %+v", got, want)
		}
	})

	t.Run("SaveCopiesNotAliases", func(t *testing.T) {
		arch := NewSimContext()
		regs := RegisterFile{EAX: 42}
		arch.Restore(&regs)

		var snap RegisterFile
		arch.Save(&snap)

		regs.EAX = 99
		arch.Restore(&regs)
		if snap.EAX != 42 {
			t.Fatal("snapshot mutated after restore")
		}
	})
}

func TestInterruptGate(t *testing.T) {
	t.Run("CloseOpen", func(t *testing.T) {
		gate := NewInterruptGate()
		if gate.Closed() {
			t.Fatal("new gate is closed")
		}
		gate.Close()
		if !gate.Closed() {
			t.Fatal("gate open after Close")
		}
		gate.Open()
		if gate.Closed() {
			t.Fatal("gate closed after Open")
		}
	})

	t.Run("StrayOpenPanics", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Fatal("open on an open gate did not panic")
			}
		}()
		NewInterruptGate().Open()
	})
}
