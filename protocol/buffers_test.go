package protocol

import "testing"

func TestSliceInputBuffer(t *testing.T) {
	buf := NewSliceInputBuffer([]byte{1, 2, 3, 4, 5})

	if buf.Available() != 5 {
		t.Errorf("Available = %d, want 5", buf.Available())
	}
	if got := buf.Data(); len(got) != 5 {
		t.Errorf("Data length = %d, want 5", len(got))
	}

	buf.Pop(2)
	if buf.Available() != 3 {
		t.Errorf("Available after Pop(2) = %d, want 3", buf.Available())
	}
	if got := buf.Data(); len(got) != 3 || got[0] != 3 {
		t.Errorf("Data after Pop(2) = %v, want [3 4 5]", got)
	}
}

func TestScratchOutput(t *testing.T) {
	out := NewScratchOutput()

	out.Output([]byte{0, MessageDest, 0x17})
	if out.CurPosition() != 3 {
		t.Errorf("CurPosition = %d, want 3", out.CurPosition())
	}

	out.Output([]byte{4, 5})
	if out.CurPosition() != 5 {
		t.Errorf("CurPosition = %d, want 5", out.CurPosition())
	}

	// The transport back-patches the frame length byte once the
	// payload size is known.
	out.Update(0, 5)
	if got := out.Result(); got[0] != 5 {
		t.Errorf("Result[0] after Update = %d, want 5", got[0])
	}

	if got := out.DataSince(2); len(got) != 3 || got[0] != 0x17 {
		t.Errorf("DataSince(2) = %v", got)
	}

	out.Reset()
	if out.CurPosition() != 0 {
		t.Errorf("CurPosition after Reset = %d, want 0", out.CurPosition())
	}
}

func TestFifoBuffer(t *testing.T) {
	fifo := NewFifoBuffer(10)

	if !fifo.IsEmpty() || fifo.Available() != 0 {
		t.Fatalf("fresh fifo: empty=%v available=%d", fifo.IsEmpty(), fifo.Available())
	}

	if n := fifo.Write([]byte{1, 2, 3, 4, 5}); n != 5 {
		t.Errorf("Write = %d, want 5", n)
	}
	if fifo.Available() != 5 {
		t.Errorf("Available = %d, want 5", fifo.Available())
	}

	got := make([]byte, 3)
	if n := fifo.Read(got); n != 3 {
		t.Errorf("Read = %d, want 3", n)
	}
	if got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("Read data = %v, want [1 2 3]", got)
	}

	fifo.Pop(1)
	if fifo.Available() != 1 {
		t.Errorf("Available after Pop = %d, want 1", fifo.Available())
	}

	// One slot stays reserved to tell full from empty.
	fifo.Reset()
	big := make([]byte, 12)
	if n := fifo.Write(big); n != 9 {
		t.Errorf("Write into size-10 fifo = %d, want 9", n)
	}
}

func TestFifoBufferWrapAround(t *testing.T) {
	// USB frames arrive in chunks smaller than the buffer; the read
	// index has to chase the write index across the wrap point.
	fifo := NewFifoBuffer(5)

	fifo.Write([]byte{1, 2, 3, 4})
	fifo.Read(make([]byte, 2))

	if n := fifo.Write([]byte{5, 6}); n != 2 {
		t.Errorf("wrapped Write = %d, want 2", n)
	}

	got := make([]byte, 4)
	if n := fifo.Read(got); n != 4 {
		t.Fatalf("Read = %d, want 4", n)
	}
	for i, want := range []byte{3, 4, 5, 6} {
		if got[i] != want {
			t.Errorf("got[%d] = %d, want %d", i, got[i], want)
		}
	}
}
