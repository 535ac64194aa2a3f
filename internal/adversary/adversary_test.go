package adversary

import "testing"

type fixedSource struct {
	packets [][]byte
	i       int
}

func (f *fixedSource) ReadPacket(buf []byte) (int, error) {
	p := f.packets[f.i%len(f.packets)]
	f.i++
	return copy(buf, p), nil
}

func TestNewZeroRatesIsPassthrough(t *testing.T) {
	src := &fixedSource{packets: [][]byte{{1, 2, 3}}}
	r := New(src, Rates{})

	buf := make([]byte, 8)
	n, err := r.ReadPacket(buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 || buf[0] != 1 || buf[1] != 2 || buf[2] != 3 {
		t.Fatalf("passthrough altered packet: %v", buf[:n])
	}
}

func TestDropRateOneNeverDelivers(t *testing.T) {
	src := &fixedSource{packets: [][]byte{{0xAA}}}
	r := New(src, Rates{Drop: 1, Seed: 7})

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 8)
		r.ReadPacket(buf)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("expected ReadPacket to block forever on a fully dropped stream")
	default:
	}
}

func TestCorruptRateOneFlipsABit(t *testing.T) {
	src := &fixedSource{packets: [][]byte{{0x00, 0x00, 0x00, 0x00}}}
	r := New(src, Rates{Corrupt: 1, Seed: 42})

	buf := make([]byte, 8)
	n, err := r.ReadPacket(buf)
	if err != nil {
		t.Fatal(err)
	}
	sum := 0
	for _, b := range buf[:n] {
		sum += int(b)
	}
	if sum == 0 {
		t.Fatal("corrupt rate 1 left the packet unmodified")
	}
}

func TestDuplicateRateOneRepeatsPacket(t *testing.T) {
	src := &fixedSource{packets: [][]byte{{1}, {2}, {3}}}
	r := New(src, Rates{Duplicate: 1, Seed: 3})

	buf := make([]byte, 8)
	first, _ := r.ReadPacket(buf)
	firstByte := buf[0]
	second, _ := r.ReadPacket(buf)
	secondByte := buf[0]

	if first != second || firstByte != secondByte {
		t.Fatalf("expected the same packet twice, got %v then %v", firstByte, secondByte)
	}
}

func TestReorderRateOneSwapsAdjacentPackets(t *testing.T) {
	src := &fixedSource{packets: [][]byte{{1}, {2}}}
	r := New(src, Rates{Reorder: 1, Seed: 9})

	buf := make([]byte, 8)
	n1, _ := r.ReadPacket(buf)
	b1 := buf[0]
	n2, _ := r.ReadPacket(buf)
	b2 := buf[0]

	if n1 != 1 || n2 != 1 {
		t.Fatalf("unexpected lengths %d, %d", n1, n2)
	}
	if b1 != 2 || b2 != 1 {
		t.Fatalf("expected reordered delivery 2,1; got %d,%d", b1, b2)
	}
}
