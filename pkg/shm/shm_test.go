package shm

import (
	"bytes"
	"fmt"
	"os"
	"testing"
)

func testName(t *testing.T) string {
	return fmt.Sprintf("pslite_shm_test_%d_%s", os.Getpid(), t.Name())
}

func TestCreateOpenSharedVisibility(t *testing.T) {
	name := testName(t)
	defer Unlink(name)

	a, err := Create(name, 8192)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer Close(a)

	b, err := Open(name)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer Close(b)

	if len(b) != 8192 {
		t.Fatalf("Open mapped %d bytes, want 8192", len(b))
	}

	// writes through one mapping are visible through the other
	copy(a[100:], []byte("shared-bytes"))
	if !bytes.Equal(b[100:112], []byte("shared-bytes")) {
		t.Fatalf("write not visible through second mapping: %q", b[100:112])
	}
	b[0] = 0x7f
	if a[0] != 0x7f {
		t.Fatal("reverse write not visible")
	}
}

func TestOpenMissingObject(t *testing.T) {
	if _, err := Open("pslite_shm_does_not_exist"); err == nil {
		t.Fatal("expected error opening missing object")
	}
}

func TestUnlinkKeepsMapping(t *testing.T) {
	name := testName(t)
	a, err := Create(name, 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer Close(a)

	if err := Unlink(name); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	// the mapping survives the unlink
	a[10] = 0x42
	if a[10] != 0x42 {
		t.Fatal("mapping unusable after unlink")
	}
	if _, err := Open(name); err == nil {
		t.Fatal("object should be gone after unlink")
	}
}
