package internal

import "testing"

func TestNewOpaqueIDShape(t *testing.T) {
	seen := make(map[string]struct{}, 64)
	for i := 0; i < 64; i++ {
		id, err := NewOpaqueID()
		if err != nil {
			t.Fatalf("NewOpaqueID failed: %v", err)
		}
		if !ValidOpaqueID(id) {
			t.Fatalf("generated id %q does not validate", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
	if ValidOpaqueID("user-42") {
		t.Fatal("account-like id must not validate")
	}
}

func TestNewOTP(t *testing.T) {
	for i := 0; i < 100; i++ {
		code, err := NewOTP(6)
		if err != nil {
			t.Fatalf("NewOTP failed: %v", err)
		}
		if len(code) != 6 || !IsNumeric(code) {
			t.Fatalf("unexpected code %q", code)
		}
	}
	if _, err := NewOTP(4); err == nil {
		t.Fatal("expected error for 4 digits")
	}
}

func TestHashCodeBindsReference(t *testing.T) {
	if HashCode("ref-a", "123456") == HashCode("ref-b", "123456") {
		t.Fatal("same code under different references must hash differently")
	}
	if HashCode("ref-a", "123456") != HashCode("ref-a", "123456") {
		t.Fatal("hash must be deterministic")
	}
}
