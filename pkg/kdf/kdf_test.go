package kdf

import (
	"bytes"
	"testing"
)

func TestDeriveVerify(t *testing.T) {
	cred, err := Derive("hunter2")
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}

	if len(cred.Salt) != saltSize {
		t.Errorf("salt size = %d, want %d", len(cred.Salt), saltSize)
	}
	if !Verify("hunter2", cred) {
		t.Error("correct password rejected")
	}
	if Verify("hunter3", cred) {
		t.Error("wrong password accepted")
	}
}

func TestDeriveRandomSalt(t *testing.T) {
	a, err := Derive("same")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Derive("same")
	if err != nil {
		t.Fatal(err)
	}

	if bytes.Equal(a.Salt, b.Salt) {
		t.Error("two derivations produced the same salt")
	}
	if bytes.Equal(a.Hash, b.Hash) {
		t.Error("two derivations produced the same hash")
	}
}
