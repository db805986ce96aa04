package sqlite

import (
	"context"
	"path/filepath"
	"testing"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapshots.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s, path
}

func TestStore_ReadWrite(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()
	ctx := context.Background()

	if _, ok, err := s.Read(ctx, "mining:u-1"); err != nil || ok {
		t.Fatalf("Read() of missing key = ok %v err %v", ok, err)
	}

	tests := []struct {
		name  string
		value string
	}{
		{"insert", `{"balance":1}`},
		{"overwrite", `{"balance":2}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Write(ctx, "mining:u-1", []byte(tt.value)); err != nil {
				t.Fatalf("Write() error = %v", err)
			}
			got, ok, err := s.Read(ctx, "mining:u-1")
			if err != nil || !ok || string(got) != tt.value {
				t.Errorf("Read() = %q, %v, %v, want %q", got, ok, err, tt.value)
			}
		})
	}
}

func TestStore_Reopen(t *testing.T) {
	s, path := openTemp(t)
	ctx := context.Background()
	if err := s.Write(ctx, "k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Health(ctx); err != nil {
		t.Errorf("Health() error = %v", err)
	}
	if got, ok, _ := s.Read(ctx, "k"); !ok || string(got) != "v" {
		t.Errorf("Read() after reopen = %q, %v", got, ok)
	}
}

func TestOpen_BadPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "dir", "x.db")
	if s, err := Open(path); err == nil {
		s.Close()
		t.Error("Open() in a missing directory should fail")
	}
}
