package wgconf

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wg0.conf")
	cfg := &InterfaceConfig{
		PrivateKey: testKey(1),
		ListenPort: 51820,
		Addresses:  []IPNet{mustAddr(t, "10.50.0.1/24")},
	}
	err := os.WriteFile(path, Serialize(cfg), 0600)
	if err != nil {
		t.Fatal(err)
	}
	return NewStore(path)
}

func TestWithTransactionCommit(t *testing.T) {
	store := newTestStore(t)
	err := store.WithTransaction(func(cfg *InterfaceConfig) error {
		cfg.Peers = append(cfg.Peers, PeerConfig{
			Name:       "phone",
			PublicKey:  testKey(2),
			AllowedIPs: []IPNet{mustAddr(t, "10.50.0.2/32")},
		})
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := cfg.GetPeer("phone"); !ok {
		t.Fatal("committed peer not present after reload")
	}
	backups, err := filepath.Glob(store.Path + ".*.bak")
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) != 1 {
		t.Fatalf("expected one rollback backup, found %v", backups)
	}
}

func TestWithTransactionAbortLeavesFileUntouched(t *testing.T) {
	store := newTestStore(t)
	before, err := os.ReadFile(store.Path)
	if err != nil {
		t.Fatal(err)
	}
	abort := errors.New("abort")
	err = store.WithTransaction(func(cfg *InterfaceConfig) error {
		cfg.Peers = append(cfg.Peers, PeerConfig{PublicKey: testKey(2)})
		return abort
	})
	if !errors.Is(err, abort) {
		t.Fatalf("expected fn's error back, got %v", err)
	}
	after, err := os.ReadFile(store.Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Fatal("aborted transaction modified the file")
	}
	backups, _ := filepath.Glob(store.Path + ".*.bak")
	if len(backups) != 0 {
		t.Fatalf("aborted transaction left backups: %v", backups)
	}
}

func TestWithTransactionParseErrorLeavesFileUntouched(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wg0.conf")
	corrupt := []byte("[Peer]\nAllowedIPs = 10.0.0.2/32\n")
	err := os.WriteFile(path, corrupt, 0600)
	if err != nil {
		t.Fatal(err)
	}
	store := NewStore(path)
	err = store.WithTransaction(func(cfg *InterfaceConfig) error { return nil })
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(after) != string(corrupt) {
		t.Fatal("failed transaction modified the file")
	}
}

func TestLockTimeout(t *testing.T) {
	store := newTestStore(t)
	store.LockTimeout = 200 * time.Millisecond
	f, err := os.OpenFile(store.Path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	err = unix.Flock(int(f.Fd()), unix.LOCK_EX)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	err = store.WithTransaction(func(cfg *InterfaceConfig) error { return nil })
	var lockErr *LockTimeoutError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected LockTimeoutError, got %v", err)
	}
}

func TestSaveCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wg0.conf")
	store := NewStore(path)
	cfg := &InterfaceConfig{
		PrivateKey: testKey(1),
		Addresses:  []IPNet{mustAddr(t, "10.50.0.1/24")},
	}
	err := store.Save(cfg)
	if err != nil {
		t.Fatal(err)
	}
	got, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(cfg) {
		t.Fatal("saved configuration does not round-trip")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("configuration file mode %v; want 0600", info.Mode().Perm())
	}
}
