package env

import (
	"path/filepath"
	"testing"
)

func TestCreateThenCloseThenOpenEmptyDatabases(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.hs")

	e, err := Create(path, Config{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if names := e.GetDatabaseNames(); len(names) != 0 {
		t.Fatalf("expected a fresh environment to have no databases, got %v", names)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2, err := Open(path, Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e2.Close()
	if names := e2.GetDatabaseNames(); len(names) != 0 {
		t.Fatalf("expected reopened environment to still have no databases, got %v", names)
	}
}

func TestCreateDatabaseEraseDatabasePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.hs")

	e, err := Create(path, Config{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	keepID, err := e.CreateDatabase("keep")
	if err != nil {
		t.Fatalf("CreateDatabase(keep): %v", err)
	}
	eraseID, err := e.CreateDatabase("erase-me")
	if err != nil {
		t.Fatalf("CreateDatabase(erase-me): %v", err)
	}
	if err := e.EraseDatabase(eraseID); err != nil {
		t.Fatalf("EraseDatabase: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2, err := Open(path, Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e2.Close()

	names := e2.GetDatabaseNames()
	if got, ok := names[keepID]; !ok || got != "keep" {
		t.Fatalf("expected database %d (keep) to survive reopen, got %v", keepID, names)
	}
	if _, ok := names[eraseID]; ok {
		t.Fatalf("expected erased database %d to be absent after reopen, got %v", eraseID, names)
	}
}

func TestCreateDatabaseRejectsDuplicateName(t *testing.T) {
	dir := t.TempDir()
	e, err := Create(filepath.Join(dir, "main.hs"), Config{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer e.Close()

	if _, err := e.CreateDatabase("dup"); err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}
	if _, err := e.CreateDatabase("dup"); err == nil {
		t.Fatalf("expected a duplicate database name to fail")
	}
}

func TestCreateDatabaseRejectsOverMaxDatabases(t *testing.T) {
	dir := t.TempDir()
	e, err := Create(filepath.Join(dir, "main.hs"), Config{MaxDatabases: 1})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer e.Close()

	if _, err := e.CreateDatabase("first"); err != nil {
		t.Fatalf("CreateDatabase(first): %v", err)
	}
	if _, err := e.CreateDatabase("second"); err == nil {
		t.Fatalf("expected database creation beyond MaxDatabases to fail")
	}
}

func TestEraseUnknownDatabaseFails(t *testing.T) {
	dir := t.TempDir()
	e, err := Create(filepath.Join(dir, "main.hs"), Config{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer e.Close()

	if err := e.EraseDatabase(99); err == nil {
		t.Fatalf("expected erasing an unknown database id to fail")
	}
}

func TestInMemoryEnvironmentCannotBeReopened(t *testing.T) {
	e, err := Create("ignored", Config{Flags: InMemory})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer e.Close()

	if _, err := Open("ignored", Config{Flags: InMemory}); err == nil {
		t.Fatalf("expected opening an in-memory environment to fail")
	}
}

func TestInMemoryAndRecoveryFlagsConflict(t *testing.T) {
	_, err := Create("ignored", Config{Flags: InMemory | EnableRecovery})
	if err == nil {
		t.Fatalf("expected InMemory+EnableRecovery to be rejected")
	}
}

func TestCreateDatabaseSurvivesReopenWithRecoveryEnabled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.hs")

	e, err := Create(path, Config{Flags: EnableRecovery})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id, err := e.CreateDatabase("orders")
	if err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2, err := Open(path, Config{Flags: EnableRecovery})
	if err != nil {
		t.Fatalf("Open with recovery: %v", err)
	}
	defer e2.Close()

	names := e2.GetDatabaseNames()
	if got, ok := names[id]; !ok || got != "orders" {
		t.Fatalf("expected database %d (orders) to survive a recovery reopen, got %v", id, names)
	}
}

func TestFreelistReconnectsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.hs")

	e, err := Create(path, Config{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id, err := e.CreateDatabase("a")
	if err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}
	if err := e.EraseDatabase(id); err != nil {
		t.Fatalf("EraseDatabase: %v", err)
	}
	firstFreelistPage := uint64(0)
	if e.freelist != nil {
		firstFreelistPage = e.freelist.HeaderAddress()
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if firstFreelistPage == 0 {
		// Erasing a database with no pages of its own yet never forces
		// a freelist page into existence; nothing further to check.
		return
	}

	e2, err := Open(path, Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e2.Close()
	if e2.freelist.HeaderAddress() != firstFreelistPage {
		t.Fatalf("expected freelist chain head %d to survive reopen, got %d",
			firstFreelistPage, e2.freelist.HeaderAddress())
	}
}
