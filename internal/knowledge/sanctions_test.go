package knowledge

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSanctionsListLookup(t *testing.T) {
	list := NewSanctionsList([]Entry{
		{Address: " Addr_Test1QXYZ ", List: "OFAC SDN", Confidence: 0.9},
		{Address: "", List: "ignored"},
		{Address: "0xDEAD", List: "scam-db"},
	})
	if list.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", list.Len())
	}
	entry, ok := list.Lookup("addr_test1qxyz")
	if !ok || entry.List != "OFAC SDN" || entry.Confidence != 0.9 {
		t.Fatalf("unexpected entry %+v ok=%v", entry, ok)
	}
	entry, ok = list.Lookup("0xdead")
	if !ok || entry.Confidence != 1 {
		t.Fatalf("confidence should default to 1, got %+v", entry)
	}
	if _, ok := list.Lookup("addr_clean"); ok {
		t.Fatal("unexpected match for clean address")
	}

	var nilList *SanctionsList
	if _, ok := nilList.Lookup("0xdead"); ok {
		t.Fatal("nil list must not match")
	}
}

func TestLoadSanctionsList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sanctions.json")
	content := `[{"address":"addr_bad","list":"OFAC SDN","confidence":0.95,"note":"demo"}]`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	list, err := LoadSanctionsList(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := list.Lookup("ADDR_BAD"); !ok {
		t.Fatal("expected loaded entry to match")
	}

	if _, err := LoadSanctionsList(""); err == nil {
		t.Fatal("expected error for empty path")
	}
	if _, err := LoadSanctionsList(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
