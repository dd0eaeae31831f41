package holder

import "testing"

func TestParseSeed(t *testing.T) {
	holders, err := ParseSeed("Ada:h-1:Ada Lovelace, linus:h-2")
	if err != nil {
		t.Fatalf("ParseSeed err: %v", err)
	}
	if len(holders) != 2 {
		t.Fatalf("expected 2 holders, got %d", len(holders))
	}
	if holders[0].Username != "ada" || holders[0].ID != "h-1" || holders[0].DisplayName != "Ada Lovelace" {
		t.Fatalf("unexpected first holder: %+v", holders[0])
	}
	if holders[1].DisplayName != "" {
		t.Fatalf("expected empty display name, got %q", holders[1].DisplayName)
	}
}

func TestParseSeedRejectsMalformedEntry(t *testing.T) {
	if _, err := ParseSeed("ada"); err == nil {
		t.Fatal("expected error for entry without id")
	}
	if _, err := ParseSeed("ada: "); err == nil {
		t.Fatal("expected error for empty id")
	}
}

func TestMemoryDirectoryLookups(t *testing.T) {
	dir := NewMemoryDirectory(Seed())

	h, ok := dir.FindByUsername("  ADA ")
	if !ok || h.ID != "holder-ada" {
		t.Fatalf("expected ada by username, got %+v ok=%v", h, ok)
	}
	if _, ok := dir.FindByID("holder-linus"); !ok {
		t.Fatal("expected linus by id")
	}
	if _, ok := dir.FindByUsername("nobody"); ok {
		t.Fatal("expected miss for unknown username")
	}
}
