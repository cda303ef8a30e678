package cheat

import "testing"

func TestParseCheatTextMasterAndNamedEntries(t *testing.T) {
	text := `
{Master Cheat}
04000000 12345678

[Infinite Health]
08000000 10200000
00000000 000000AA
`
	entries, err := ParseCheatText(text)
	if err != nil {
		t.Fatalf("ParseCheatText: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if !entries[0].Master || !entries[0].Enabled {
		t.Fatalf("master entry: %+v", entries[0])
	}
	if len(entries[0].Words) != 2 {
		t.Fatalf("master entry words = %d, want 2", len(entries[0].Words))
	}
	if entries[1].Name != "Infinite Health" || entries[1].Enabled {
		t.Fatalf("named entry: %+v", entries[1])
	}
	if len(entries[1].Words) != 4 {
		t.Fatalf("named entry words = %d, want 4", len(entries[1].Words))
	}
}

func TestParseCheatTextRejectsOpcodeBeforeHeader(t *testing.T) {
	if _, err := ParseCheatText("04000000 12345678\n[A]\n"); err == nil {
		t.Fatal("expected an error for an opcode line before any header")
	}
}

func TestParseCheatTextRejectsMalformedWord(t *testing.T) {
	if _, err := ParseCheatText("[A]\nnotahexword\n"); err == nil {
		t.Fatal("expected an error for a non-hex word")
	}
}

func TestParseCheatTextAbortsClearsEverything(t *testing.T) {
	text := "[A]\n04000000\n[B]\nbadword\n"
	entries, err := ParseCheatText(text)
	if err == nil {
		t.Fatal("expected an error")
	}
	if entries != nil {
		t.Fatalf("expected nil entries on parse failure, got %+v", entries)
	}
}

func TestParseCheatTextRejectsUnterminatedHeader(t *testing.T) {
	if _, err := ParseCheatText("[A\n04000000\n"); err == nil {
		t.Fatal("expected an error for an unterminated header")
	}
}

func TestParseTogglesAcceptsAllSpellings(t *testing.T) {
	text := "A=true\nB=off\nC=1\nD=ON\n"
	toggles, err := ParseToggles(text)
	if err != nil {
		t.Fatalf("ParseToggles: %v", err)
	}
	want := Toggles{"A": true, "B": false, "C": true, "D": true}
	for name, v := range want {
		if toggles[name] != v {
			t.Fatalf("toggle %q = %v, want %v", name, toggles[name], v)
		}
	}
}

func TestParseTogglesRejectsUnknownValue(t *testing.T) {
	if _, err := ParseToggles("A=maybe\n"); err == nil {
		t.Fatal("expected an error for an unrecognized toggle value")
	}
}

func TestApplyTogglesLeavesMasterAlwaysEnabled(t *testing.T) {
	entries := []Entry{
		{Name: "Master", Master: true, Enabled: true},
		{Name: "Infinite Health", Enabled: false},
	}
	ApplyToggles(entries, Toggles{"Master": false, "Infinite Health": true})
	if !entries[0].Enabled {
		t.Fatal("master cheat must stay enabled regardless of its toggle")
	}
	if !entries[1].Enabled {
		t.Fatal("toggle should have enabled the named cheat")
	}
}
