package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFinOpsPreambleDate(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	p := FinOpsPreamble(PreambleInput{Now: now, Database: "billing", Table: "cur"})

	for _, want := range []string{
		"Today is 2025-03-10 (March 2025)",
		"Database: billing",
		`FROM "billing"."cur"`,
		"DATE('2025-03-01')",
		"Schema not loaded",
	} {
		if !strings.Contains(p, want) {
			t.Errorf("preamble missing %q", want)
		}
	}
}

func TestFinOpsPreambleChangesWithTime(t *testing.T) {
	a := FinOpsPreamble(PreambleInput{Now: time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)})
	b := FinOpsPreamble(PreambleInput{Now: time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC)})
	if a == b {
		t.Error("preamble should differ across days")
	}
}

func TestFinOpsPreambleSchemaAndCustom(t *testing.T) {
	s := &Schema{
		TotalColumns: 125,
		CommonColumns: map[string][]string{
			"cost": {"lineitem/unblendedcost", "lineitem/blendedcost"},
			"time": {"lineitem/usagestartdate"},
		},
	}
	p := FinOpsPreamble(PreambleInput{Schema: s, Custom: "\n\n# Custom Context\n\n## Teams\nplatform\n"})

	for _, want := range []string{
		"Total Columns: 125",
		"COST COLUMNS:\nlineitem/unblendedcost, lineitem/blendedcost",
		"TIME COLUMNS:\nlineitem/usagestartdate",
		"# Custom Context",
	} {
		if !strings.Contains(p, want) {
			t.Errorf("preamble missing %q", want)
		}
	}
	if strings.Contains(p, "SERVICE COLUMNS") {
		t.Error("empty column groups should be omitted")
	}
	if !strings.HasSuffix(p, "platform\n") {
		t.Error("custom context should be appended last")
	}
}

func TestLoadSchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cur-schema.json")
	os.WriteFile(path, []byte(`{"totalColumns": 3, "commonColumns": {"cost": ["lineitem/unblendedcost"]}}`), 0o644)

	s, err := LoadSchema(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.TotalColumns != 3 || s.CommonColumns["cost"][0] != "lineitem/unblendedcost" {
		t.Errorf("schema = %+v", s)
	}

	if s, err := LoadSchema(""); s != nil || err != nil {
		t.Errorf("empty path = %v, %v", s, err)
	}
	if _, err := LoadSchema(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for a missing file")
	}
	bad := filepath.Join(dir, "bad.json")
	os.WriteFile(bad, []byte("{"), 0o644)
	if _, err := LoadSchema(bad); err == nil {
		t.Error("expected error for invalid JSON")
	}
}
