package contexts

import (
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nikhil-bora/finops-agent/internal/docstore"
	"github.com/nikhil-bora/finops-agent/internal/llm"
	_ "modernc.org/sqlite"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "contexts_test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ds, err := docstore.New(db)
	if err != nil {
		t.Fatalf("docstore.New: %v", err)
	}
	t.Cleanup(func() { ds.Close() })

	s := NewStore(ds, nil)
	clock := time.Unix(1760000000, 0)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return s
}

func TestAddGetList(t *testing.T) {
	s := testStore(t)
	c, err := s.Add("Account map", "123 = prod", "which account is which", "")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if c.ID != "ctx_1760000001_Account_map" || c.Type != TypeText || c.Size != 10 {
		t.Errorf("context = %+v", c)
	}
	if _, err := s.Add("Later", "x", "", TypeText); err != nil {
		t.Fatal(err)
	}

	list, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].Name != "Later" {
		t.Errorf("List order = %+v", list)
	}
	if list[1].Content != "" {
		t.Error("List returned content")
	}

	got, err := s.Get(c.ID)
	if err != nil || got.Content != "123 = prod" {
		t.Errorf("Get = %+v, %v", got, err)
	}

	if _, err := s.Add("  ", "x", "", ""); err == nil {
		t.Error("Add accepted an empty name")
	}
}

func TestUpdateDelete(t *testing.T) {
	s := testStore(t)
	c, _ := s.Add("Tags", "team=x", "", "")

	content := "team=platform"
	empty := ""
	got, err := s.Update(c.ID, Update{Content: &content, Name: &empty})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Name != "Tags" || got.Size != len(content) {
		t.Errorf("after update = %+v", got)
	}

	if err := s.Delete(c.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v", err)
	}
	if err := s.Delete(c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete = %v", err)
	}
}

func TestPromptSection(t *testing.T) {
	s := testStore(t)
	text, _ := s.Add("Conventions", "Always tag cost-center.", "team rules", TypeText)
	img, _ := s.Add("Arch diagram", "image/png:AAAA", "network layout", TypeImage)
	blank, _ := s.Add("Blank", "", "", TypeText)

	if got := s.PromptSection(nil); got != "" {
		t.Errorf("PromptSection(nil) = %q", got)
	}

	got := s.PromptSection([]string{text.ID, "ctx_missing", img.ID, blank.ID})
	for _, want := range []string{
		"# Custom Context",
		"## Conventions\nteam rules\n\nAlways tag cost-center.",
		"## Arch diagram (Image)\nnetwork layout",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("section missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "Blank") || strings.Contains(got, "AAAA") {
		t.Errorf("section includes blank context or image data:\n%s", got)
	}
}

func TestAttachments(t *testing.T) {
	s := testStore(t)
	text, _ := s.Add("Conventions", "Always tag cost-center.", "", TypeText)
	png, _ := s.Add("Diagram", "image/png:AAAA", "", TypeImage)
	bare, _ := s.Add("Photo", "BBBB", "", TypeImage)
	pdf, _ := s.Add("Invoice", "application/pdf:JVBE", "", TypePDF)

	got := s.Attachments([]string{text.ID, pdf.ID, "ctx_missing", png.ID, bare.ID})
	want := []llm.Attachment{
		{MediaType: llm.MediaPDF, Data: "JVBE"},
		{MediaType: llm.MediaPNG, Data: "AAAA"},
		{MediaType: llm.MediaJPEG, Data: "BBBB"},
	}
	if len(got) != len(want) {
		t.Fatalf("Attachments = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("attachment %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if s.Attachments(nil) != nil {
		t.Error("Attachments(nil) should be nil")
	}
}

func TestAddFile(t *testing.T) {
	s := testStore(t)
	tests := []struct {
		name     string
		filename string
		data     []byte
		wantType string
		wantBody string
		wantErr  bool
	}{
		{"text", "accounts.txt", []byte("111 = prod"), TypeText, "111 = prod", false},
		{"png", "bill.PNG", []byte{0x89, 'P', 'N', 'G'}, TypeImage, "image/png:iVBORw==", false},
		{"jpeg", "shot.jpeg", []byte{0xff, 0xd8}, TypeImage, "image/jpeg:/9g=", false},
		{"pdf", "invoice.pdf", []byte("%PDF-1"), TypePDF, "application/pdf:JVBERi0x", false},
		{"bmp", "old.bmp", []byte("BM"), "", "", true},
		{"binary", "dump.bin", []byte{0xff, 0xfe, 0x00}, "", "", true},
		{"empty", "blank.txt", []byte("  \n"), "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := s.AddFile("", "uploaded", tt.filename, tt.data)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidFile) {
					t.Fatalf("AddFile error = %v, want ErrInvalidFile", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("AddFile: %v", err)
			}
			if c.Type != tt.wantType || c.Content != tt.wantBody || c.Name != tt.filename {
				t.Errorf("context = type %q name %q content %q", c.Type, c.Name, c.Content)
			}
		})
	}
}
