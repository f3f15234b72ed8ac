package recipient

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recipients.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write csv: %v", err)
	}
	return path
}

func TestLoadValidCSV(t *testing.T) {
	t.Parallel()

	path := writeCSV(t, strings.Join([]string{
		"email,firstname,company,cc,bcc,attachment",
		"alice@example.com,Alice,Acme,boss@example.com,,",
		"bob@example.com, Bob ,Acme Inc,,archive@example.com,/tmp/a.pdf",
	}, "\n"))

	records, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(records) != 2 {
		t.Fatalf("record count: got %d, want 2", len(records))
	}
	if records[0].Email != "alice@example.com" {
		t.Errorf("Email: got %q, want %q", records[0].Email, "alice@example.com")
	}
	if records[0].Firstname != "Alice" {
		t.Errorf("Firstname: got %q, want %q", records[0].Firstname, "Alice")
	}
	if records[0].Cc != "boss@example.com" {
		t.Errorf("Cc: got %q, want %q", records[0].Cc, "boss@example.com")
	}
	if len(records[0].Attachments) != 0 {
		t.Errorf("Attachments: got %v, want none", records[0].Attachments)
	}

	if records[1].Firstname != "Bob" {
		t.Errorf("Firstname: got %q, want %q (whitespace should be trimmed)", records[1].Firstname, "Bob")
	}
	if len(records[1].Attachments) != 1 || records[1].Attachments[0] != "/tmp/a.pdf" {
		t.Errorf("Attachments: got %v, want [/tmp/a.pdf]", records[1].Attachments)
	}
}

func TestLoadPreservesRowOrder(t *testing.T) {
	t.Parallel()

	path := writeCSV(t, strings.Join([]string{
		"email,firstname,company,cc,bcc,attachment",
		"c@example.com,C,,,,",
		"a@example.com,A,,,,",
		"b@example.com,B,,,,",
	}, "\n"))

	records, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"c@example.com", "a@example.com", "b@example.com"}
	for i, w := range want {
		if records[i].Email != w {
			t.Errorf("records[%d].Email: got %q, want %q", i, records[i].Email, w)
		}
	}
}

func TestLoadMissingRequiredHeaders(t *testing.T) {
	t.Parallel()

	path := writeCSV(t, strings.Join([]string{
		"email,firstname",
		"alice@example.com,Alice",
	}, "\n"))

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for missing headers, got nil")
	}
	if !strings.Contains(err.Error(), "company") {
		t.Errorf("error should name the missing columns, got: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "nope.csv"))
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadSkipsRowsWithEmptyEmail(t *testing.T) {
	t.Parallel()

	path := writeCSV(t, strings.Join([]string{
		"email,firstname,company,cc,bcc,attachment",
		"alice@example.com,Alice,,,,",
		",Ghost,,,,",
		"bob@example.com,Bob,,,,",
	}, "\n"))

	records, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("record count: got %d, want 2 (row without email skipped)", len(records))
	}
	if records[0].Email != "alice@example.com" || records[1].Email != "bob@example.com" {
		t.Errorf("records: got %q, %q", records[0].Email, records[1].Email)
	}
}

func TestLoadToleratesRaggedRows(t *testing.T) {
	t.Parallel()

	path := writeCSV(t, strings.Join([]string{
		"email,firstname,company,cc,bcc,attachment",
		"alice@example.com,Alice,Acme,,,",
		"bob@example.com,Bob",
		"carol@example.com,Carol,Acme,,,,stray-extra-cell",
	}, "\n"))

	records, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(records) != 3 {
		t.Fatalf("record count: got %d, want 3", len(records))
	}
	if records[1].Email != "bob@example.com" || records[1].Firstname != "Bob" {
		t.Errorf("short row: got %q/%q, want bob@example.com/Bob", records[1].Email, records[1].Firstname)
	}
	if records[1].Company != "" {
		t.Errorf("short row Company: got %q, want empty", records[1].Company)
	}
	if got := records[1].Fields()["attachment"]; got != "" {
		t.Errorf("short row fields[attachment]: got %q, want empty", got)
	}
	if records[2].Email != "carol@example.com" {
		t.Errorf("long row: got %q, want carol@example.com", records[2].Email)
	}
	if fields := records[2].Fields(); len(fields) != 6 {
		t.Errorf("long row field count: got %d (%v), want 6", len(fields), fields)
	}
}

func TestLoadExtraColumnsEnterNamespace(t *testing.T) {
	t.Parallel()

	path := writeCSV(t, strings.Join([]string{
		"email,firstname,company,cc,bcc,attachment,coupon",
		"alice@example.com,Alice,Acme,,,,SAVE20",
	}, "\n"))

	records, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fields := records[0].Fields()
	if fields["coupon"] != "SAVE20" {
		t.Errorf("fields[coupon]: got %q, want %q", fields["coupon"], "SAVE20")
	}
}

func TestFieldsReturnsCopy(t *testing.T) {
	t.Parallel()

	path := writeCSV(t, strings.Join([]string{
		"email,firstname,company,cc,bcc,attachment",
		"alice@example.com,Alice,Acme,,,",
	}, "\n"))

	records, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fields := records[0].Fields()
	fields["firstname"] = "Mallory"

	if got := records[0].Fields()["firstname"]; got != "Alice" {
		t.Errorf("record mutated through Fields(): got %q, want %q", got, "Alice")
	}
}

func TestSplitList(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cell string
		want []string
	}{
		{"empty", "", nil},
		{"whitespace only", "   ", nil},
		{"single", "/tmp/a.pdf", []string{"/tmp/a.pdf"}},
		{"two with space", "/tmp/a.pdf, /tmp/b.pdf", []string{"/tmp/a.pdf", "/tmp/b.pdf"}},
		{"trailing comma", "a@example.com,", []string{"a@example.com"}},
		{"inner empty entry", "a@example.com,,b@example.com", []string{"a@example.com", "b@example.com"}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := SplitList(tt.cell)
			if len(got) != len(tt.want) {
				t.Fatalf("length: got %d (%v), want %d (%v)", len(got), got, len(tt.want), tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("entry %d: got %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}
