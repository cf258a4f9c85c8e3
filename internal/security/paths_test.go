package security

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestJoin(t *testing.T) {
	tests := []struct {
		name    string
		elems   []string
		want    string
		wantErr bool
	}{
		{name: "nested", elems: []string{"03-14", "AirTest_EcoFlex20_09-30-00", "Trial_1"}, want: "Data/03-14/AirTest_EcoFlex20_09-30-00/Trial_1"},
		{name: "dot dot inside", elems: []string{"a", "..", "b"}, want: "Data/b"},
		{name: "root itself", elems: nil, want: "Data"},
		{name: "escape", elems: []string{"..", "etc"}, wantErr: true},
		{name: "escape deep", elems: []string{"a", "../../etc/passwd"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Join("Data", tt.elems...)
			if tt.wantErr {
				if !errors.Is(err, ErrOutsideRoot) {
					t.Fatalf("Join() error = %v, want ErrOutsideRoot", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Join() error = %v", err)
			}
			if got != filepath.FromSlash(tt.want) {
				t.Errorf("Join() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConfinePath(t *testing.T) {
	tmp := t.TempDir()
	safe := filepath.Join(tmp, "safe")
	outside := filepath.Join(tmp, "outside")
	for _, d := range []string{safe, outside} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	symlinks := runtime.GOOS != "windows"
	if symlinks {
		if err := os.Symlink(outside, filepath.Join(safe, "link")); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
		links   bool
	}{
		{name: "new file", path: filepath.Join(safe, "backup-1.db")},
		{name: "new nested file", path: filepath.Join(safe, "a", "b", "backup.db")},
		{name: "dot dot", path: filepath.Join(safe, "..", "outside", "x.db"), wantErr: true},
		{name: "symlinked dir", path: filepath.Join(safe, "link", "x.db"), wantErr: true, links: true},
		{name: "symlink itself", path: filepath.Join(safe, "link"), wantErr: true, links: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.links && !symlinks {
				t.Skip("symlinks unavailable")
			}
			err := ConfinePath(tt.path, safe)
			if tt.wantErr && !errors.Is(err, ErrOutsideRoot) {
				t.Errorf("ConfinePath(%q) error = %v, want ErrOutsideRoot", tt.path, err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("ConfinePath(%q) error = %v", tt.path, err)
			}
		})
	}

	if err := ConfinePath(filepath.Join(tmp, "x"), filepath.Join(tmp, "missing")); err == nil {
		t.Error("expected error for a missing root")
	}
}

func TestSanitizeLabel(t *testing.T) {
	tests := map[string]string{
		"AirTest":            "AirTest",
		"Eco Flex 20":        "Eco_Flex_20",
		"../../etc":          "etc",
		"a/b\\c":             "a_b_c",
		"  ":                 "unknown",
		"":                   "unknown",
		"__x__":              "x",
		"silicone (30%)":     "silicone_30",
		"Dragon Skin™ 10 FS": "Dragon_Skin_10_FS",
	}
	for in, want := range tests {
		if got := SanitizeLabel(in); got != want {
			t.Errorf("SanitizeLabel(%q) = %q, want %q", in, got, want)
		}
	}
}
