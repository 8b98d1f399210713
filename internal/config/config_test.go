package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sly67/pathmap/internal/pathmap"
)

func TestLoadMapping_OrderPreserved(t *testing.T) {
	doc := `
/b: remote-b
/a: remote-a
/c/d: remote-cd
`
	mapping, err := LoadMapping(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadMapping: %v", err)
	}

	want := pathmap.Mapping{
		{Path: "/b", Remote: "remote-b"},
		{Path: "/a", Remote: "remote-a"},
		{Path: "/c/d", Remote: "remote-cd"},
	}
	if len(mapping) != len(want) {
		t.Fatalf("len = %d, want %d", len(mapping), len(want))
	}
	for i := range want {
		if mapping[i] != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, mapping[i], want[i])
		}
	}
}

func TestLoadMapping_RcloneRemotes(t *testing.T) {
	doc := `/input-file-1: ":s3,env_auth=True:mybucket/mybigfile"
/input-file-2: ":ftp,host=ftp.example.com:myftp/file"
`
	mapping, err := LoadMapping(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadMapping: %v", err)
	}
	if mapping[0].Remote != ":s3,env_auth=True:mybucket/mybigfile" {
		t.Errorf("Remote = %q", mapping[0].Remote)
	}
}

func TestLoadMapping_DuplicateRejected(t *testing.T) {
	doc := `
/a: remote-1
/a: remote-2
`
	_, err := LoadMapping(strings.NewReader(doc))
	if err == nil {
		t.Fatal("duplicate path accepted")
	}
	// yaml.v3 may reject the duplicate key itself; when it does not, the
	// loader must.
	if !errors.Is(err, ErrDuplicatePath) && !strings.Contains(err.Error(), "already defined") {
		t.Errorf("err = %v, want duplicate-path error", err)
	}
}

func TestLoadMapping_RelativePathRejected(t *testing.T) {
	if _, err := LoadMapping(strings.NewReader("a/b: remote")); err == nil {
		t.Fatal("relative virtual path accepted")
	}
}

func TestLoadMapping_DirectoryPathRejected(t *testing.T) {
	if _, err := LoadMapping(strings.NewReader("/a/: remote")); err == nil {
		t.Fatal("directory virtual path accepted")
	}
}

func TestLoadMapping_NonMapRejected(t *testing.T) {
	if _, err := LoadMapping(strings.NewReader("- /a\n- /b\n")); err == nil {
		t.Fatal("sequence document accepted")
	}
}

func TestLoadMapping_Empty(t *testing.T) {
	mapping, err := LoadMapping(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadMapping: %v", err)
	}
	if len(mapping) != 0 {
		t.Errorf("len = %d, want 0", len(mapping))
	}
}

func TestLoadMappingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map.yml")
	if err := os.WriteFile(path, []byte("/f: remote\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	mapping, err := LoadMappingFile(path)
	if err != nil {
		t.Fatalf("LoadMappingFile: %v", err)
	}
	if len(mapping) != 1 || mapping[0].Path != "/f" {
		t.Errorf("mapping = %+v", mapping)
	}
}

func TestLoadMappingFile_Missing(t *testing.T) {
	if _, err := LoadMappingFile(filepath.Join(t.TempDir(), "nope.yml")); err == nil {
		t.Fatal("missing file accepted")
	}
}
