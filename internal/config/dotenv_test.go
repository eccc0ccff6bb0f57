package config

import (
	"os"
	"path/filepath"
	"testing"
)

func setHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	return home
}

func TestReadDotEnv_NotExist(t *testing.T) {
	setHome(t)

	m, err := ReadDotEnv()
	if err != nil {
		t.Fatalf("ReadDotEnv: %v", err)
	}
	if len(m) != 0 {
		t.Fatalf("expected empty map, got %v", m)
	}
	if err := LoadDotEnv(); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
}

func TestReadDotEnv_ParsesKeyValue(t *testing.T) {
	home := setHome(t)

	dir := filepath.Join(home, ".persona")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("# comment\nA=1\nB=\"two\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	m, err := ReadDotEnv()
	if err != nil {
		t.Fatalf("ReadDotEnv: %v", err)
	}
	if m["A"] != "1" || m["B"] != "two" {
		t.Fatalf("unexpected map: %v", m)
	}
}

func TestLoadDotEnv_EnvOverridesDotEnv(t *testing.T) {
	home := setHome(t)

	dir := filepath.Join(home, ".persona")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("PERSONA_TEST_K=fromdotenv\nPERSONA_TEST_NEW=added\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PERSONA_TEST_K", "fromenv")
	// Registers cleanup so the value exported by LoadDotEnv does not leak.
	t.Setenv("PERSONA_TEST_NEW", "")
	_ = os.Unsetenv("PERSONA_TEST_NEW")

	if err := LoadDotEnv(); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if v := os.Getenv("PERSONA_TEST_K"); v != "fromenv" {
		t.Fatalf("expected env override, got %q", v)
	}
	if v := os.Getenv("PERSONA_TEST_NEW"); v != "added" {
		t.Fatalf("expected dotenv value to be exported, got %q", v)
	}
}

func TestEnsureDotEnvTemplate_DoesNotOverwrite(t *testing.T) {
	home := setHome(t)

	dir := filepath.Join(home, ".persona")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(dir, ".env")
	if err := os.WriteFile(p, []byte("PERSONA_EMBEDDINGS_PROVIDER=keep\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := EnsureDotEnvTemplate(); err != nil {
		t.Fatalf("EnsureDotEnvTemplate: %v", err)
	}
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "PERSONA_EMBEDDINGS_PROVIDER=keep\n" {
		t.Fatalf("template overwrote existing file: %q", string(b))
	}
}

func TestEnsureDotEnvTemplate_CreatesWhenMissing(t *testing.T) {
	home := setHome(t)
	p := filepath.Join(home, ".persona", ".env")

	if err := EnsureDotEnvTemplate(); err != nil {
		t.Fatalf("EnsureDotEnvTemplate: %v", err)
	}
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if len(b) == 0 {
		t.Fatalf("expected non-empty template")
	}
}
