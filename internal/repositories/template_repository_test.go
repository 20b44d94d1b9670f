package repositories

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"renderhub/internal/pkg/errors"
)

func writeTemplate(t *testing.T, root, id string, withBlend bool) {
	t.Helper()
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, TemplateImageName), []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}
	if withBlend {
		if err := os.WriteFile(filepath.Join(dir, TemplateBlendName), []byte("blend"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestTemplateRepository(t *testing.T) {
	root := t.TempDir()
	writeTemplate(t, root, "tee-classic", true)
	writeTemplate(t, root, "hoodie", true)
	writeTemplate(t, root, "incomplete", false)

	repo := NewTemplateRepository(root)
	ctx := context.Background()

	tpl, err := repo.Get(ctx, "tee-classic")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if tpl.BlendFile != filepath.Join(root, "tee-classic", "scene.blend") {
		t.Errorf("unexpected blend path %s", tpl.BlendFile)
	}

	if _, err := repo.Get(ctx, "incomplete"); !errors.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND for template without scene, got %v", err)
	}
	if _, err := repo.Get(ctx, "../etc"); !errors.IsInvalidInput(err) {
		t.Errorf("expected INVALID_INPUT for traversal, got %v", err)
	}

	list, err := repo.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != "hoodie" || list[1].ID != "tee-classic" {
		t.Errorf("unexpected list %+v", list)
	}
}

func TestTemplateRepositoryMissingRoot(t *testing.T) {
	repo := NewTemplateRepository(filepath.Join(t.TempDir(), "nope"))
	list, err := repo.List(context.Background())
	if err != nil || len(list) != 0 {
		t.Errorf("expected empty list, got %v, %v", list, err)
	}
}

func TestMigrationNames(t *testing.T) {
	names, err := migrationNames()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) == 0 || names[0] != "001_render_jobs.sql" {
		t.Errorf("unexpected migrations %v", names)
	}
}

func TestNullString(t *testing.T) {
	empty := ""
	value := "v"
	if nullString(nil) != nil || nullString(&empty) != nil {
		t.Error("nil and empty should map to NULL")
	}
	if nullString(&value) != "v" {
		t.Error("value not passed through")
	}
}

func TestQueryError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errors.Code
	}{
		{"missing table", &pgconn.PgError{Code: "42P01"}, errors.CodeUnavailable},
		{"other", &pgconn.PgError{Code: "22P02"}, errors.CodeInternal},
		{"duplicate", &pgconn.PgError{Code: "23505"}, errors.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.GetCode(queryError(tt.err, "op", "query")); got != tt.want {
				t.Errorf("code = %s, want %s", got, tt.want)
			}
		})
	}
	if !IsUniqueViolation(&pgconn.PgError{Code: "23505"}) {
		t.Error("23505 should be a unique violation")
	}
}
