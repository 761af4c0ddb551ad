package postgres

import "testing"

func TestMigrateURL(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@h:5432/db?sslmode=disable":   "pgx5://u:p@h:5432/db?sslmode=disable",
		"postgresql://u:p@h:5432/db?sslmode=disable": "pgx5://u:p@h:5432/db?sslmode=disable",
		"pgx5://u:p@h/db":                            "pgx5://u:p@h/db",
	}
	for in, want := range cases {
		if got := migrateURL(in); got != want {
			t.Fatalf("migrateURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMigrateRejectsBadInput(t *testing.T) {
	if err := Migrate("", "up"); err == nil {
		t.Fatal("expected error for empty dsn")
	}
	if err := Migrate("postgres://h/db", "sideways"); err == nil {
		t.Fatal("expected error for unknown direction")
	}
}
