package store

import "testing"

func TestRebindPostgresPlaceholders(t *testing.T) {
	cases := []struct {
		name  string
		query string
		want  string
	}{
		{
			name:  "no placeholders",
			query: "SELECT 1",
			want:  "SELECT 1",
		},
		{
			name:  "numbered in order",
			query: "SELECT * FROM markets WHERE status = ? LIMIT ? OFFSET ?",
			want:  "SELECT * FROM markets WHERE status = $1 LIMIT $2 OFFSET $3",
		},
		{
			name:  "question mark inside string literal untouched",
			query: "UPDATE markets SET question = 'really?' WHERE id = ?",
			want:  "UPDATE markets SET question = 'really?' WHERE id = $1",
		},
		{
			name:  "escaped quote does not end the literal",
			query: "INSERT INTO markets (question) VALUES ('it''s a ?') ON CONFLICT DO NOTHING",
			want:  "INSERT INTO markets (question) VALUES ('it''s a ?') ON CONFLICT DO NOTHING",
		},
		{
			name:  "placeholder after literal keeps counting",
			query: "SELECT ? WHERE a = 'x?' AND b = ?",
			want:  "SELECT $1 WHERE a = 'x?' AND b = $2",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := rebindPostgresPlaceholders(tc.query); got != tc.want {
				t.Fatalf("rebind(%q) = %q, want %q", tc.query, got, tc.want)
			}
		})
	}
}
