package sqlcheck

import "testing"

func TestEnsureNullGuard(t *testing.T) {
	meta := ordersMetadata()

	tests := []struct {
		name        string
		sql         string
		want        string
		wantChanged bool
	}{
		{
			name:        "sum without guard gets filter",
			sql:         "SELECT SUM(payment_total) FROM orders",
			want:        "SELECT SUM(payment_total) FROM orders WHERE payment_total IS NOT NULL",
			wantChanged: true,
		},
		{
			name: "existing guard untouched",
			sql:  "SELECT SUM(payment_total) FROM orders WHERE payment_total IS NOT NULL",
			want: "SELECT SUM(payment_total) FROM orders WHERE payment_total IS NOT NULL",
		},
		{
			name: "coalesce counts as guard",
			sql:  "SELECT SUM(COALESCE(payment_total, 0)) FROM orders",
			want: "SELECT SUM(COALESCE(payment_total, 0)) FROM orders",
		},
		{
			name:        "avg guarded and merged into existing where",
			sql:         "SELECT AVG(payment_total) FROM orders WHERE status = 'shipped'",
			want:        "SELECT AVG(payment_total) FROM orders WHERE payment_total IS NOT NULL AND status = 'shipped'",
			wantChanged: true,
		},
		{
			name: "count is never guarded",
			sql:  "SELECT COUNT(order_id) FROM orders",
			want: "SELECT COUNT(order_id) FROM orders",
		},
		{
			name: "unknown column left alone",
			sql:  "SELECT SUM(mystery_total) FROM orders",
			want: "SELECT SUM(mystery_total) FROM orders",
		},
		{
			name:        "uppercase column still guarded",
			sql:         "SELECT SUM(PAYMENT_TOTAL) FROM orders",
			want:        "SELECT SUM(PAYMENT_TOTAL) FROM orders WHERE PAYMENT_TOTAL IS NOT NULL",
			wantChanged: true,
		},
		{
			name:        "guard inserted before group by",
			sql:         "SELECT status, SUM(payment_total) FROM orders GROUP BY status",
			want:        "SELECT status, SUM(payment_total) FROM orders WHERE payment_total IS NOT NULL GROUP BY status",
			wantChanged: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := EnsureNullGuard(tt.sql, meta)
			if got != tt.want {
				t.Errorf("EnsureNullGuard(%q) = %q, want %q", tt.sql, got, tt.want)
			}
			if changed != tt.wantChanged {
				t.Errorf("EnsureNullGuard(%q) changed = %v, want %v", tt.sql, changed, tt.wantChanged)
			}
		})
	}
}

func TestEnsureNullGuardIdempotent(t *testing.T) {
	meta := ordersMetadata()

	once, changed := EnsureNullGuard("SELECT SUM(payment_total) FROM orders", meta)
	if !changed {
		t.Fatal("first application should rewrite")
	}
	twice, changed := EnsureNullGuard(once, meta)
	if changed || twice != once {
		t.Errorf("second application changed the query: %q -> %q", once, twice)
	}
}

func TestEnsureTimeWindow(t *testing.T) {
	tests := []struct {
		name        string
		sql         string
		dateColumn  string
		want        string
		wantChanged bool
	}{
		{
			name:        "bare count gets window",
			sql:         "SELECT COUNT(*) FROM orders",
			dateColumn:  "create_date",
			want:        "SELECT COUNT(*) FROM orders WHERE create_date >= DATE_TRUNC('month', CURRENT_DATE)",
			wantChanged: true,
		},
		{
			name:       "existing interval filter untouched",
			sql:        "SELECT COUNT(*) FROM orders WHERE create_date >= CURRENT_DATE - INTERVAL '30 days'",
			dateColumn: "create_date",
			want:       "SELECT COUNT(*) FROM orders WHERE create_date >= CURRENT_DATE - INTERVAL '30 days'",
		},
		{
			name:       "existing filter on date column untouched",
			sql:        "SELECT COUNT(*) FROM orders WHERE create_date > '2024-01-01'",
			dateColumn: "create_date",
			want:       "SELECT COUNT(*) FROM orders WHERE create_date > '2024-01-01'",
		},
		{
			name:        "window merged into unrelated where",
			sql:         "SELECT COUNT(*) FROM orders WHERE status = 'shipped'",
			dateColumn:  "create_date",
			want:        "SELECT COUNT(*) FROM orders WHERE create_date >= DATE_TRUNC('month', CURRENT_DATE) AND status = 'shipped'",
			wantChanged: true,
		},
		{
			name:        "window inserted before group by",
			sql:         "SELECT status, COUNT(*) FROM orders GROUP BY status",
			dateColumn:  "create_date",
			want:        "SELECT status, COUNT(*) FROM orders WHERE create_date >= DATE_TRUNC('month', CURRENT_DATE) GROUP BY status",
			wantChanged: true,
		},
		{
			name:       "no date column is a no-op",
			sql:        "SELECT COUNT(*) FROM orders",
			dateColumn: "",
			want:       "SELECT COUNT(*) FROM orders",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := EnsureTimeWindow(tt.sql, tt.dateColumn)
			if got != tt.want {
				t.Errorf("EnsureTimeWindow(%q) = %q, want %q", tt.sql, got, tt.want)
			}
			if changed != tt.wantChanged {
				t.Errorf("EnsureTimeWindow(%q) changed = %v, want %v", tt.sql, changed, tt.wantChanged)
			}
		})
	}
}

func TestEnsureTimeWindowIdempotent(t *testing.T) {
	once, changed := EnsureTimeWindow("SELECT COUNT(*) FROM orders", "create_date")
	if !changed {
		t.Fatal("first application should rewrite")
	}
	twice, changed := EnsureTimeWindow(once, "create_date")
	if changed || twice != once {
		t.Errorf("second application changed the query: %q -> %q", once, twice)
	}
}
