package service

import (
	"testing"

	"github.com/dushixiang/marmot/internal/engine"
	"github.com/dushixiang/marmot/internal/models"
)

func TestNormalizeQuery(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  string
	}{
		{
			name:  "数字字面量",
			query: "SELECT * FROM users WHERE id = 42",
			want:  "SELECT * FROM users WHERE id = ?",
		},
		{
			name:  "字符串字面量",
			query: "SELECT * FROM users WHERE name = 'alice'",
			want:  "SELECT * FROM users WHERE name = ?",
		},
		{
			name:  "IN 列表折叠",
			query: "SELECT * FROM users WHERE id IN (1, 2, 3)",
			want:  "SELECT * FROM users WHERE id IN (?)",
		},
		{
			name:  "空白折叠",
			query: "SELECT  *\n FROM   users",
			want:  "SELECT * FROM users",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeQuery(tt.query); got != tt.want {
				t.Errorf("归一化结果不符: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalizeQuerySameShape(t *testing.T) {
	a := HashQuery("SELECT * FROM users WHERE id = 1")
	b := HashQuery("SELECT * FROM users WHERE id = 999")
	if a != b {
		t.Errorf("相同形态的查询应该得到相同哈希: %s != %s", a, b)
	}

	c := HashQuery("SELECT * FROM orders WHERE id = 1")
	if a == c {
		t.Error("不同表的查询不应该共享哈希")
	}
}

func TestQueryTypeOf(t *testing.T) {
	tests := []struct {
		query string
		want  string
	}{
		{"SELECT 1", "select"},
		{"  with cte as (select 1) select * from cte", "select"},
		{"INSERT INTO t VALUES (1)", "insert"},
		{"update t set a = 1", "update"},
		{"DELETE FROM t", "delete"},
		{"PRAGMA journal_mode", "other"},
	}
	for _, tt := range tests {
		if got := queryTypeOf(tt.query); got != tt.want {
			t.Errorf("queryTypeOf(%q) = %q, want %q", tt.query, got, tt.want)
		}
	}
}

func TestClassifyPlan(t *testing.T) {
	scan := engine.PlanStep{Detail: "SCAN users"}
	seek := engine.PlanStep{Detail: "SEARCH users USING INDEX idx_users_id (id=?)"}
	covering := engine.PlanStep{Detail: "SCAN orders USING COVERING INDEX idx_orders_total"}

	tests := []struct {
		name  string
		steps []engine.PlanStep
		want  string
	}{
		{"空计划", nil, models.IndexUsageNone},
		{"全表扫描", []engine.PlanStep{scan}, models.IndexUsageScan},
		{"索引查找", []engine.PlanStep{seek}, models.IndexUsageSeek},
		{"覆盖索引也算索引访问", []engine.PlanStep{covering}, models.IndexUsageSeek},
		{"混合", []engine.PlanStep{scan, seek}, models.IndexUsageMixed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyPlan(tt.steps); got != tt.want {
				t.Errorf("classifyPlan = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestComplexityOf(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		indexUsage string
		want       string
	}{
		{
			name:       "简单索引查找",
			query:      "SELECT id FROM users WHERE id = ?",
			indexUsage: models.IndexUsageSeek,
			want:       models.ComplexityLow,
		},
		{
			// 全表扫描(2) + JOIN(3) = 5
			name:       "扫描加连接",
			query:      "SELECT * FROM users u LEFT JOIN orders o ON u.id = o.user_id",
			indexUsage: models.IndexUsageScan,
			want:       models.ComplexityMedium,
		},
		{
			// ORDER BY(1) + GROUP BY(2) = 3，恰好达到 medium 边界
			name:       "排序分组达到边界",
			query:      "SELECT status FROM users GROUP BY status ORDER BY status",
			indexUsage: models.IndexUsageSeek,
			want:       models.ComplexityMedium,
		},
		{
			// 扫描(2) + JOIN(3) + ORDER BY(1) + GROUP BY(2) = 8
			name:       "扫描连接排序分组",
			query:      "SELECT u.id FROM users u LEFT JOIN orders o ON u.id = o.user_id GROUP BY u.id ORDER BY u.id",
			indexUsage: models.IndexUsageScan,
			want:       models.ComplexityHigh,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := complexityOf(tt.query, tt.indexUsage); got != tt.want {
				t.Errorf("complexityOf = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractTables(t *testing.T) {
	tables := extractTables("SELECT * FROM users u JOIN orders o ON u.id = o.user_id")
	if len(tables) != 2 || tables[0] != "users" || tables[1] != "orders" {
		t.Errorf("提取表名不符: %v", tables)
	}

	tables = extractTables("UPDATE accounts SET balance = 0")
	if len(tables) != 1 || tables[0] != "accounts" {
		t.Errorf("UPDATE 表名提取失败: %v", tables)
	}
}

func TestExtractPredicateColumns(t *testing.T) {
	columns := extractPredicateColumns("SELECT * FROM users WHERE status = 'active' AND age > 18 ORDER BY name")
	if len(columns) != 2 || columns[0] != "status" || columns[1] != "age" {
		t.Errorf("谓词列提取不符: %v", columns)
	}

	// ORDER BY 之后的列不应被提取
	for _, column := range columns {
		if column == "name" {
			t.Error("不应提取 ORDER BY 中的列")
		}
	}

	if columns := extractPredicateColumns("SELECT * FROM users"); columns != nil {
		t.Errorf("无 WHERE 子句时应返回 nil, got %v", columns)
	}
}

func TestBuildCreateIndex(t *testing.T) {
	stmt := buildCreateIndex("users", []string{"status", "age"})
	want := "CREATE INDEX IF NOT EXISTS idx_users_status_age ON users (status, age)"
	if stmt != want {
		t.Errorf("建索引语句不符: got %q, want %q", stmt, want)
	}
}

func TestBuildSuggestions(t *testing.T) {
	suggestions := buildSuggestions("SELECT * FROM users ORDER BY name", models.IndexUsageScan)

	var types []string
	for _, suggestion := range suggestions {
		types = append(types, suggestion.Type)
	}

	has := func(want string) bool {
		for _, typ := range types {
			if typ == want {
				return true
			}
		}
		return false
	}
	if !has("missing_index") {
		t.Errorf("全表扫描应产生 missing_index 建议: %v", types)
	}
	if !has("wildcard_select") {
		t.Errorf("SELECT * 应产生 wildcard_select 建议: %v", types)
	}
	if !has("unbounded_order") {
		t.Errorf("无 LIMIT 的 ORDER BY 应产生 unbounded_order 建议: %v", types)
	}
}
