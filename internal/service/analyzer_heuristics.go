package service

import (
	"regexp"
	"strings"

	"github.com/dushixiang/marmot/internal/engine"
	"github.com/dushixiang/marmot/internal/models"
)

var (
	reString     = regexp.MustCompile(`'(?:[^']|'')*'`)
	reNumber     = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	reInList     = regexp.MustCompile(`(?i)\bIN\s*\(\s*\?(?:\s*,\s*\?)*\s*\)`)
	reWhitespace = regexp.MustCompile(`\s+`)

	reFromTable = regexp.MustCompile(`(?i)\b(?:FROM|JOIN|INTO|UPDATE)\s+` + "`?" + `([a-zA-Z_][a-zA-Z0-9_]*)` + "`?")
	rePredicate = regexp.MustCompile(`(?i)\b([a-zA-Z_][a-zA-Z0-9_]*)\s*(?:=|>=|<=|<>|!=|>|<|\bLIKE\b|\bIN\b)`)
	reWhere     = regexp.MustCompile(`(?is)\bWHERE\b(.*?)(?:\bGROUP\s+BY\b|\bORDER\s+BY\b|\bLIMIT\b|$)`)

	reUsingIndex = regexp.MustCompile(`(?i)USING (?:COVERING )?INDEX`)
	reScanTable  = regexp.MustCompile(`(?i)^SCAN\b`)
)

// SQL 关键字不应被当作谓词列
var sqlKeywords = map[string]struct{}{
	"and": {}, "or": {}, "not": {}, "in": {}, "like": {}, "is": {},
	"null": {}, "between": {}, "exists": {}, "case": {}, "when": {},
	"then": {}, "else": {}, "end": {}, "select": {}, "where": {},
}

// NormalizeQuery 字面量归一化：字符串与数字替换为占位符，IN 列表折叠，
// 空白折叠。相同形态的查询归一化后得到同一个模板。
func NormalizeQuery(query string) string {
	out := strings.TrimSpace(query)
	out = reString.ReplaceAllString(out, "?")
	out = reNumber.ReplaceAllString(out, "?")
	out = reInList.ReplaceAllString(out, "IN (?)")
	out = reWhitespace.ReplaceAllString(out, " ")
	return out
}

// queryTypeOf 判断查询类型
func queryTypeOf(query string) string {
	head := strings.ToLower(strings.TrimSpace(query))
	switch {
	case strings.HasPrefix(head, "select"), strings.HasPrefix(head, "with"):
		return "select"
	case strings.HasPrefix(head, "insert"):
		return "insert"
	case strings.HasPrefix(head, "update"):
		return "update"
	case strings.HasPrefix(head, "delete"):
		return "delete"
	default:
		return "other"
	}
}

// classifyPlan 从执行计划步骤分类索引使用：
// 只有 SCAN 为全表扫描，只有索引访问为 seek，两者皆有为 mixed。
func classifyPlan(steps []engine.PlanStep) string {
	if len(steps) == 0 {
		return models.IndexUsageNone
	}

	var scans, seeks int
	for _, step := range steps {
		detail := strings.TrimSpace(step.Detail)
		if reUsingIndex.MatchString(detail) || strings.HasPrefix(strings.ToUpper(detail), "SEARCH") {
			seeks++
			continue
		}
		if reScanTable.MatchString(detail) {
			scans++
		}
	}

	switch {
	case scans > 0 && seeks > 0:
		return models.IndexUsageMixed
	case scans > 0:
		return models.IndexUsageScan
	case seeks > 0:
		return models.IndexUsageSeek
	default:
		return models.IndexUsageNone
	}
}

// estimateCost 粗粒度成本估算，只用于相对排序
func estimateCost(query, indexUsage string) (float64, int64) {
	cost := 1.0
	var rows int64 = 100

	switch indexUsage {
	case models.IndexUsageScan:
		cost *= 100
		rows = 10000
	case models.IndexUsageMixed:
		cost *= 20
		rows = 2000
	case models.IndexUsageSeek:
		cost *= 2
		rows = 10
	}

	upper := strings.ToUpper(query)
	cost += float64(strings.Count(upper, " JOIN ")) * 50
	cost += float64(strings.Count(upper, "SELECT")-1) * 30
	return cost, rows
}

// complexityOf 复杂度评分：
// 全表扫描 ×2、JOIN ×3、多重 SELECT ×2、ORDER BY +1、GROUP BY +2、
// HAVING +1、窗口函数 +2，按总分分级。
func complexityOf(query, indexUsage string) string {
	upper := strings.ToUpper(query)
	score := 0

	if indexUsage == models.IndexUsageScan {
		score += 2
	}
	score += strings.Count(upper, " JOIN ") * 3
	if n := strings.Count(upper, "SELECT"); n > 1 {
		score += (n - 1) * 2
	}
	if strings.Contains(upper, "ORDER BY") {
		score++
	}
	if strings.Contains(upper, "GROUP BY") {
		score += 2
	}
	if strings.Contains(upper, "HAVING") {
		score++
	}
	if strings.Contains(upper, " OVER(") || strings.Contains(upper, " OVER (") {
		score += 2
	}

	// 分级边界 3/6/10，达到边界即进入下一档
	switch {
	case score >= 10:
		return models.ComplexityVeryHigh
	case score >= 6:
		return models.ComplexityHigh
	case score >= 3:
		return models.ComplexityMedium
	default:
		return models.ComplexityLow
	}
}

// buildSuggestions 生成优化建议，按优先级从高到低
func buildSuggestions(query, indexUsage string) []models.Suggestion {
	var suggestions []models.Suggestion
	upper := strings.ToUpper(query)

	if indexUsage == models.IndexUsageScan {
		suggestions = append(suggestions, models.Suggestion{
			Type:        "missing_index",
			Description: "查询未命中任何索引，考虑为谓词列建立索引",
			Priority:    1,
		})
	}
	if indexUsage == models.IndexUsageMixed {
		suggestions = append(suggestions, models.Suggestion{
			Type:        "inefficient_join",
			Description: "部分表走了全表扫描，检查连接列是否有索引",
			Priority:    2,
		})
	}
	if strings.Contains(upper, "SELECT *") {
		suggestions = append(suggestions, models.Suggestion{
			Type:        "wildcard_select",
			Description: "避免 SELECT *，只选取需要的列",
			Priority:    3,
		})
	}
	if strings.Contains(upper, "ORDER BY") && !strings.Contains(upper, "LIMIT") {
		suggestions = append(suggestions, models.Suggestion{
			Type:        "unbounded_order",
			Description: "ORDER BY 未配合 LIMIT，结果集过大时排序开销显著",
			Priority:    4,
		})
	}
	if strings.Count(upper, "SELECT") > 2 {
		suggestions = append(suggestions, models.Suggestion{
			Type:        "nested_subquery",
			Description: "多层子查询可能导致重复求值，考虑改写为 JOIN 或 CTE",
			Priority:    4,
		})
	}
	if strings.Contains(upper, "LIKE '%") || strings.Contains(upper, "LIKE \"%") {
		suggestions = append(suggestions, models.Suggestion{
			Type:        "unindexed_predicate",
			Description: "前缀通配的 LIKE 无法使用索引",
			Priority:    3,
		})
	}
	return suggestions
}

// extractTables 提取查询涉及的表名（FROM/JOIN/INTO/UPDATE 之后的标识符）
func extractTables(query string) []string {
	matches := reFromTable.FindAllStringSubmatch(query, -1)
	seen := make(map[string]struct{})
	var tables []string
	for _, match := range matches {
		name := strings.ToLower(match[1])
		if _, ok := sqlKeywords[name]; ok {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		tables = append(tables, name)
	}
	return tables
}

// extractPredicateColumns 提取 WHERE 子句中的谓词列（有序去重）
func extractPredicateColumns(query string) []string {
	whereMatch := reWhere.FindStringSubmatch(query)
	if whereMatch == nil {
		return nil
	}

	matches := rePredicate.FindAllStringSubmatch(whereMatch[1], -1)
	seen := make(map[string]struct{})
	var columns []string
	for _, match := range matches {
		name := strings.ToLower(match[1])
		if _, ok := sqlKeywords[name]; ok {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		columns = append(columns, name)
	}
	return columns
}

// buildCreateIndex 生成建索引语句
func buildCreateIndex(table string, columns []string) string {
	name := "idx_" + table + "_" + strings.Join(columns, "_")
	return "CREATE INDEX IF NOT EXISTS " + name + " ON " + table + " (" + strings.Join(columns, ", ") + ")"
}

// estimateIndexImpact 预估索引收益（百分比），基于成本估算的粗值
func estimateIndexImpact(analysis *models.QueryAnalysis) float64 {
	switch {
	case analysis.EstimatedCost >= 100:
		return 90
	case analysis.EstimatedCost >= 50:
		return 70
	case analysis.EstimatedCost >= 20:
		return 50
	default:
		return 30
	}
}

// recommendationPriority 建议优先级：成本越高优先级越高（数值越小）
func recommendationPriority(analysis *models.QueryAnalysis) int {
	switch {
	case analysis.EstimatedCost >= 100:
		return 1
	case analysis.EstimatedCost >= 50:
		return 2
	default:
		return 3
	}
}
