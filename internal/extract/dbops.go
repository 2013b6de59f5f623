package extract

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/lm-assist/backend/internal/session"
)

// DBOpType classifies a database command.
type DBOpType string

const (
	DBQuery   DBOpType = "query"
	DBMigrate DBOpType = "migrate"
	DBSeed    DBOpType = "seed"
	DBCreate  DBOpType = "create"
	DBDrop    DBOpType = "drop"
	DBConnect DBOpType = "connect"
	DBBackup  DBOpType = "backup"
)

// DBOp is one derived database operation.
type DBOp struct {
	Tool       string   `json:"tool"`
	Type       DBOpType `json:"type"`
	SQL        string   `json:"sql,omitempty"`
	Tables     []string `json:"tables,omitempty"`
	Columns    []string `json:"columns,omitempty"`
	Command    string   `json:"command"`
	RemoteHost string   `json:"remoteHost,omitempty"`
	TurnIndex  int      `json:"turnIndex"`
	LineIndex  int      `json:"lineIndex"`
}

var (
	// Longest names first so mysql never swallows mysqldump.
	dbToolRe = regexp.MustCompile(`^(?:sudo\s+)?(pg_dump|mysqldump|psql|mysql|sqlite3|sqlite|mongosh|mongo|redis-cli|prisma)\b`)

	sqlArgRes = []*regexp.Regexp{
		regexp.MustCompile(`(?:-c|-e|--command|--execute|--eval)[= ]\s*"((?:[^"\\]|\\.)*)"`),
		regexp.MustCompile(`(?:-c|-e|--command|--execute|--eval)[= ]\s*'([^']*)'`),
	}
	quotedSQLRe = regexp.MustCompile(`["']\s*((?i:select|insert|update|delete|create|alter|drop|pragma|vacuum|explain)\b[^"']*)["']`)

	forcedMigrateRe = regexp.MustCompile(`(?i)\b(?:create|alter|drop)\s+table\b`)
	migrateWordRe   = regexp.MustCompile(`(?i)\bmigrat(?:e|ion|ions)\b`)
	seedWordRe      = regexp.MustCompile(`(?i)\bseed\b`)
	createSQLRe     = regexp.MustCompile(`(?i)^\s*create\b`)
	dropSQLRe       = regexp.MustCompile(`(?i)^\s*drop\b`)

	tableRes = []*regexp.Regexp{
		regexp.MustCompile("(?i)\\bfrom\\s+[\"`]?([\\w.]+)"),
		regexp.MustCompile("(?i)\\binto\\s+[\"`]?([\\w.]+)"),
		regexp.MustCompile("(?i)\\bupdate\\s+[\"`]?([\\w.]+)"),
		regexp.MustCompile("(?i)\\b(?:create|alter|drop)\\s+table\\s+(?:if\\s+(?:not\\s+)?exists\\s+)?[\"`]?([\\w.]+)"),
		regexp.MustCompile(`(?i)table_name\s*=\s*'(\w+)'`),
	}

	selectColsRe = regexp.MustCompile(`(?i)\bselect\s+(.+?)\s+from\b`)
	insertColsRe = regexp.MustCompile(`(?i)\binsert\s+into\s+[\w."` + "`" + `]+\s*\(([^)]+)\)`)
	updateSetRe  = regexp.MustCompile(`(?i)\bset\s+(.+?)(?:\s+where\b|$)`)
	columnNameRe = regexp.MustCompile(`(?i)column_name\s*=\s*'(\w+)'`)
)

// DBOps derives database operations from a tool-use stream. Pure: no I/O,
// no cache access.
func DBOps(tools []session.ToolUse) []DBOp {
	var ops []DBOp
	for i := range tools {
		tu := &tools[i]
		if tu.Name != "Bash" {
			continue
		}
		cmd := gjson.GetBytes(tu.Input, "command").String()
		if cmd == "" {
			continue
		}
		inner, remote := peelWrapper(cmd)
		for _, segment := range splitSegments(inner) {
			if op, ok := dbOpFrom(segment, remote, tu); ok {
				ops = append(ops, op)
			}
		}
	}
	return ops
}

func dbOpFrom(segment, remote string, tu *session.ToolUse) (DBOp, bool) {
	m := dbToolRe.FindStringSubmatch(segment)
	if m == nil {
		return DBOp{}, false
	}
	tool := m[1]
	op := DBOp{
		Tool:       tool,
		Command:    segment,
		RemoteHost: remote,
		TurnIndex:  tu.TurnIndex,
		LineIndex:  tu.LineIndex,
	}

	switch tool {
	case "pg_dump", "mysqldump":
		op.Type = DBBackup
		return op, true
	case "prisma":
		switch {
		case migrateWordRe.MatchString(segment):
			op.Type = DBMigrate
		case seedWordRe.MatchString(segment):
			op.Type = DBSeed
		default:
			op.Type = DBQuery
		}
		return op, true
	}

	op.SQL = cleanSQL(extractSQL(segment))
	if op.SQL != "" {
		op.Tables = extractTables(op.SQL)
		op.Columns = extractColumns(op.SQL)
	}

	switch {
	case op.SQL != "" && forcedMigrateRe.MatchString(op.SQL):
		op.Type = DBMigrate
	case seedWordRe.MatchString(segment):
		op.Type = DBSeed
	case migrateWordRe.MatchString(segment):
		op.Type = DBMigrate
	case op.SQL == "":
		op.Type = DBConnect
	case createSQLRe.MatchString(op.SQL):
		op.Type = DBCreate
	case dropSQLRe.MatchString(op.SQL):
		op.Type = DBDrop
	default:
		op.Type = DBQuery
	}
	return op, true
}

func extractSQL(segment string) string {
	for _, re := range sqlArgRes {
		if m := re.FindStringSubmatch(segment); m != nil {
			return strings.ReplaceAll(m[1], `\"`, `"`)
		}
	}
	if m := quotedSQLRe.FindStringSubmatch(segment); m != nil {
		return m[1]
	}
	return ""
}

// cleanSQL collapses whitespace and drops the trailing semicolon so the
// table and column regexes see one normalized line.
func cleanSQL(sql string) string {
	sql = strings.Join(strings.Fields(sql), " ")
	return strings.TrimSuffix(sql, ";")
}

func extractTables(sql string) []string {
	var tables []string
	seen := map[string]bool{}
	for _, re := range tableRes {
		for _, m := range re.FindAllStringSubmatch(sql, -1) {
			name := strings.Trim(m[1], "\"`")
			// information_schema lookups name the real table in the
			// where clause, not in FROM.
			if name == "" || strings.HasPrefix(name, "information_schema") {
				continue
			}
			if !seen[name] {
				seen[name] = true
				tables = append(tables, name)
			}
		}
	}
	return tables
}

func extractColumns(sql string) []string {
	var cols []string
	seen := map[string]bool{}
	add := func(raw string) {
		c := strings.Trim(strings.TrimSpace(raw), "\"`")
		if i := strings.LastIndex(c, "."); i >= 0 {
			c = c[i+1:]
		}
		if c == "" || c == "*" || strings.ContainsAny(c, "()'") {
			return
		}
		if !seen[c] {
			seen[c] = true
			cols = append(cols, c)
		}
	}
	if m := selectColsRe.FindStringSubmatch(sql); m != nil {
		for _, part := range strings.Split(m[1], ",") {
			add(part)
		}
	}
	if m := insertColsRe.FindStringSubmatch(sql); m != nil {
		for _, part := range strings.Split(m[1], ",") {
			add(part)
		}
	}
	if m := updateSetRe.FindStringSubmatch(sql); m != nil {
		for _, assign := range strings.Split(m[1], ",") {
			if i := strings.Index(assign, "="); i > 0 {
				add(assign[:i])
			}
		}
	}
	for _, m := range columnNameRe.FindAllStringSubmatch(sql, -1) {
		add(m[1])
	}
	return cols
}
