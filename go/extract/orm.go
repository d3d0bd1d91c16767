package extract

import (
	"regexp"
	"strings"

	"github.com/mattepiu/drift/go/scan"
)

// ORM recognizers match normalized call chains against known framework
// shapes. Each contributes the weighted confidence factors of its match;
// new frameworks plug in by appending to the registry.

type recognizer struct {
	name  string
	langs map[scan.Language]bool // nil admits every language.
	match func(c []chainSeg) (DataAccess, confidenceFactors, bool)
}

var recognizers = []recognizer{
	{name: "prisma", langs: jsLangs, match: matchPrisma},
	{name: "knex", langs: jsLangs, match: matchKnex},
	{name: "sequelize", langs: jsLangs, match: matchSequelize},
	{name: "sqlalchemy", langs: map[scan.Language]bool{scan.LangPython: true}, match: matchSQLAlchemy},
	{name: "database/sql", langs: map[scan.Language]bool{scan.LangGo: true}, match: matchGoSQL},
	{name: "generic-db", langs: nil, match: matchGenericDB},
}

var jsLangs = map[scan.Language]bool{scan.LangJavaScript: true, scan.LangTypeScript: true}

// recognizeAccess applies the registry in order; the first match wins.
func recognizeAccess(c []chainSeg, lang scan.Language) (DataAccess, bool) {
	for _, r := range recognizers {
		if r.langs != nil && !r.langs[lang] {
			continue
		}
		if access, factors, ok := r.match(c); ok {
			access.ORM = r.name
			access.Confidence = factors.score()
			return access, true
		}
	}
	return DataAccess{}, false
}

var prismaOps = map[string]Operation{
	"findMany": OpRead, "findFirst": OpRead, "findUnique": OpRead,
	"count": OpRead, "aggregate": OpRead, "groupBy": OpRead,
	"create": OpWrite, "createMany": OpWrite,
	"update": OpUpdate, "updateMany": OpUpdate,
	"upsert": OpUpsert,
	"delete": OpDelete, "deleteMany": OpDelete,
}

// matchPrisma recognizes prisma.<model>.<op>(...).
func matchPrisma(c []chainSeg) (DataAccess, confidenceFactors, bool) {
	if len(c) != 3 || c[0].Name != "prisma" {
		return DataAccess{}, confidenceFactors{}, false
	}
	var op, ok = prismaOps[c[2].Name]
	if !ok {
		return DataAccess{}, confidenceFactors{}, false
	}
	return DataAccess{Table: c[1].Name, Operation: op, Method: c[2].Name},
		confidenceFactors{tablePresent: true, operationClear: true, frameworkMatch: true},
		true
}

var knexOps = map[string]Operation{
	"select": OpRead, "first": OpRead, "pluck": OpRead, "count": OpRead,
	"insert": OpWrite,
	"update": OpUpdate,
	"upsert": OpUpsert,
	"del": OpDelete, "delete": OpDelete, "truncate": OpDelete,
}

// matchKnex recognizes knex('table')...<op>(...), the table name being a
// string literal on the root segment.
func matchKnex(c []chainSeg) (DataAccess, confidenceFactors, bool) {
	if len(c) < 2 || (c[0].Name != "knex" && c[0].Name != "db") || !c[0].Call || len(c[0].StrArgs) == 0 {
		return DataAccess{}, confidenceFactors{}, false
	}
	for _, seg := range c[1:] {
		if op, ok := knexOps[seg.Name]; ok {
			return DataAccess{Table: c[0].StrArgs[0], Operation: op, Method: seg.Name, Fields: seg.StrArgs},
				confidenceFactors{
					tablePresent:   true,
					fieldsPresent:  len(seg.StrArgs) > 0,
					operationClear: true,
					frameworkMatch: true,
					literalDerived: true,
				}, true
		}
	}
	return DataAccess{}, confidenceFactors{}, false
}

var sequelizeOps = map[string]Operation{
	"findAll": OpRead, "findOne": OpRead, "findByPk": OpRead, "findAndCountAll": OpRead,
	"create": OpWrite, "bulkCreate": OpWrite,
	"update": OpUpdate,
	"upsert": OpUpsert,
	"destroy": OpDelete,
}

// matchSequelize recognizes Model.<op>(...) on a capitalized model.
func matchSequelize(c []chainSeg) (DataAccess, confidenceFactors, bool) {
	if len(c) != 2 || c[0].Name == "" || c[0].Name[0] < 'A' || c[0].Name[0] > 'Z' {
		return DataAccess{}, confidenceFactors{}, false
	}
	var op, ok = sequelizeOps[c[1].Name]
	if !ok {
		return DataAccess{}, confidenceFactors{}, false
	}
	return DataAccess{Table: strings.ToLower(c[0].Name), Operation: op, Method: c[1].Name},
		confidenceFactors{tablePresent: true, operationClear: true, frameworkMatch: true},
		true
}

// matchSQLAlchemy recognizes session.query(Model)... and session.execute(sql).
func matchSQLAlchemy(c []chainSeg) (DataAccess, confidenceFactors, bool) {
	if len(c) < 2 || (c[0].Name != "session" && c[0].Name != "db") {
		return DataAccess{}, confidenceFactors{}, false
	}
	for _, seg := range c[1:] {
		if seg.Name == "query" && len(seg.IdentArgs) > 0 {
			return DataAccess{Table: strings.ToLower(seg.IdentArgs[0]), Operation: OpRead, Method: "query"},
				confidenceFactors{tablePresent: true, operationClear: true, frameworkMatch: true},
				true
		}
		if seg.Name == "execute" && len(seg.StrArgs) > 0 {
			if access, factors, ok := accessFromSQL(seg.StrArgs[0]); ok {
				factors.frameworkMatch = true
				access.Method = "execute"
				return access, factors, true
			}
		}
	}
	return DataAccess{}, confidenceFactors{}, false
}

var goSQLMethods = map[string]bool{
	"Query": true, "QueryRow": true, "QueryContext": true, "QueryRowContext": true,
	"Exec": true, "ExecContext": true,
}

// matchGoSQL recognizes db.Query("SELECT ...") shapes, deriving the table
// from the SQL literal.
func matchGoSQL(c []chainSeg) (DataAccess, confidenceFactors, bool) {
	var last = c[len(c)-1]
	if !goSQLMethods[last.Name] || len(last.StrArgs) == 0 {
		return DataAccess{}, confidenceFactors{}, false
	}
	var access, factors, ok = accessFromSQL(last.StrArgs[0])
	if !ok {
		return DataAccess{}, confidenceFactors{}, false
	}
	factors.frameworkMatch = true
	access.Method = last.Name
	return access, factors, true
}

var genericOps = map[string]Operation{
	"select": OpRead, "find": OpRead, "get": OpRead, "findOne": OpRead,
	"insert": OpWrite, "add": OpWrite, "put": OpWrite,
	"update": OpUpdate,
	"upsert": OpUpsert,
	"delete": OpDelete, "remove": OpDelete,
}

var dbRoots = map[string]bool{"db": true, "database": true, "store": true, "conn": true}

// matchGenericDB recognizes db.<table>.<op>(...): a method sequence on an
// identifier bound to a known ORM root.
func matchGenericDB(c []chainSeg) (DataAccess, confidenceFactors, bool) {
	if len(c) != 3 || !dbRoots[c[0].Name] {
		return DataAccess{}, confidenceFactors{}, false
	}
	var op, ok = genericOps[c[2].Name]
	if !ok {
		return DataAccess{}, confidenceFactors{}, false
	}
	return DataAccess{Table: c[1].Name, Operation: op, Method: c[2].Name, Fields: c[2].StrArgs},
		confidenceFactors{
			tablePresent:   true,
			fieldsPresent:  len(c[2].StrArgs) > 0,
			operationClear: true,
			frameworkMatch: true,
		}, true
}

var (
	sqlFromRe   = regexp.MustCompile(`(?i)\bFROM\s+["'\x60]?(\w+)`)
	sqlIntoRe   = regexp.MustCompile(`(?i)\bINSERT\s+INTO\s+["'\x60]?(\w+)`)
	sqlUpdateRe = regexp.MustCompile(`(?i)\bUPDATE\s+["'\x60]?(\w+)`)
	sqlDeleteRe = regexp.MustCompile(`(?i)\bDELETE\s+FROM\s+["'\x60]?(\w+)`)
	sqlFieldsRe = regexp.MustCompile(`(?i)\bSELECT\s+(.+?)\s+FROM\b`)
)

// accessFromSQL is the string fallback: derive table, operation, and fields
// from a SQL literal.
func accessFromSQL(sql string) (DataAccess, confidenceFactors, bool) {
	var access DataAccess
	switch {
	case sqlIntoRe.MatchString(sql):
		access = DataAccess{Table: sqlIntoRe.FindStringSubmatch(sql)[1], Operation: OpWrite}
	case sqlUpdateRe.MatchString(sql):
		access = DataAccess{Table: sqlUpdateRe.FindStringSubmatch(sql)[1], Operation: OpUpdate}
	case sqlDeleteRe.MatchString(sql):
		access = DataAccess{Table: sqlDeleteRe.FindStringSubmatch(sql)[1], Operation: OpDelete}
	case sqlFromRe.MatchString(sql):
		access = DataAccess{Table: sqlFromRe.FindStringSubmatch(sql)[1], Operation: OpRead}
	default:
		return DataAccess{}, confidenceFactors{}, false
	}

	access.Method = string(access.Operation)
	if m := sqlFieldsRe.FindStringSubmatch(sql); m != nil && m[1] != "*" {
		for _, f := range strings.Split(m[1], ",") {
			access.Fields = append(access.Fields, strings.TrimSpace(f))
		}
	}
	return access, confidenceFactors{
		tablePresent:   true,
		fieldsPresent:  len(access.Fields) > 0,
		operationClear: true,
		literalDerived: true,
	}, true
}
