// Package migrations versions the PostgreSQL and ClickHouse schemas.
//
// Files are named NNN_description.sql and applied once each in version
// order. Applied versions are recorded in a schema_migrations table, so a
// file edited after release is not re-run: add a new version instead.
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

//go:embed postgres/*.sql
var postgresFS embed.FS

//go:embed clickhouse/*.sql
var clickhouseFS embed.FS

// ErrSchemaIncomplete is returned when a table the stores need is missing.
var ErrSchemaIncomplete = errors.New("schema incomplete")

// Migration is one versioned schema change.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

var fileName = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.sql$`)

// Load reads the migrations in dir of fsys, ordered by version.
func Load(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations %s: %w", dir, err)
	}

	var out []Migration
	seen := make(map[int]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		m := fileName.FindStringSubmatch(entry.Name())
		if m == nil {
			return nil, fmt.Errorf("migration %s: name must be NNN_description.sql", entry.Name())
		}
		version, err := strconv.Atoi(m[1])
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("migration %s: invalid version", entry.Name())
		}
		if other, ok := seen[version]; ok {
			return nil, fmt.Errorf("migration %s: version %d already used by %s", entry.Name(), version, other)
		}
		seen[version] = entry.Name()

		data, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		out = append(out, Migration{Version: version, Name: m[2], SQL: string(data)})
	}

	slices.SortFunc(out, func(a, b Migration) int { return a.Version - b.Version })
	return out, nil
}

// pending returns the migrations whose version is not in applied.
func pending(all []Migration, applied map[int]bool) []Migration {
	var out []Migration
	for _, m := range all {
		if !applied[m.Version] {
			out = append(out, m)
		}
	}
	return out
}

// statements splits sql on semicolons outside quoted strings, dropping
// comments and empty statements.
func statements(sql string) ([]string, error) {
	var (
		out   []string
		cur   strings.Builder
		quote byte
	)
	flush := func() {
		if stmt := strings.TrimSpace(cur.String()); stmt != "" {
			out = append(out, stmt)
		}
		cur.Reset()
	}

	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case quote != 0:
			cur.WriteByte(c)
			if c == quote {
				if i+1 < len(sql) && sql[i+1] == quote {
					// Doubled quote is an escaped quote.
					cur.WriteByte(sql[i+1])
					i++
				} else {
					quote = 0
				}
			}
		case c == '\'' || c == '"' || c == '`':
			quote = c
			cur.WriteByte(c)
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			for i < len(sql) && sql[i] != '\n' {
				i++
			}
			cur.WriteByte('\n')
		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				return nil, errors.New("unterminated block comment")
			}
			i += end + 3
			cur.WriteByte(' ')
		case c == ';':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated %c quote", quote)
	}
	flush()
	return out, nil
}

// missing returns the names in required that exists reports absent.
func missing(required []string, exists func(table string) (bool, error)) error {
	var absent []string
	for _, table := range required {
		ok, err := exists(table)
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if !ok {
			absent = append(absent, table)
		}
	}
	if len(absent) > 0 {
		return fmt.Errorf("%w: missing %s", ErrSchemaIncomplete, strings.Join(absent, ", "))
	}
	return nil
}
