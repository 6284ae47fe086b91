package sink

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind is the minimal set of database-agnostic column types the engine moves
// between the warehouse and the sink. Nullability is modeled separately.
type Kind string

// Kind constants used by ColumnTypeMapper.
const (
	STRING    Kind = "string"
	INTEGER   Kind = "integer"
	NUMBER    Kind = "number"
	BOOLEAN   Kind = "boolean"
	TIMESTAMP Kind = "timestamp"
	DATE      Kind = "date"
	JSON      Kind = "json"
)

// Column describes one column of a sink table.
type Column struct {
	// Name of the column.
	Name string
	// Comment is optional text used only on CREATE TABLE statements.
	Comment string
	// PrimaryKey is true if this column is the primary key, or part of a
	// composite key. Upserts conflict on the set of PrimaryKey columns.
	PrimaryKey bool
	// Type of the values the column holds.
	Type Kind
	// MaxLength, when non-zero, constrains string columns (VARCHAR(n) on
	// dialects that support it).
	MaxLength uint32
	// NotNull is true if the column should disallow null values.
	NotNull bool
	// Default is an optional raw SQL default expression ('{}', 0, 'running').
	Default string
	// DefaultNow defaults the column to the dialect's current-timestamp
	// expression. It wins over Default when both are set.
	DefaultNow bool
}

// Table describes a sink table, from which all statements are generated.
type Table struct {
	// Schema holding the table. Empty means the connection default
	// (or "main" on SQLite, which has no schemas).
	Schema string
	// Name of the table within Schema.
	Name string
	// Optional Comment added to create table statements.
	Comment string
	// Columns in insert order. Every generated statement names columns
	// explicitly, so automatic columns need not appear here.
	Columns []Column
	// IfNotExists adds IF NOT EXISTS to the create table statement.
	IfNotExists bool
}

// Row is one record's values, positionally aligned with Table.Columns.
type Row = []interface{}

// Identifier is the (possibly schema-qualified) dotted table name, unquoted.
func (t *Table) Identifier() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

func (t *Table) GetColumn(name string) *Column {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// ColumnNames returns the names of all columns, in insert order.
func (t *Table) ColumnNames() []string {
	var names = make([]string, len(t.Columns))
	for i, col := range t.Columns {
		names[i] = col.Name
	}
	return names
}

// KeyColumns returns the names of the primary-key columns.
func (t *Table) KeyColumns() []string {
	var names []string
	for _, col := range t.Columns {
		if col.PrimaryKey {
			names = append(names, col.Name)
		}
	}
	return names
}

// ValueColumns returns the names of the non-key columns.
func (t *Table) ValueColumns() []string {
	var names []string
	for _, col := range t.Columns {
		if !col.PrimaryKey {
			names = append(names, col.Name)
		}
	}
	return names
}

// KeyIndexes returns the positions of primary-key columns within Columns.
func (t *Table) KeyIndexes() []int {
	var idxs []int
	for i, col := range t.Columns {
		if col.PrimaryKey {
			idxs = append(idxs, i)
		}
	}
	return idxs
}

// ParametersConverter adapts one row of Go values into driver-ready
// parameters, one converter per column.
type ParametersConverter []func(interface{}) (interface{}, error)

func (c ParametersConverter) Convert(values ...interface{}) ([]interface{}, error) {
	var results = make([]interface{}, len(values))
	for i, elem := range values {
		var v, err = (c[i])(elem)
		if err != nil {
			return nil, fmt.Errorf("failed to convert value at index %d: %w", i, err)
		}
		results[i] = v
	}
	return results, nil
}

// NewParametersConverter builds a converter for the named columns of a table.
func NewParametersConverter(mapper TypeMapper, table *Table, columns []string) (ParametersConverter, error) {
	var converters = make([]func(interface{}) (interface{}, error), len(columns))
	for i, name := range columns {
		var column = table.GetColumn(name)
		if column == nil {
			return nil, fmt.Errorf("table %q has no such column %q", table.Identifier(), name)
		}
		var ty, err = mapper.GetColumnType(column)
		if err != nil {
			return nil, err
		}
		converters[i] = ty.ValueConverter
	}
	return ParametersConverter(converters), nil
}

// TokenPair is a generic way of representing strings that can be used to
// surround some text for quoting and commenting.
type TokenPair struct {
	Left  string
	Right string
}

func (pair *TokenPair) writeWrapped(builder *strings.Builder, text string) {
	builder.WriteString(pair.Left)
	builder.WriteString(text)
	builder.WriteString(pair.Right)
}

// DoubleQuotes returns a TokenPair with a double quote character on both sides.
func DoubleQuotes() TokenPair {
	return TokenPair{
		Left:  "\"",
		Right: "\"",
	}
}

// Identity is an identity function for no-op conversions of values that are
// already suitable for use as sql parameters.
func Identity(elem interface{}) (interface{}, error) {
	return elem, nil
}

// ToUTCTimestamp normalizes timestamp parameters to UTC time.Time values.
// Strings are accepted in RFC 3339 form, with or without a zone offset;
// naive values are interpreted as already being UTC.
func ToUTCTimestamp(elem interface{}) (interface{}, error) {
	switch v := elem.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return v.UTC(), nil
	case *time.Time:
		if v == nil {
			return nil, nil
		}
		return v.UTC(), nil
	case string:
		var ts, err = ParseTimestamp(v)
		if err != nil {
			return nil, err
		}
		return ts, nil
	default:
		return nil, fmt.Errorf("cannot use %T as a timestamp parameter", elem)
	}
}

// ToDate normalizes date parameters to UTC-midnight time.Time values.
func ToDate(elem interface{}) (interface{}, error) {
	switch v := elem.(type) {
	case nil:
		return nil, nil
	case time.Time:
		var y, m, d = v.UTC().Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	case string:
		var ts, err = time.Parse("2006-01-02", strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("cannot use %q as a date parameter: %w", v, err)
		}
		return ts, nil
	default:
		return nil, fmt.Errorf("cannot use %T as a date parameter", elem)
	}
}

// ToJSONText marshals document parameters into their JSON text form.
// Strings and byte slices are passed through as already-encoded documents.
func ToJSONText(elem interface{}) (interface{}, error) {
	switch v := elem.(type) {
	case nil:
		return nil, nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		var b, err = json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding json parameter: %w", err)
		}
		return string(b), nil
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses an ISO-8601-ish timestamp string. Values carrying an
// explicit offset are converted to UTC; values without one are taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as a timestamp", s)
}

type ResolvedColumnType struct {
	SQLType        string
	ValueConverter func(interface{}) (interface{}, error)
}

// A TypeMapper resolves a Column to a specific base SQL type. For example,
// for all "string" type Columns it may return the "TEXT" sql type. Mappers
// compose through a decorator pattern.
type TypeMapper interface {
	GetColumnType(column *Column) (*ResolvedColumnType, error)
}

type ConstColumnType ResolvedColumnType

func RawConstColumnType(sql string) ConstColumnType {
	return ConstColumnType{
		SQLType:        sql,
		ValueConverter: Identity,
	}
}

// GetColumnType implements the TypeMapper interface.
func (c ConstColumnType) GetColumnType(col *Column) (*ResolvedColumnType, error) {
	var res = ResolvedColumnType(c)
	return &res, nil
}

// TypeLengthPlaceholder is the placeholder string that may appear in the SQL
// type, which will be replaced by the MaxLength of the column.
const TypeLengthPlaceholder = "?"

// LengthConstrainedColumnType is a TypeMapper that must always have a length
// argument, e.g. "VARCHAR(42)".
type LengthConstrainedColumnType ResolvedColumnType

// GetColumnType implements the TypeMapper interface.
func (c LengthConstrainedColumnType) GetColumnType(col *Column) (*ResolvedColumnType, error) {
	var resolved = strings.Replace(c.SQLType, TypeLengthPlaceholder, fmt.Sprint(col.MaxLength), 1)
	return &ResolvedColumnType{
		SQLType:        resolved,
		ValueConverter: c.ValueConverter,
	}, nil
}

// MaxLengthableColumnType is a TypeMapper for column types that may take an
// optional length argument (e.g. "VARCHAR(76)").
type MaxLengthableColumnType struct {
	WithoutLength *ConstColumnType
	WithLength    *LengthConstrainedColumnType
}

// GetColumnType implements the TypeMapper interface.
func (c MaxLengthableColumnType) GetColumnType(col *Column) (*ResolvedColumnType, error) {
	if c.WithLength != nil && col.MaxLength > 0 {
		return c.WithLength.GetColumnType(col)
	} else if c.WithoutLength != nil {
		return c.WithoutLength.GetColumnType(col)
	}
	return nil, fmt.Errorf("column type requires a length argument, but column %q has none", col.Name)
}

// NullableTypeMapping wraps a TypeMapper to add "NOT NULL" (and/or "NULL") to
// the generated SQL type depending on the nullability of the column.
type NullableTypeMapping struct {
	NotNullText  string
	NullableText string
	Inner        TypeMapper
}

// GetColumnType implements the TypeMapper interface.
func (mapper NullableTypeMapping) GetColumnType(col *Column) (*ResolvedColumnType, error) {
	var ty, err = mapper.Inner.GetColumnType(col)
	if err != nil {
		return nil, err
	}
	if col.NotNull && len(mapper.NotNullText) > 0 {
		ty.SQLType = fmt.Sprintf("%s %s", ty.SQLType, mapper.NotNullText)
	} else if !col.NotNull && len(mapper.NullableText) > 0 {
		ty.SQLType = fmt.Sprintf("%s %s", ty.SQLType, mapper.NullableText)
	}
	return ty, nil
}

// ColumnTypeMapper selects a TypeMapper based on the column Kind.
type ColumnTypeMapper map[Kind]TypeMapper

// GetColumnType implements the TypeMapper interface.
func (amap ColumnTypeMapper) GetColumnType(col *Column) (*ResolvedColumnType, error) {
	var mapper = amap[col.Type]
	if mapper == nil {
		return nil, fmt.Errorf("unsupported column type %s", col.Type)
	}
	return mapper.GetColumnType(col)
}

// CommentConfig determines how SQL comments are rendered.
type CommentConfig struct {
	// Linewise wraps each line of comment text separately when true, or the
	// whole block once when false.
	Linewise bool
	// Wrap holds the strings bounding the beginning and end of the comment.
	Wrap TokenPair
}

// LineComment returns a CommentConfig for standard sql line comments that
// begin each line with a double dash ("-- ").
func LineComment() CommentConfig {
	return CommentConfig{
		Linewise: true,
		Wrap: TokenPair{
			Left:  "-- ",
			Right: "",
		},
	}
}

// A Generator builds all the SQL the sink requires, parameterized over the
// differences between the postgres and sqlite dialects.
type Generator struct {
	CommentConf      CommentConfig
	IdentifierQuotes TokenPair
	Placeholder      func(int) string
	QuoteString      func(string) string
	TypeMappings     TypeMapper
	// NowExpr is the dialect's current-timestamp expression.
	NowExpr string
	// TruncateFormat is a Sprintf format producing the statement that empties
	// a table and resets its identity sequences, given the quoted table name.
	TruncateFormat string
	// InsertFlagExpr, when non-empty, is appended as a RETURNING expression on
	// upserts and evaluates true for rows that were freshly inserted rather
	// than updated in place. Dialects without one report updates as inserts.
	InsertFlagExpr string
	// SchemasSupported is false on dialects without CREATE SCHEMA.
	SchemasSupported bool
}

// PostgresParameterPlaceholder returns $N style parameters where N is the
// parameter number starting at 1.
func PostgresParameterPlaceholder(parameterIndex int) string {
	// parameterIndex starts at 0, but postgres parameters start at $1
	return fmt.Sprintf("$%d", parameterIndex+1)
}

// QuestionMarkPlaceholder returns the constant string "?".
func QuestionMarkPlaceholder(_ int) string {
	return "?"
}

// QuoteStringValue surrounds the given string with single quotes and escapes
// any single quote characters within it by doubling them.
func QuoteStringValue(value string) string {
	var builder strings.Builder
	builder.WriteRune('\'')
	var val = value
	for {
		var idx = strings.IndexByte(val, byte('\''))
		if idx == -1 {
			builder.WriteString(val)
			break
		} else {
			builder.WriteString(val[0:idx])
			builder.WriteString("''")
			val = val[idx+1:] // safe because we know there's a single quote char there
		}
	}
	builder.WriteRune('\'')
	return builder.String()
}

// PostgresGenerator returns a Generator for the postgresql dialect.
func PostgresGenerator() *Generator {
	var typeMappings TypeMapper = NullableTypeMapping{
		NotNullText: "NOT NULL",
		Inner: ColumnTypeMapper{
			INTEGER: RawConstColumnType("BIGINT"),
			NUMBER:  RawConstColumnType("DOUBLE PRECISION"),
			BOOLEAN: RawConstColumnType("BOOLEAN"),
			TIMESTAMP: ConstColumnType{
				SQLType:        "TIMESTAMPTZ",
				ValueConverter: ToUTCTimestamp,
			},
			DATE: ConstColumnType{
				SQLType:        "DATE",
				ValueConverter: ToDate,
			},
			JSON: ConstColumnType{
				SQLType:        "JSONB",
				ValueConverter: ToJSONText,
			},
			STRING: MaxLengthableColumnType{
				WithoutLength: &ConstColumnType{
					SQLType:        "TEXT",
					ValueConverter: Identity,
				},
				WithLength: &LengthConstrainedColumnType{
					SQLType:        "VARCHAR(?)",
					ValueConverter: Identity,
				},
			},
		},
	}

	return &Generator{
		CommentConf:      LineComment(),
		IdentifierQuotes: DoubleQuotes(),
		Placeholder:      PostgresParameterPlaceholder,
		QuoteString:      QuoteStringValue,
		TypeMappings:     typeMappings,
		NowExpr:          "now()",
		TruncateFormat:   "TRUNCATE TABLE %s RESTART IDENTITY;",
		InsertFlagExpr:   "(xmax = 0)",
		SchemasSupported: true,
	}
}

// SQLiteGenerator returns a Generator for the sqlite dialect, which backs the
// sink and watermark tests.
func SQLiteGenerator() *Generator {
	var typeMappings TypeMapper = NullableTypeMapping{
		NotNullText: "NOT NULL",
		Inner: ColumnTypeMapper{
			INTEGER: RawConstColumnType("INTEGER"),
			NUMBER:  RawConstColumnType("REAL"),
			BOOLEAN: RawConstColumnType("BOOLEAN"),
			TIMESTAMP: ConstColumnType{
				SQLType:        "TIMESTAMP",
				ValueConverter: ToUTCTimestamp,
			},
			DATE: ConstColumnType{
				SQLType:        "DATE",
				ValueConverter: ToDate,
			},
			JSON: ConstColumnType{
				SQLType:        "TEXT",
				ValueConverter: ToJSONText,
			},
			STRING: MaxLengthableColumnType{
				WithoutLength: &ConstColumnType{
					SQLType:        "TEXT",
					ValueConverter: Identity,
				},
				WithLength: &LengthConstrainedColumnType{
					SQLType:        "TEXT",
					ValueConverter: Identity,
				},
			},
		},
	}

	return &Generator{
		CommentConf:      LineComment(),
		IdentifierQuotes: DoubleQuotes(),
		Placeholder:      QuestionMarkPlaceholder,
		QuoteString:      QuoteStringValue,
		TypeMappings:     typeMappings,
		NowExpr:          "CURRENT_TIMESTAMP",
		TruncateFormat:   "DELETE FROM %s;",
		InsertFlagExpr:   "",
		SchemasSupported: false,
	}
}

// Comment returns the given text rendered as a SQL comment, ending with a
// newline.
func (gen *Generator) Comment(text string) string {
	var builder strings.Builder
	gen.writeComment(&builder, text, "")
	return builder.String()
}

// CreateSchema generates a CREATE SCHEMA IF NOT EXISTS statement. Dialects
// without schema support (see SchemasSupported) return an error.
func (gen *Generator) CreateSchema(name string) (string, error) {
	if !gen.SchemasSupported {
		return "", fmt.Errorf("dialect does not support schemas")
	}
	var builder strings.Builder
	builder.WriteString("CREATE SCHEMA IF NOT EXISTS ")
	gen.writeIdent(&builder, name)
	builder.WriteString(";\n")
	return builder.String(), nil
}

// CreateTable generates a CREATE TABLE statement for the given table. The
// returned statement contains no parameter placeholders.
func (gen *Generator) CreateTable(table *Table) (string, error) {
	var builder strings.Builder

	if len(table.Comment) > 0 {
		gen.writeComment(&builder, table.Comment, "")
	}

	builder.WriteString("CREATE TABLE ")
	if table.IfNotExists {
		builder.WriteString("IF NOT EXISTS ")
	}
	gen.writeQualified(&builder, table)
	builder.WriteString(" (\n\t")

	for i, column := range table.Columns {
		if i > 0 {
			builder.WriteString(",\n\t")
		}
		if len(column.Comment) > 0 {
			gen.writeComment(&builder, column.Comment, "\t")
			// The comment always ends with a newline, but we need to add the
			// indentation for the next line.
			builder.WriteRune('\t')
		}
		gen.writeIdent(&builder, column.Name)
		builder.WriteRune(' ')

		var resolved, err = gen.TypeMappings.GetColumnType(&column)
		if err != nil {
			return "", err
		}
		builder.WriteString(resolved.SQLType)

		if column.DefaultNow {
			builder.WriteString(" DEFAULT ")
			builder.WriteString(gen.NowExpr)
		} else if len(column.Default) > 0 {
			builder.WriteString(" DEFAULT ")
			builder.WriteString(column.Default)
		}
	}

	var keys = table.KeyColumns()
	if len(keys) > 0 {
		builder.WriteString(",\n\n\tPRIMARY KEY(")
		for i, key := range keys {
			if i > 0 {
				builder.WriteString(", ")
			}
			gen.writeIdent(&builder, key)
		}
		builder.WriteString(")")
	}
	builder.WriteString("\n);\n")
	return builder.String(), nil
}

// CreateIndex generates a CREATE INDEX IF NOT EXISTS statement over the given
// columns. Descending applies to every named column.
func (gen *Generator) CreateIndex(table *Table, name string, columns []string, descending bool) (string, error) {
	for _, col := range columns {
		if table.GetColumn(col) == nil {
			return "", fmt.Errorf("table %q has no such column %q", table.Identifier(), col)
		}
	}
	var builder strings.Builder
	builder.WriteString("CREATE INDEX IF NOT EXISTS ")
	gen.writeIdent(&builder, name)
	builder.WriteString(" ON ")
	gen.writeQualified(&builder, table)
	builder.WriteString(" (")
	for i, col := range columns {
		if i > 0 {
			builder.WriteString(", ")
		}
		gen.writeIdent(&builder, col)
		if descending {
			builder.WriteString(" DESC")
		}
	}
	builder.WriteString(");\n")
	return builder.String(), nil
}

// Upsert generates a single multi-row insert with an ON CONFLICT clause that
// updates every non-key column in place, along with a ParametersConverter for
// one row's values. The statement carries rowCount placeholder groups; a
// batch is always one statement, never a round trip per row.
func (gen *Generator) Upsert(table *Table, rowCount int) (string, ParametersConverter, error) {
	if rowCount < 1 {
		return "", nil, fmt.Errorf("upsert requires at least one row")
	}
	var keys = table.KeyColumns()
	if len(keys) == 0 {
		return "", nil, fmt.Errorf("table %q has no primary key to conflict on", table.Identifier())
	}

	var builder strings.Builder
	builder.WriteString("INSERT INTO ")
	gen.writeQualified(&builder, table)
	builder.WriteString(" (")
	for i, col := range table.Columns {
		if i > 0 {
			builder.WriteString(", ")
		}
		gen.writeIdent(&builder, col.Name)
	}
	builder.WriteString(") VALUES ")

	var parameterIndex = 0
	for row := 0; row < rowCount; row++ {
		if row > 0 {
			builder.WriteString(", ")
		}
		builder.WriteString("(")
		for i := range table.Columns {
			if i > 0 {
				builder.WriteString(", ")
			}
			builder.WriteString(gen.Placeholder(parameterIndex))
			parameterIndex++
		}
		builder.WriteString(")")
	}

	builder.WriteString(" ON CONFLICT (")
	for i, key := range keys {
		if i > 0 {
			builder.WriteString(", ")
		}
		gen.writeIdent(&builder, key)
	}
	builder.WriteString(")")

	var values = table.ValueColumns()
	if len(values) == 0 {
		builder.WriteString(" DO NOTHING")
	} else {
		builder.WriteString(" DO UPDATE SET ")
		for i, col := range values {
			if i > 0 {
				builder.WriteString(", ")
			}
			gen.writeIdent(&builder, col)
			builder.WriteString(" = EXCLUDED.")
			gen.writeIdent(&builder, col)
		}
	}

	if len(gen.InsertFlagExpr) > 0 {
		builder.WriteString(" RETURNING ")
		builder.WriteString(gen.InsertFlagExpr)
	}
	builder.WriteString(";")

	var converter, err = NewParametersConverter(gen.TypeMappings, table, table.ColumnNames())
	if err != nil {
		return "", nil, err
	}
	return builder.String(), converter, nil
}

// Truncate generates the statement that empties the table and resets its
// identity sequences.
func (gen *Generator) Truncate(table *Table) string {
	var builder strings.Builder
	gen.writeQualified(&builder, table)
	return fmt.Sprintf(gen.TruncateFormat, builder.String())
}

// QualifiedIdentifier renders the quoted, schema-qualified table name for use
// in hand-written statements.
func (gen *Generator) QualifiedIdentifier(table *Table) string {
	var builder strings.Builder
	gen.writeQualified(&builder, table)
	return builder.String()
}

// QuoteIdentifier renders one quoted identifier.
func (gen *Generator) QuoteIdentifier(ident string) string {
	var builder strings.Builder
	gen.writeIdent(&builder, ident)
	return builder.String()
}

func (gen *Generator) writeIdent(builder *strings.Builder, ident string) {
	gen.IdentifierQuotes.writeWrapped(builder, ident)
}

func (gen *Generator) writeQualified(builder *strings.Builder, table *Table) {
	if table.Schema != "" && gen.SchemasSupported {
		gen.writeIdent(builder, table.Schema)
		builder.WriteRune('.')
	}
	gen.writeIdent(builder, table.Name)
}

func (gen *Generator) writeComment(builder *strings.Builder, text string, indent string) {
	var comment = gen.CommentConf
	var scanner = bufio.NewScanner(strings.NewReader(text))

	if comment.Linewise {
		var first = true
		for scanner.Scan() {
			if !first {
				builder.WriteRune('\n')
				builder.WriteString(indent)
			}
			first = false
			comment.Wrap.writeWrapped(builder, scanner.Text())
		}
	} else {
		builder.WriteString(gen.CommentConf.Wrap.Left)
		var first = true
		for scanner.Scan() {
			if !first {
				builder.WriteRune('\n')
				builder.WriteString(indent)
			}
			first = false
			builder.WriteString(scanner.Text())
		}
		builder.WriteString(gen.CommentConf.Wrap.Right)
	}
	// Comments always end with a newline
	builder.WriteRune('\n')
}
