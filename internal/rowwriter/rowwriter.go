// Package rowwriter bulk inserts rows with multi-row INSERT statements sized to
// fit the engine's maximum packet.
package rowwriter

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"sitevault/internal/database"
	"sitevault/internal/errors"
	"sitevault/internal/logging"
	"sitevault/internal/schema"
)

// PacketLimit discovers the engine's maximum statement size once
type PacketLimit struct {
	db     database.Executor
	family database.Family

	once  sync.Once
	value int64
	err   error
}

// NewPacketLimit creates a lazily evaluated limit
func NewPacketLimit(db database.Executor, family database.Family) *PacketLimit {
	return &PacketLimit{db: db, family: family}
}

// FixedPacketLimit returns a limit that never queries the database. 0 disables chunking.
func FixedPacketLimit(value int64) *PacketLimit {
	p := &PacketLimit{value: value}
	p.once.Do(func() {})
	return p
}

// Get returns the limit in bytes, or 0 when the engine has none
func (p *PacketLimit) Get(ctx context.Context) (int64, error) {
	p.once.Do(func() {
		if p.family != database.FamilyMySQL {
			return
		}
		var value sql.NullInt64
		if err := p.db.QueryRowContext(ctx, "SELECT @@max_allowed_packet").Scan(&value); err != nil {
			p.err = errors.WrapError(err, "failed to read max_allowed_packet")
			return
		}
		p.value = value.Int64
	})
	return p.value, p.err
}

// Writer inserts rows into one engine
type Writer struct {
	db     database.Executor
	gen    *schema.Generator
	limit  *PacketLimit
	logger *logging.Logger
}

// NewWriter creates a row writer
func NewWriter(db database.Executor, gen *schema.Generator, limit *PacketLimit, logger *logging.Logger) *Writer {
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	return &Writer{db: db, gen: gen, limit: limit, logger: logger}
}

// Batch partitions one table's rows into statement-sized chunks
type Batch struct {
	family    database.Family
	table     string
	fields    []string
	rows      [][]interface{}
	sizes     []int
	maxPacket int64
	prefixLen int
}

// NewBatch prepares rows of table for insertion. maxPacket of 0 means unlimited.
func (w *Writer) NewBatch(table string, fields []string, rows [][]interface{}, maxPacket int64) *Batch {
	b := &Batch{
		family:    w.gen.Family(),
		table:     w.gen.TableName(table),
		fields:    fields,
		rows:      rows,
		maxPacket: maxPacket,
	}
	b.prefixLen = len(b.prefix())
	b.sizes = CalculateRowPacketSizes(rows, maxPacket > 0)
	return b
}

func (b *Batch) prefix() string {
	quoted := make([]string, len(b.fields))
	for i, f := range b.fields {
		quoted[i] = database.QuoteIdent(b.family, f)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES ", b.table, strings.Join(quoted, ", "))
}

// PrepareInsertSQL builds a parameterised INSERT for exactly rowcount rows
func (b *Batch) PrepareInsertSQL(rowcount int) string {
	var sb strings.Builder
	sb.WriteString(b.prefix())

	n := 1
	for r := 0; r < rowcount; r++ {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for c := range b.fields {
			if c > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(database.Placeholder(b.family, n))
			n++
		}
		sb.WriteString(")")
	}
	return sb.String()
}

// CalculateRowPacketSizes estimates the serialised byte size of every row. Without
// a limit the estimates are not needed and all sizes are zero.
func CalculateRowPacketSizes(rows [][]interface{}, limited bool) []int {
	sizes := make([]int, len(rows))
	if !limited {
		return sizes
	}
	for i, row := range rows {
		size := 2 + len(row) // parentheses and separators
		for _, v := range row {
			size += valueSize(v)
		}
		sizes[i] = size
	}
	return sizes
}

// valueSize counts bytes, not characters, so multi-byte text is not undercounted
func valueSize(v interface{}) int {
	switch x := v.(type) {
	case nil:
		return 4
	case string:
		return len(x) + 2
	case []byte:
		return len(x) + 2
	case int64:
		return len(strconv.FormatInt(x, 10))
	case int:
		return len(strconv.Itoa(x))
	case float64:
		return len(strconv.FormatFloat(x, 'g', -1, 64))
	case bool:
		return 1
	case time.Time:
		return 21
	default:
		return len(fmt.Sprint(x)) + 2
	}
}

// PrepareNextChunk returns the exclusive end row of the chunk starting at start.
// Escaping can at most double a value, so each row costs twice its estimate
// against the packet budget. A chunk always holds at least one row.
func (b *Batch) PrepareNextChunk(start int) int {
	total := len(b.rows)
	if start >= total {
		return total
	}

	maxRows := total - start
	if perRow := len(b.fields); perRow > 0 {
		if capRows := database.MaxPlaceholders(b.family) / perRow; capRows < maxRows {
			maxRows = capRows
		}
	}
	if maxRows < 1 {
		maxRows = 1
	}

	if b.maxPacket <= 0 {
		return start + maxRows
	}

	budget := b.maxPacket - int64(b.prefixLen)
	var used int64
	end := start
	for end < start+maxRows {
		cost := 2 * int64(b.sizes[end])
		if end > start && used+cost > budget {
			break
		}
		used += cost
		end++
	}
	return end
}

// Args flattens the rows [start, end) into statement arguments
func (b *Batch) Args(start, end int) []interface{} {
	args := make([]interface{}, 0, (end-start)*len(b.fields))
	for _, row := range b.rows[start:end] {
		args = append(args, row...)
	}
	return args
}

// Insert writes all rows, one statement per chunk, and returns the number inserted.
// There is no transaction spanning the chunks.
func (w *Writer) Insert(ctx context.Context, table string, fields []string, rows [][]interface{}) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	maxPacket, err := w.limit.Get(ctx)
	if err != nil {
		return 0, err
	}

	b := w.NewBatch(table, fields, rows, maxPacket)
	inserted := 0
	for start := 0; start < len(rows); {
		end := b.PrepareNextChunk(start)
		query := b.PrepareInsertSQL(end - start)

		startTime := time.Now()
		_, execErr := w.db.ExecContext(ctx, query, b.Args(start, end)...)
		w.logger.LogSQLExecution(query, time.Since(startTime), int64(end-start), execErr)
		if execErr != nil {
			return inserted, errors.NewErrorClassifier().ClassifyError(execErr).
				WithContext("table", table).
				WithContext("rows", fmt.Sprintf("%d-%d", start, end))
		}

		inserted += end - start
		start = end
	}
	return inserted, nil
}
