package pqdriver

// FieldDescription describes one column of a result.
type FieldDescription struct {
	Name                 string
	TableOID             uint32
	TableAttributeNumber uint16
	DataTypeOID          uint32
	DataTypeSize         int16
	TypeModifier         int32
	Format               int16
}

// CommandTag is the completion tag the server sends when a statement finishes
// (e.g. "SELECT 2").
type CommandTag []byte

// RowsAffected returns the number of rows affected. If the CommandTag was not
// for a row affecting command (e.g. "CREATE TABLE") then it returns 0.
func (ct CommandTag) RowsAffected() int64 {
	// Find last non-digit
	idx := -1
	for i := len(ct) - 1; i >= 0; i-- {
		if ct[i] >= '0' && ct[i] <= '9' {
			idx = i
		} else {
			break
		}
	}

	if idx == -1 {
		return 0
	}

	var n int64
	for _, b := range ct[idx:] {
		n = n*10 + int64(b-'0')
	}

	return n
}

func (ct CommandTag) String() string {
	return string(ct)
}

// Result is the complete response to one statement. A simple-protocol query
// containing several statements yields one Result per statement.
//
// Row values are the raw bytes the server sent, in the format given by the
// corresponding field description. A nil value is a SQL NULL.
type Result struct {
	Fields     []FieldDescription
	Rows       [][][]byte
	CommandTag CommandTag

	// Err is set when the statement failed server-side. Fields and Rows
	// are empty in that case.
	Err *PgError
}

// Ok reports whether the statement succeeded.
func (r *Result) Ok() bool {
	return r.Err == nil
}

// ValueString returns row i, column j as a string, or "" for NULL. It is a
// convenience for text-format results.
func (r *Result) ValueString(i, j int) string {
	v := r.Rows[i][j]
	if v == nil {
		return ""
	}
	return string(v)
}

// FieldIndex returns the column index of the named field, or -1.
func (r *Result) FieldIndex(name string) int {
	for i := range r.Fields {
		if r.Fields[i].Name == name {
			return i
		}
	}
	return -1
}
