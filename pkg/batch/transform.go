package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/dataverse-client/pkg/request"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrMissingKey is returned when a row lacks one of the requested key columns.
var ErrMissingKey = errors.New("row is missing key column")

// Row is one table row keyed by column logical name.
type Row map[string]any

// KeyWarning flags a key value that could only be rendered as a best-effort
// literal. The server may reject or misinterpret such identifiers.
type KeyWarning struct {
	Row     int
	Column  string
	Value   any
	Literal string
	Reason  string
}

func (w KeyWarning) String() string {
	return fmt.Sprintf("row %d column %q rendered as %s: %s", w.Row, w.Column, w.Literal, w.Reason)
}

// Operation is a row-level operation that lowers to batch commands.
// The set of implementations is closed: Create, Delete, Upsert and UpdateColumn.
type Operation interface {
	Commands() ([]Command, error)
	operation()
}

// Create inserts every row into EntitySet.
type Create struct {
	EntitySet string
	Rows      []Row
}

func (Create) operation() {}

// Commands returns one POST per row.
func (op Create) Commands() ([]Command, error) {
	if op.EntitySet == "" {
		return nil, ErrEmptyEntitySet
	}

	commands := make([]Command, 0, len(op.Rows))
	for _, row := range op.Rows {
		cmd, err := NewCommand(request.MethodPost, op.EntitySet, row, nil)
		if err != nil {
			return nil, err
		}
		commands = append(commands, cmd)
	}
	return commands, nil
}

// Delete removes rows by primary id, or clears Column on those rows when set.
type Delete struct {
	EntitySet string
	IDs       []string
	Column    string
}

func (Delete) operation() {}

// Commands returns one DELETE per id.
func (op Delete) Commands() ([]Command, error) {
	if op.EntitySet == "" {
		return nil, ErrEmptyEntitySet
	}

	suffix := ""
	if op.Column != "" {
		suffix = "/" + op.Column
	}

	commands := make([]Command, 0, len(op.IDs))
	for _, id := range op.IDs {
		cmd, err := NewCommand(request.MethodDelete, fmt.Sprintf("%s(%s)%s", op.EntitySet, id, suffix), nil, nil)
		if err != nil {
			return nil, err
		}
		commands = append(commands, cmd)
	}
	return commands, nil
}

// Upsert patches rows identified by Keys. PrimaryID marks Keys as the single
// primary id column, rendered as a bare token instead of name=literal pairs.
type Upsert struct {
	EntitySet string
	Rows      []Row
	Keys      []string
	PrimaryID bool

	// OnWarning receives ambiguous key literals. When nil they are logged.
	OnWarning func(KeyWarning)
}

func (Upsert) operation() {}

// Commands returns one PATCH per row with the key columns removed from the body.
func (op Upsert) Commands() ([]Command, error) {
	return keyedCommands(request.MethodPatch, op.EntitySet, op.Rows, op.Keys, op.PrimaryID, op.OnWarning)
}

// UpdateColumn sets a single column per row, identified by Keys.
type UpdateColumn struct {
	EntitySet string
	Rows      []Row
	Keys      []string
	PrimaryID bool
	OnWarning func(KeyWarning)
}

func (UpdateColumn) operation() {}

// Commands returns one PUT per row. Each row must hold exactly one non-key column.
func (op UpdateColumn) Commands() ([]Command, error) {
	return keyedCommands(request.MethodPut, op.EntitySet, op.Rows, op.Keys, op.PrimaryID, op.OnWarning)
}

func keyedCommands(method request.Method, entitySet string, rows []Row, keys []string, primaryID bool, onWarning func(KeyWarning)) ([]Command, error) {
	if entitySet == "" {
		return nil, ErrEmptyEntitySet
	}
	if onWarning == nil {
		onWarning = logKeyWarning
	}

	commands := make([]Command, 0, len(rows))
	for i, row := range rows {
		id, body, warnings, err := RowIdentifier(row, keys, primaryID)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		for _, w := range warnings {
			w.Row = i
			onWarning(w)
		}

		cmd, err := NewCommand(method, fmt.Sprintf("%s(%s)", entitySet, id), body, nil)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		commands = append(commands, cmd)
	}
	return commands, nil
}

func logKeyWarning(w KeyWarning) {
	log.Warn().
		Int("row", w.Row).
		Str("column", w.Column).
		Str("literal", w.Literal).
		Str("reason", w.Reason).
		Msg("Ambiguous alternate key literal")
}

// RowIdentifier splits row into its identifier and the remaining body.
//
// With primaryID the identifier is the bare key value (e.g. `7`), otherwise it
// is a comma-separated list of column=literal pairs (e.g. `k='A',n=2`).
// The input row is not modified.
func RowIdentifier(row Row, keys []string, primaryID bool) (string, Row, []KeyWarning, error) {
	if len(keys) == 0 {
		return "", nil, nil, fmt.Errorf("%w: no key columns given", ErrMissingKey)
	}

	var warnings []KeyWarning
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		value, ok := row[key]
		if !ok {
			return "", nil, nil, fmt.Errorf("%w %q", ErrMissingKey, key)
		}

		if primaryID {
			token, reason := bareToken(value)
			if reason != "" {
				warnings = append(warnings, KeyWarning{Column: key, Value: value, Literal: token, Reason: reason})
			}
			parts = append(parts, token)
			continue
		}

		lit, reason := Literal(value)
		if reason != "" {
			warnings = append(warnings, KeyWarning{Column: key, Value: value, Literal: lit, Reason: reason})
		}
		parts = append(parts, key+"="+lit)
	}

	body := make(Row, len(row))
	for col, value := range row {
		body[col] = value
	}
	for _, key := range keys {
		delete(body, key)
	}

	return strings.Join(parts, ","), body, warnings, nil
}

// Literal renders v in OData literal syntax: strings are single-quoted with
// embedded quotes doubled, numbers and booleans are bare. A non-empty reason
// means the rendering is a best-effort guess for a type without a safe form.
func Literal(v any) (string, string) {
	switch v := v.(type) {
	case string:
		return quote(v), ""
	case bool:
		return strconv.FormatBool(v), ""
	case int:
		return strconv.FormatInt(int64(v), 10), ""
	case int8:
		return strconv.FormatInt(int64(v), 10), ""
	case int16:
		return strconv.FormatInt(int64(v), 10), ""
	case int32:
		return strconv.FormatInt(int64(v), 10), ""
	case int64:
		return strconv.FormatInt(v, 10), ""
	case uint:
		return strconv.FormatUint(uint64(v), 10), ""
	case uint8:
		return strconv.FormatUint(uint64(v), 10), ""
	case uint16:
		return strconv.FormatUint(uint64(v), 10), ""
	case uint32:
		return strconv.FormatUint(uint64(v), 10), ""
	case uint64:
		return strconv.FormatUint(v, 10), ""
	case float32:
		return formatFloat(float64(v), 32)
	case float64:
		return formatFloat(v, 64)
	case json.Number:
		return v.String(), ""
	case nil:
		return "null", "null key value"
	case time.Time:
		return v.Format(time.RFC3339Nano), "date/time key rendered as RFC 3339; textual form depends on column behavior"
	case fmt.Stringer:
		return quote(v.String()), fmt.Sprintf("%T rendered as quoted string", v)
	default:
		return quote(fmt.Sprint(v)), fmt.Sprintf("%T has no literal form; rendered as quoted string", v)
	}
}

func formatFloat(f float64, bits int) (string, string) {
	s := strconv.FormatFloat(f, 'f', -1, bits)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return s, "non-finite number"
	}
	return s, ""
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// bareToken renders v as an unquoted primary id. Like Literal, a non-empty
// reason flags a best-effort rendering.
func bareToken(v any) (string, string) {
	switch v := v.(type) {
	case string:
		return v, ""
	case uuid.UUID:
		return v.String(), ""
	case nil:
		return "null", "null primary id"
	case time.Time:
		return v.Format(time.RFC3339Nano), "date/time value used as primary id"
	case fmt.Stringer:
		return v.String(), fmt.Sprintf("%T rendered as primary id", v)
	}

	lit, reason := Literal(v)
	if reason != "" {
		return lit, reason
	}
	if strings.HasPrefix(lit, "'") {
		// Literal quoted a value that has no numeric or boolean form.
		return fmt.Sprint(v), fmt.Sprintf("%T has no primary id form", v)
	}
	return lit, ""
}
