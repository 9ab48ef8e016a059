package batch

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/Sternrassler/dataverse-client/pkg/request"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowIdentifier_PrimaryID(t *testing.T) {
	row := Row{"id": 7, "v": "x"}

	id, body, warnings, err := RowIdentifier(row, []string{"id"}, true)
	require.NoError(t, err)

	assert.Equal(t, "7", id)
	assert.Equal(t, Row{"v": "x"}, body)
	assert.Empty(t, warnings)
	assert.Equal(t, Row{"id": 7, "v": "x"}, row, "input row must not be modified")
}

func TestRowIdentifier_AlternateKey(t *testing.T) {
	id, body, _, err := RowIdentifier(Row{"k": "A", "v": 1}, []string{"k"}, false)
	require.NoError(t, err)

	assert.Equal(t, "k='A'", id)
	assert.Equal(t, Row{"v": 1}, body)
}

func TestRowIdentifier_CompositeKey(t *testing.T) {
	row := Row{"abc": "abc", "b": 2, "c": 3, "d": "hello"}

	id, body, _, err := RowIdentifier(row, []string{"abc", "b"}, false)
	require.NoError(t, err)

	assert.Equal(t, "abc='abc',b=2", id)
	assert.Equal(t, Row{"c": 3, "d": "hello"}, body)
}

func TestRowIdentifier_MissingKey(t *testing.T) {
	_, _, _, err := RowIdentifier(Row{"a": 1}, []string{"b"}, false)
	assert.ErrorIs(t, err, ErrMissingKey)

	_, _, _, err = RowIdentifier(Row{"a": 1}, nil, false)
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestLiteral(t *testing.T) {
	stamp := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	guid := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

	tests := []struct {
		name     string
		value    any
		want     string
		wantWarn bool
	}{
		{"string", "A", "'A'", false},
		{"string with quote", "O'Brien", "'O''Brien'", false},
		{"int", 42, "42", false},
		{"int64", int64(-3), "-3", false},
		{"uint8", uint8(9), "9", false},
		{"float integral", float64(7), "7", false},
		{"float fraction", 1.25, "1.25", false},
		{"json number", json.Number("12.5"), "12.5", false},
		{"bool", true, "true", false},
		{"nil", nil, "null", true},
		{"time", stamp, "2024-03-01T12:30:00Z", true},
		{"stringer", guid, "'6ba7b810-9dad-11d1-80b4-00c04fd430c8'", true},
		{"nested map", map[string]any{"a": 1}, "'map[a:1]'", true},
		{"slice", []int{1, 2}, "'[1 2]'", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := Literal(tt.value)
			assert.Equal(t, tt.want, got)
			if tt.wantWarn {
				assert.NotEmpty(t, reason)
			} else {
				assert.Empty(t, reason)
			}
		})
	}
}

func TestUpsert_Commands(t *testing.T) {
	rows := []Row{
		{"k": "A", "v": 1},
		{"k": "æ b", "v": 2},
	}

	commands, err := Upsert{EntitySet: "things", Rows: rows, Keys: []string{"k"}}.Commands()
	require.NoError(t, err)
	require.Len(t, commands, 2)

	assert.Equal(t, request.MethodPatch, commands[0].Method())
	assert.Equal(t, "things(k='A')", commands[0].URL())
	assert.Equal(t, map[string]any{"v": 1}, commands[0].Data())
	assert.Equal(t, "things(k='%C3%A6%20b')", commands[1].URL())
}

func TestUpsert_PrimaryID(t *testing.T) {
	rows := []Row{{"thingid": "00000000-0000-0000-0000-000000000001", "v": 1}}

	commands, err := Upsert{EntitySet: "things", Rows: rows, Keys: []string{"thingid"}, PrimaryID: true}.Commands()
	require.NoError(t, err)
	assert.Equal(t, "things(00000000-0000-0000-0000-000000000001)", commands[0].URL())
}

func TestUpsert_WarningsReachCallback(t *testing.T) {
	var got []KeyWarning
	op := Upsert{
		EntitySet: "things",
		Rows: []Row{
			{"k": "ok", "v": 1},
			{"k": map[string]any{"nested": true}, "v": 2},
		},
		Keys:      []string{"k"},
		OnWarning: func(w KeyWarning) { got = append(got, w) },
	}

	commands, err := op.Commands()
	require.NoError(t, err)
	assert.Len(t, commands, 2, "ambiguous keys still produce a command")

	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Row)
	assert.Equal(t, "k", got[0].Column)
	assert.Contains(t, got[0].String(), "row 1")
}

func TestUpsert_MissingKeyFailsFast(t *testing.T) {
	_, err := Upsert{EntitySet: "things", Rows: []Row{{"v": 1}}, Keys: []string{"k"}}.Commands()
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestUpdateColumn_Commands(t *testing.T) {
	rows := []Row{{"k": "A", "col": 5}}

	commands, err := UpdateColumn{EntitySet: "things", Rows: rows, Keys: []string{"k"}}.Commands()
	require.NoError(t, err)
	require.Len(t, commands, 1)

	assert.Equal(t, request.MethodPut, commands[0].Method())
	assert.Equal(t, "things(k='A')/col", commands[0].URL())
	assert.Equal(t, map[string]any{"value": 5}, commands[0].Data())

	_, err = UpdateColumn{EntitySet: "things", Rows: []Row{{"k": "A", "a": 1, "b": 2}}, Keys: []string{"k"}}.Commands()
	assert.ErrorIs(t, err, ErrSingleColumn)
}

func TestCreate_Commands(t *testing.T) {
	commands, err := Create{EntitySet: "things", Rows: []Row{{"a": 1}, {"a": 2}}}.Commands()
	require.NoError(t, err)
	require.Len(t, commands, 2)

	for i, cmd := range commands {
		assert.Equal(t, request.MethodPost, cmd.Method())
		assert.Equal(t, "things", cmd.URL())
		assert.Equal(t, map[string]any{"a": i + 1}, cmd.Data())
	}
}

func TestDelete_Commands(t *testing.T) {
	commands, err := Delete{EntitySet: "things", IDs: []string{"1", "2"}}.Commands()
	require.NoError(t, err)
	assert.Equal(t, "things(1)", commands[0].URL())
	assert.Equal(t, "things(2)", commands[1].URL())
	assert.Equal(t, request.MethodDelete, commands[0].Method())
	assert.Nil(t, commands[0].Data())

	commands, err = Delete{EntitySet: "things", IDs: []string{"1"}, Column: "image"}.Commands()
	require.NoError(t, err)
	assert.Equal(t, "things(1)/image", commands[0].URL())
}

func TestOperations_RequireEntitySet(t *testing.T) {
	ops := []Operation{
		Create{Rows: []Row{{"a": 1}}},
		Delete{IDs: []string{"1"}},
		Upsert{Rows: []Row{{"k": 1}}, Keys: []string{"k"}},
		UpdateColumn{Rows: []Row{{"k": 1, "a": 2}}, Keys: []string{"k"}},
	}

	for _, op := range ops {
		_, err := op.Commands()
		assert.ErrorIs(t, err, ErrEmptyEntitySet, "%T", op)
	}
}

func TestUpsert_PrimaryIDWarnings(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	id := uuid.MustParse("00000000-0000-0000-0000-000000000009")

	tests := []struct {
		name     string
		value    any
		wantURL  string
		wantWarn bool
	}{
		{"string", "00000000-0000-0000-0000-000000000001", "accounts(00000000-0000-0000-0000-000000000001)", false},
		{"uuid", id, "accounts(00000000-0000-0000-0000-000000000009)", false},
		{"int", 42, "accounts(42)", false},
		{"json number", json.Number("17"), "accounts(17)", false},
		{"float", 1.5, "accounts(1.5)", false},
		{"nil", nil, "", true},
		{"time", at, "", true},
		{"map", map[string]any{"a": 1}, "", true},
		{"slice", []int{1, 2}, "", true},
		{"struct", struct{ A int }{1}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []KeyWarning
			op := Upsert{
				EntitySet: "accounts",
				Rows:      []Row{{"accountid": tt.value, "name": "x"}},
				Keys:      []string{"accountid"},
				PrimaryID: true,
				OnWarning: func(w KeyWarning) { got = append(got, w) },
			}

			commands, err := op.Commands()
			require.NoError(t, err)
			require.Len(t, commands, 1)

			if !tt.wantWarn {
				assert.Equal(t, tt.wantURL, commands[0].URL())
				assert.Empty(t, got)
				return
			}
			require.Len(t, got, 1, "ambiguous primary id must be reported")
			assert.Equal(t, "accountid", got[0].Column)
			assert.NotEmpty(t, got[0].Reason)
		})
	}
}

func TestUpsert_PrimaryIDNonFinite(t *testing.T) {
	_, _, warnings, err := RowIdentifier(Row{"id": math.Inf(1)}, []string{"id"}, true)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Equal(t, "non-finite number", warnings[0].Reason)
}
