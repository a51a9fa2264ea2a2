package schema

import (
	"os"
	"path/filepath"
	"testing"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/unitofwork/internal/model"
)

const shopCUE = `
package models

model: "shop"

type: Customer: {
	table: "customers"
	store: "main"
	key: id: {kind: "int64", generated: true}
	field: {
		name: "string"
		vip:  bool
	}
}

type: Order: {
	store: "main"
	key: id: {kind: "uuid", generated: true}
	field: total: int
	ref: customer: {target: "Customer", required: true}
	ref: referrer: "Customer"
}

type: Line: {
	store: "main"
	key: {
		order_id: {kind: "uuid", from: "order"}
		line_no:  "int32"
	}
	field: qty: "int"
	ref: order: {target: "Order", required: true, column: "order_id"}
}
`

func TestCompileType(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(shopCUE)
	require.NoError(t, v.Err())

	ty, err := CompileType(v.LookupPath(cue.ParsePath("type.Customer")))
	require.NoError(t, err)
	assert.Equal(t, &model.Type{
		Name:   "Customer",
		Table:  "customers",
		Store:  "main",
		Keys:   []model.KeyField{{Name: "id", Kind: model.KindInt64, ServerGenerated: true}},
		Fields: []model.Field{{Name: "name", Kind: model.FieldString}, {Name: "vip", Kind: model.FieldBool}},
	}, ty)
}

func TestCompile(t *testing.T) {
	m, err := LoadString("shop.cue", shopCUE)
	require.NoError(t, err)
	assert.Equal(t, "shop", m.Name())
	assert.Equal(t, []string{"main"}, m.Stores())

	order, ok := m.Type("Order")
	require.True(t, ok)
	assert.Equal(t, []model.Reference{
		{Name: "customer", Target: "Customer", Required: true},
		{Name: "referrer", Target: "Customer"},
	}, order.Refs)
	assert.Equal(t, model.KindUUID, order.ScalarKeyKind())

	line, ok := m.Type("Line")
	require.True(t, ok)
	assert.Equal(t, []model.KeyField{
		{Name: "order_id", Kind: model.KindUUID, From: "order"},
		{Name: "line_no", Kind: model.KindInt32},
	}, line.Keys, "key components keep declaration order")
	assert.True(t, line.IsComposite())
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		code string
		want string
	}{
		{
			name: "no types",
			src:  `model: "empty"`,
			code: ErrCodeInvalidModel,
			want: "at least one type",
		},
		{
			name: "missing key",
			src:  `type: A: field: name: "string"`,
			code: ErrCodeInvalidKey,
			want: "key is required",
		},
		{
			name: "bad key kind",
			src:  `type: A: key: id: "float"`,
			code: ErrCodeInvalidKey,
			want: "unsupported key kind",
		},
		{
			name: "bad field kind",
			src:  `type: A: {key: id: "int64", field: at: "timestamp"}`,
			code: ErrCodeInvalidField,
			want: "timestamp",
		},
		{
			name: "reference without target",
			src:  `type: A: {key: id: "int64", ref: b: {required: true}}`,
			code: ErrCodeInvalidRef,
			want: "target is required",
		},
		{
			name: "unknown target",
			src:  `type: A: {key: id: "int64", ref: b: "B"}`,
			code: ErrCodeInvalidModel,
			want: "unknown type",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadString("bad.cue", tt.src)
			require.Error(t, err)
			var le *LoadError
			require.ErrorAs(t, err, &le)
			assert.Equal(t, tt.code, le.Code)
			assert.Contains(t, le.Message, tt.want)
		})
	}
}

func TestCompile_CUESyntaxError(t *testing.T) {
	_, err := LoadString("broken.cue", `type: A: {`)
	require.Error(t, err)
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ErrCodeBuildFailed, le.Code)
	assert.Contains(t, err.Error(), "broken.cue")
}

func TestLoad(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "shop")
	require.NoError(t, os.Mkdir(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shop.cue"), []byte(shopCUE), 0o644))

	m, err := Load(dir)
	require.NoError(t, err)
	assert.Len(t, m.Types(), 3)
}

func TestLoad_NameDefaultsToDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "billing")
	require.NoError(t, os.Mkdir(dir, 0o755))
	src := "package models\n\ntype: Invoice: key: id: \"int64\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "invoice.cue"), []byte(src), 0o644))

	m, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "billing", m.Name())
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing"))
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ErrCodeNotFound, le.Code)

	empty := t.TempDir()
	_, err = Load(empty)
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ErrCodeNoFiles, le.Code)

	file := filepath.Join(t.TempDir(), "file.cue")
	require.NoError(t, os.WriteFile(file, []byte(shopCUE), 0o644))
	_, err = Load(file)
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ErrCodeNotFound, le.Code)
}

func TestAnalyzeCycles(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		paths [][]string
		level []string
	}{
		{
			name: "acyclic",
			src:  shopCUE,
		},
		{
			name: "two types",
			src: `
				type: X: {key: id: {kind: "int64", generated: true}, ref: y: {target: "Y", required: true}}
				type: Y: {key: id: {kind: "int64", generated: true}, ref: x: {target: "X", required: true}}
			`,
			paths: [][]string{{"X", "Y", "X"}},
			level: []string{"warning"},
		},
		{
			name: "optional references break cycles",
			src: `
				type: X: {key: id: "int64", ref: y: {target: "Y", required: true}}
				type: Y: {key: id: "int64", ref: x: "X"}
			`,
		},
		{
			name:  "self reference",
			src:   `type: Node: {key: id: "int64", ref: parent: {target: "Node", required: true}}`,
			paths: [][]string{{"Node", "Node"}},
			level: []string{"warning"},
		},
		{
			name: "derived key cycle cannot be deferred",
			src: `
				type: P: {key: id: {kind: "int64", from: "c"}, ref: c: "C"}
				type: C: {key: id: "int64", ref: p: {target: "P", required: true}}
			`,
			paths: [][]string{{"P", "C", "P"}},
			level: []string{"error"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := LoadString("cycle.cue", tt.src)
			require.NoError(t, err)
			warnings := AnalyzeCycles(m)
			require.Len(t, warnings, len(tt.paths))
			for i, w := range warnings {
				assert.Equal(t, tt.paths[i], w.Path)
				assert.Equal(t, tt.level[i], w.Level)
				assert.NotEmpty(t, w.Message)
			}
		})
	}
}
