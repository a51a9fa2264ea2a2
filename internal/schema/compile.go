// Package schema compiles model declarations written in CUE.
//
// A declaration file looks like:
//
//	model: "shop"
//
//	type: Customer: {
//		table: "customers"
//		store: "main"
//		key: id: {kind: "int64", generated: true}
//		field: name: "string"
//	}
//
//	type: Order: {
//		key: id: {kind: "uuid", generated: true}
//		field: total: "int"
//		ref: customer: {target: "Customer", required: true}
//	}
//
// Key components keep their declaration order. A key component may name the
// reference it is derived from with from.
package schema

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/unitofwork/internal/model"
)

// Compile builds a model from a CUE value holding a model name and a type
// struct. name is used when the value declares none.
func Compile(v cue.Value, name string) (*model.Model, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	if nv := v.LookupPath(cue.ParsePath("model")); nv.Exists() {
		s, err := nv.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		name = s
	}
	typesVal := v.LookupPath(cue.ParsePath("type"))
	if !typesVal.Exists() {
		return nil, &CompileError{Field: "type", Message: "at least one type is required", Pos: v.Pos()}
	}
	iter, err := typesVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var types []*model.Type
	for iter.Next() {
		t, err := CompileType(iter.Value())
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	if len(types) == 0 {
		return nil, &CompileError{Field: "type", Message: "at least one type is required", Pos: typesVal.Pos()}
	}
	m, err := model.NewModel(name, types...)
	if err != nil {
		return nil, &CompileError{Field: "model", Message: err.Error(), Pos: typesVal.Pos()}
	}
	return m, nil
}

// CompileType parses one type declaration. The type name is the last label
// of the value's path.
func CompileType(v cue.Value) (*model.Type, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	t := &model.Type{}
	if sels := v.Path().Selectors(); len(sels) > 0 {
		t.Name = sels[len(sels)-1].String()
	}

	var err error
	if t.Table, err = optionalString(v, "table"); err != nil {
		return nil, err
	}
	if t.Store, err = optionalString(v, "store"); err != nil {
		return nil, err
	}
	if t.Keys, err = parseKeys(v); err != nil {
		return nil, err
	}
	if t.Fields, err = parseFields(v); err != nil {
		return nil, err
	}
	if t.Refs, err = parseRefs(v); err != nil {
		return nil, err
	}
	return t, nil
}

func parseKeys(v cue.Value) ([]model.KeyField, error) {
	keyVal := v.LookupPath(cue.ParsePath("key"))
	if !keyVal.Exists() {
		return nil, &CompileError{Field: "key", Message: "key is required", Pos: v.Pos()}
	}
	iter, err := keyVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var keys []model.KeyField
	for iter.Next() {
		kv := iter.Value()
		kf := model.KeyField{Name: iter.Label()}

		// Shorthand: id: "int64"
		if kind, err := kv.String(); err == nil {
			kf.Kind = model.KeyKind(kind)
		} else {
			kind, err := requiredString(kv, "kind")
			if err != nil {
				return nil, err
			}
			kf.Kind = model.KeyKind(kind)
			if kf.ServerGenerated, err = optionalBool(kv, "generated"); err != nil {
				return nil, err
			}
			if kf.From, err = optionalString(kv, "from"); err != nil {
				return nil, err
			}
		}
		if !model.ValidKeyKind(kf.Kind) {
			return nil, &CompileError{
				Field:   "key." + kf.Name,
				Message: fmt.Sprintf("unsupported key kind %q (want int32, int64, uuid or string)", kf.Kind),
				Pos:     kv.Pos(),
			}
		}
		keys = append(keys, kf)
	}
	if len(keys) == 0 {
		return nil, &CompileError{Field: "key", Message: "at least one key component is required", Pos: keyVal.Pos()}
	}
	return keys, nil
}

func parseFields(v cue.Value) ([]model.Field, error) {
	fieldVal := v.LookupPath(cue.ParsePath("field"))
	if !fieldVal.Exists() {
		return nil, nil
	}
	iter, err := fieldVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var fields []model.Field
	for iter.Next() {
		kind, err := fieldKind(iter.Value())
		if err != nil {
			return nil, err
		}
		fields = append(fields, model.Field{Name: iter.Label(), Kind: kind})
	}
	return fields, nil
}

// fieldKind accepts either a kind name ("string") or a CUE type (string).
func fieldKind(v cue.Value) (model.FieldKind, error) {
	if s, err := v.String(); err == nil {
		kind := model.FieldKind(s)
		if !model.ValidFieldKind(kind) {
			return "", &CompileError{
				Field:   "field",
				Message: fmt.Sprintf("unsupported field kind %q", s),
				Pos:     v.Pos(),
			}
		}
		return kind, nil
	}
	switch v.IncompleteKind() {
	case cue.StringKind:
		return model.FieldString, nil
	case cue.IntKind:
		return model.FieldInt, nil
	case cue.BoolKind:
		return model.FieldBool, nil
	case cue.FloatKind, cue.NumberKind:
		return model.FieldFloat, nil
	}
	return "", &CompileError{
		Field:   "field",
		Message: fmt.Sprintf("unsupported type kind: %v", v.IncompleteKind()),
		Pos:     v.Pos(),
	}
}

func parseRefs(v cue.Value) ([]model.Reference, error) {
	refVal := v.LookupPath(cue.ParsePath("ref"))
	if !refVal.Exists() {
		return nil, nil
	}
	iter, err := refVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var refs []model.Reference
	for iter.Next() {
		rv := iter.Value()
		r := model.Reference{Name: iter.Label()}

		// Shorthand: customer: "Customer"
		if target, err := rv.String(); err == nil {
			r.Target = target
			refs = append(refs, r)
			continue
		}
		if r.Target, err = requiredString(rv, "target"); err != nil {
			return nil, err
		}
		if r.Column, err = optionalString(rv, "column"); err != nil {
			return nil, err
		}
		if r.Required, err = optionalBool(rv, "required"); err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, nil
}

func requiredString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", &CompileError{Field: field, Message: field + " is required", Pos: v.Pos()}
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func optionalString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", nil
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func optionalBool(v cue.Value, field string) (bool, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return false, nil
	}
	b, err := fv.Bool()
	if err != nil {
		return false, formatCUEError(err)
	}
	return b, nil
}

// CompileError is a declaration error with its source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return err
}
