package actions

import (
	"log/slog"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/validation"
)

// BuiltinDeps holds the engines shared by the builtin actions. Validator
// backs assert.schema; BuiltinLoader defaults it to the registry's input
// validator.
type BuiltinDeps struct {
	JQ        *expressions.GoJQEngine
	Expr      *expressions.ExprEngine
	CEL       *expressions.CELEngine
	Validator *validation.JSONSchemaValidator
	HTTP      HTTPConfig
	Logger    *slog.Logger
}

// Builtins returns all builtin actions. Missing engines are created.
func Builtins(deps BuiltinDeps) ([]EngineAction, error) {
	if deps.JQ == nil {
		deps.JQ = expressions.NewGoJQEngine()
	}
	if deps.Expr == nil {
		deps.Expr = expressions.NewExprEngine()
	}
	if deps.CEL == nil {
		cel, err := expressions.NewCELEngine()
		if err != nil {
			return nil, err
		}
		deps.CEL = cel
	}
	if deps.Validator == nil {
		v, err := validation.NewJSONSchemaValidator()
		if err != nil {
			return nil, err
		}
		deps.Validator = v
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	all := make([]EngineAction, 0, 32)
	all = append(all, FlowActions(deps)...)
	all = append(all, ExpressionActions(deps)...)
	all = append(all, CollectionActions(deps)...)
	all = append(all, AssertActions(deps.Validator)...)
	all = append(all, CryptoActions()...)
	all = append(all, HTTPActions(deps.HTTP)...)
	return all, nil
}

// BuiltinLoader is a registry Loader adding every builtin action.
func BuiltinLoader(deps BuiltinDeps) Loader {
	return func(r *Registry) error {
		if deps.Validator == nil {
			v, err := r.inputValidator()
			if err != nil {
				return err
			}
			deps.Validator = v
		}
		all, err := Builtins(deps)
		if err != nil {
			return err
		}
		for _, a := range all {
			if err := r.Add(a); err != nil {
				return err
			}
		}
		return nil
	}
}
