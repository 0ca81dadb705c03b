package fleet

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/warp/fleet-ledger/generic"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Amounts validate as numbers: gt=0, gte=0.
	v.RegisterCustomTypeFunc(func(f reflect.Value) any {
		if d, ok := f.Interface().(decimal.Decimal); ok {
			return d.InexactFloat64()
		}
		return nil
	}, decimal.Decimal{})

	// A reference is present only when both kind and id are set.
	v.RegisterCustomTypeFunc(func(f reflect.Value) any {
		if r, ok := f.Interface().(generic.Ref); ok {
			if r.Kind == "" || r.ID == generic.NilID {
				return ""
			}
			return r.LockKey()
		}
		return nil
	}, generic.Ref{})

	return v
}

// validateInput runs struct tags and maps the first failure onto the error
// taxonomy.
func validateInput(in any) error {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return generic.Wrap(generic.ErrInvalidValue, err)
	}
	fe := verrs[0]
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}
	switch fe.Tag() {
	case "required", "min":
		return generic.Errorf(generic.ErrMissingField, "%s is required", field)
	case "gt", "gte":
		if fe.Tag() == "gt" {
			return generic.Errorf(generic.ErrInvalidAmount, "%s must be greater than %s", field, fe.Param())
		}
		return generic.Errorf(generic.ErrInvalidAmount, "%s must not be negative", field)
	case "oneof":
		return generic.Errorf(generic.ErrInvalidValue, "%s must be one of [%s], got %v", field, fe.Param(), fe.Value())
	default:
		return generic.Errorf(generic.ErrInvalidValue, "%s failed %s validation", field, fe.Tag())
	}
}
