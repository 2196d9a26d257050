package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"google.golang.org/grpc/codes"

	"github.com/rl1809/wholesale-allocation/internal/core/domain"
)

const (
	CodeValidation        = "validation_error"
	CodeInsufficientStock = "insufficient_stock"
	CodeInvalidTransition = "invalid_transition"
	CodeNotFound          = "not_found"
	CodeDuplicateRequest  = "duplicate_request"
	CodeInternal          = "internal_error"
)

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// requestError is malformed transport input, reported like a domain
// validation failure.
type requestError struct {
	message string
	details any
}

func (e *requestError) Error() string { return e.message }

func (e *requestError) Is(target error) bool { return target == domain.ErrValidation }

// errorMapping is the transport view of one error.
type errorMapping struct {
	httpStatus int
	grpcCode   codes.Code
	body       APIError
	internal   bool
}

func mapError(err error) errorMapping {
	var (
		reqErr     *requestError
		validation *domain.ValidationError
		stock      *domain.InsufficientStockError
		transition *domain.InvalidTransitionError
	)

	switch {
	case errors.As(err, &reqErr):
		return errorMapping{
			httpStatus: http.StatusBadRequest,
			grpcCode:   codes.InvalidArgument,
			body:       APIError{Code: CodeValidation, Message: reqErr.message, Details: reqErr.details},
		}
	case errors.As(err, &validation):
		var details any
		if validation.Field != "" {
			details = map[string]string{validation.Field: validation.Reason}
		}
		return errorMapping{
			httpStatus: http.StatusBadRequest,
			grpcCode:   codes.InvalidArgument,
			body:       APIError{Code: CodeValidation, Message: validation.Error(), Details: details},
		}
	case errors.As(err, &stock):
		return errorMapping{
			httpStatus: http.StatusConflict,
			grpcCode:   codes.FailedPrecondition,
			body: APIError{
				Code:    CodeInsufficientStock,
				Message: stock.Error(),
				Details: map[string]any{
					"product_id": stock.ProductID,
					"requested":  stock.Requested,
					"available":  stock.Available,
				},
			},
		}
	case errors.As(err, &transition):
		return errorMapping{
			httpStatus: http.StatusUnprocessableEntity,
			grpcCode:   codes.FailedPrecondition,
			body: APIError{
				Code:    CodeInvalidTransition,
				Message: transition.Error(),
				Details: map[string]string{"from": transition.From.String(), "to": transition.To.String()},
			},
		}
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrProductNotFound):
		return errorMapping{
			httpStatus: http.StatusNotFound,
			grpcCode:   codes.NotFound,
			body:       APIError{Code: CodeNotFound, Message: err.Error()},
		}
	case errors.Is(err, domain.ErrDuplicateRequest):
		return errorMapping{
			httpStatus: http.StatusConflict,
			grpcCode:   codes.AlreadyExists,
			body:       APIError{Code: CodeDuplicateRequest, Message: "request is already being processed"},
		}
	default:
		return errorMapping{
			httpStatus: http.StatusInternalServerError,
			grpcCode:   codes.Internal,
			body:       APIError{Code: CodeInternal, Message: "internal error"},
			internal:   true,
		}
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" {
			return f.Name
		}
		return tag
	})
	return v
}

func decodeJSONBody(r *http.Request, dest any) error {
	defer io.Copy(io.Discard, r.Body)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return &requestError{message: "invalid request body", details: map[string]string{"error": err.Error()}}
	}
	return validateStruct(dest)
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &requestError{message: "validation failed", details: map[string]string{"error": err.Error()}}
	}
	details := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		details[fieldPath(fe)] = validationMessage(fe)
	}
	return &requestError{message: "validation failed", details: details}
}

// fieldPath drops the struct name from the namespace, e.g. "lines[0].quantity".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	}
	return "is invalid"
}
