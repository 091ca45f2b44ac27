package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validatorOnce sync.Once
	validate      *validator.Validate
)

// getValidator returns the process-wide validator. Field names in
// violation messages come from json tags so clients see the wire name.
func getValidator() *validator.Validate {
	validatorOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
	})
	return validate
}

// decodeBody parses a JSON request body into dst and runs the struct's
// validation tags. On failure it writes the 400 itself and returns
// false; handlers just return.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if problems := checkStruct(dst); len(problems) > 0 {
		writeFailData(w, http.StatusBadRequest, "validation failed", map[string]any{"fields": problems})
		return false
	}
	return true
}

// checkStruct runs validation tags and flattens violations into a
// field -> problem map.
func checkStruct(v any) map[string]string {
	err := getValidator().Struct(v)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return map[string]string{"body": "invalid request"}
	}
	problems := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		problems[fe.Field()] = problemText(fe)
	}
	return problems
}

func problemText(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("must be at least %s characters", fe.Param())
		}
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("must be at most %s characters", fe.Param())
		}
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", strings.ReplaceAll(fe.Param(), " ", ", "))
	case "gte":
		return fmt.Sprintf("must be >= %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be <= %s", fe.Param())
	case "url":
		return "must be a valid URL"
	case "dive":
		return "has an invalid element"
	default:
		return "is invalid"
	}
}

// queryInt parses an integer query parameter, clamping to [min, max]
// and falling back to def when absent or malformed.
func queryInt(r *http.Request, name string, def, min, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

// pageParams reads page/limit with the platform defaults.
func pageParams(r *http.Request, defLimit, maxLimit int) (page, limit int) {
	page = queryInt(r, "page", 1, 1, 1<<20)
	limit = queryInt(r, "limit", defLimit, 1, maxLimit)
	return page, limit
}
