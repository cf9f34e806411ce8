package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// FieldError is one entry in the details.fields list of a 400 response.
// Field is the JSON name as the caller sent it, not the Go struct field.
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Param   string `json:"param,omitempty"`
	Message string `json:"message,omitempty"`
}

// BindJSON binds the request body into out and, on failure, writes the 400
// response itself. Callers just return when it reports false.
func BindJSON(ctx *gin.Context, out interface{}) bool {
	if err := ctx.ShouldBindJSON(out); err != nil {
		RespondBadRequest(ctx, "Invalid request body", bindDetails(err, out))
		return false
	}

	return true
}

func bindDetails(err error, out interface{}) interface{} {
	rootType := baseStructType(out)

	var vErrs validator.ValidationErrors

	if errors.As(err, &vErrs) {
		fields := make([]FieldError, 0, len(vErrs))

		for _, vErr := range vErrs {
			rule := vErr.Tag()
			param := vErr.Param()

			fields = append(fields, FieldError{
				Field:   jsonPathFromValidatorError(rootType, vErr),
				Rule:    rule,
				Param:   param,
				Message: validationMessage(rule, param),
			})
		}

		return gin.H{"fields": fields}
	}

	var syntaxErr *json.SyntaxError

	if errors.As(err, &syntaxErr) {
		return gin.H{"json": "invalid_json_syntax"}
	}

	// e.g. a string where batch_size expects a number
	var typeErr *json.UnmarshalTypeError

	if errors.As(err, &typeErr) {
		field := jsonPathFromDotPath(rootType, typeErr.Field)

		if field == "" {
			field = strings.TrimSpace(typeErr.Field)
		}

		return gin.H{
			"json":  "invalid_json_type",
			"field": field,
			"fields": []FieldError{
				{
					Field:   field,
					Rule:    "type",
					Message: fmt.Sprintf("must be of type %s", typeErr.Type.String()),
				},
			},
		}
	}

	return gin.H{"reason": err.Error()}
}

func baseStructType(v interface{}) reflect.Type {
	t := reflect.TypeOf(v)

	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	if t != nil && t.Kind() == reflect.Struct {
		return t
	}

	return nil
}

// jsonPathFromValidatorError turns the validator's struct namespace
// ("body.Selector.Hostnames") into the JSON path the caller recognizes
// ("selector.hostnames").
func jsonPathFromValidatorError(rootType reflect.Type, vErr validator.FieldError) string {
	namespace := vErr.StructNamespace()
	if namespace == "" {
		namespace = vErr.Namespace()
	}

	if namespace == "" {
		return vErr.Field()
	}

	parts := strings.Split(namespace, ".")
	if len(parts) == 0 {
		return vErr.Field()
	}

	if rootType != nil && rootType.Name() != "" && parts[0] == rootType.Name() {
		parts = parts[1:]
	}

	if path := mapStructPathToJSONPath(rootType, parts); path != "" {
		return path
	}

	return vErr.Field()
}

func jsonPathFromDotPath(rootType reflect.Type, dotPath string) string {
	dotPath = strings.TrimSpace(dotPath)
	if dotPath == "" {
		return ""
	}

	return mapStructPathToJSONPath(rootType, strings.Split(dotPath, "."))
}

func mapStructPathToJSONPath(rootType reflect.Type, parts []string) string {
	if len(parts) == 0 {
		return ""
	}

	current := rootType
	out := make([]string, 0, len(parts))

	for _, rawPart := range parts {
		if rawPart == "" {
			continue
		}

		fieldName, indexSuffix := splitFieldIndex(rawPart)
		jsonName := fieldName

		nextType := reflect.Type(nil)
		if current != nil {
			for current.Kind() == reflect.Pointer {
				current = current.Elem()
			}

			if current.Kind() == reflect.Struct {
				if sf, ok := current.FieldByName(fieldName); ok {
					jsonName = jsonNameFromStructField(sf)
					nextType = sf.Type
				}
			}
		}

		out = append(out, jsonName+indexSuffix)

		if nextType != nil {
			current = unwindCollection(nextType)
		} else {
			current = nil
		}
	}

	return strings.Join(out, ".")
}

func splitFieldIndex(part string) (string, string) {
	idx := strings.Index(part, "[")
	if idx == -1 {
		return part, ""
	}

	return part[:idx], part[idx:]
}

func jsonNameFromStructField(sf reflect.StructField) string {
	tag := sf.Tag.Get("json")
	if tag == "" {
		return sf.Name
	}

	name, _, _ := strings.Cut(tag, ",")
	if name == "" || name == "-" {
		return sf.Name
	}

	return name
}

func unwindCollection(t reflect.Type) reflect.Type {
	for t != nil {
		switch t.Kind() {
		case reflect.Pointer, reflect.Slice, reflect.Array:
			t = t.Elem()
		default:
			return t
		}
	}

	return nil
}

// Only the rules the request bodies here actually use get a tailored
// message; anything else falls through to the generic one.
func validationMessage(rule, param string) string {
	switch rule {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + param
	default:
		if param != "" {
			return fmt.Sprintf("failed %s validation (%s)", rule, param)
		}
		return "failed " + rule + " validation"
	}
}
