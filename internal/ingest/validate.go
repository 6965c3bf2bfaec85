package ingest

import (
	"fmt"
	"mime"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

const maxKeywords = 10

// ValidationError maps field names to human readable messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Sprintf("validation failed: %s", strings.Join(names, ", "))
}

type fieldRule struct {
	label    string
	min, max int
}

var fieldRules = map[string]fieldRule{
	"userId":          {label: "User ID", min: 1, max: 200},
	"categoryId":      {label: "Category ID", min: 1, max: 200},
	"title":           {label: "Title", min: 5, max: 80},
	"description":     {label: "Description", min: 10, max: 500},
	"keywords":        {label: "Keyword", min: 10, max: 100},
	"isPrivate":       {label: "Is Private"},
	"isAgeRestricted": {label: "Age Restricted"},
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	_ = v.RegisterValidation("keywordlist", validateKeywordList)
	_ = v.RegisterValidation("positiveint", validatePositiveInt)
	return v
}

func validateKeywordList(fl validator.FieldLevel) bool {
	return len(strings.Split(fl.Field().String(), ",")) <= maxKeywords
}

func validatePositiveInt(fl validator.FieldLevel) bool {
	n, err := strconv.ParseInt(fl.Field().String(), 10, 64)
	return err == nil && n > 0
}

// trimmed returns a copy with surrounding whitespace removed from every field.
func (f UploadFields) trimmed() UploadFields {
	return UploadFields{
		UserID:          strings.TrimSpace(f.UserID),
		CategoryID:      strings.TrimSpace(f.CategoryID),
		Title:           strings.TrimSpace(f.Title),
		Description:     strings.TrimSpace(f.Description),
		Keywords:        strings.TrimSpace(f.Keywords),
		IsPrivate:       strings.TrimSpace(f.IsPrivate),
		IsAgeRestricted: strings.TrimSpace(f.IsAgeRestricted),
	}
}

// parsedFields holds UploadFields after validation.
type parsedFields struct {
	UserID          int64
	CategoryID      int64
	Title           string
	Description     string
	Keywords        string
	IsPrivate       bool
	IsAgeRestricted bool
}

func (p *Pipeline) validateFields(fields UploadFields) (parsedFields, error) {
	fields = fields.trimmed()
	if err := p.validate.Struct(fields); err != nil {
		errs, ok := err.(validator.ValidationErrors)
		if !ok {
			return parsedFields{}, err
		}
		out := &ValidationError{Fields: make(map[string]string, len(errs))}
		for _, fe := range errs {
			if _, seen := out.Fields[fe.Field()]; seen {
				continue
			}
			out.Fields[fe.Field()] = fieldMessage(fe)
		}
		return parsedFields{}, out
	}
	userID, _ := strconv.ParseInt(fields.UserID, 10, 64)
	categoryID, _ := strconv.ParseInt(fields.CategoryID, 10, 64)
	isPrivate, _ := strconv.ParseBool(fields.IsPrivate)
	isAgeRestricted, _ := strconv.ParseBool(fields.IsAgeRestricted)
	return parsedFields{
		UserID:          userID,
		CategoryID:      categoryID,
		Title:           fields.Title,
		Description:     fields.Description,
		Keywords:        fields.Keywords,
		IsPrivate:       isPrivate,
		IsAgeRestricted: isAgeRestricted,
	}, nil
}

func fieldMessage(fe validator.FieldError) string {
	rule, ok := fieldRules[fe.Field()]
	if !ok {
		rule.label = fe.Field()
	}
	switch fe.Tag() {
	case "required":
		return rule.label + " is required"
	case "min", "max":
		return fmt.Sprintf("%s must be between %d to %d characters", rule.label, rule.min, rule.max)
	case "boolean":
		return rule.label + " should be a boolean value"
	case "positiveint":
		return rule.label + " must be a positive integer"
	case "keywordlist":
		return fmt.Sprintf("Keywords should not exceed %d items", maxKeywords)
	default:
		return rule.label + " is invalid"
	}
}

var (
	videoTypes     = map[string]bool{"video/mp4": true}
	thumbnailTypes = map[string]bool{"image/jpeg": true, "image/png": true}
)

func mediaType(contentType string) string {
	parsed, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return parsed
}

func checkContentTypes(videoType, thumbnailType string) error {
	if !videoTypes[mediaType(videoType)] {
		return ErrUnsupportedVideoType
	}
	if !thumbnailTypes[mediaType(thumbnailType)] {
		return ErrUnsupportedThumbnailType
	}
	return nil
}
