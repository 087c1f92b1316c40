package handler

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// formatValidationErrors formats validator errors for response
func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}

// decodeImages decodes base64 images. A data URI prefix is stripped.
func decodeImages(encoded []string) ([][]byte, error) {
	if len(encoded) == 0 {
		return nil, nil
	}
	out := make([][]byte, 0, len(encoded))
	for i, s := range encoded {
		if _, rest, ok := strings.Cut(s, ","); ok {
			s = rest
		}
		data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("image %d is not valid base64", i)
		}
		out = append(out, data)
	}
	return out, nil
}
