package envelope

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// DefaultTopic is the placeholder id older front-end builds sent before a
// role model was selected.
const DefaultTopic = "default"

var ErrInvalidTopic = errors.New("invalid role model id")

var topicPattern = regexp.MustCompile(`(?i)^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// NormalizeTopic validates a role-model id and returns its lower-case form.
// Surrounding whitespace is not trimmed: a padded id is malformed.
func NormalizeTopic(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTopic)
	}
	if strings.EqualFold(id, DefaultTopic) {
		return "", fmt.Errorf("%w: %q is a placeholder, select a role model first", ErrInvalidTopic, id)
	}
	if !topicPattern.MatchString(id) {
		return "", fmt.Errorf("%w: %q is not a UUID", ErrInvalidTopic, id)
	}
	return strings.ToLower(id), nil
}

func ValidTopic(id string) bool {
	_, err := NormalizeTopic(id)
	return err == nil
}
