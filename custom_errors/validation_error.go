package custom_errors

import (
	"errors"
	"fmt"
)

// ValidationError collects every problem found while validating options or input,
// so the caller sees all of them at once.
type ValidationError struct {
	Errors []error `json:"errors"`
}

func (c *ValidationError) Add(err error) {
	if err == nil {
		return
	}
	c.Errors = append(c.Errors, err)
}

func (c *ValidationError) Addf(format string, args ...any) {
	c.Add(fmt.Errorf(format, args...))
}

func (c *ValidationError) HasError() bool {
	return len(c.Errors) > 0
}

// ErrOrNil returns c when it holds at least one error.
func (c *ValidationError) ErrOrNil() error {
	if c.HasError() {
		return c
	}
	return nil
}

func (c *ValidationError) Error() string {
	if len(c.Errors) == 0 {
		return ""
	}
	return fmt.Sprintf("%v", errors.Join(c.Errors...))
}

func (c *ValidationError) Unwrap() []error {
	return c.Errors
}
