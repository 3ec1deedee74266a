package kernelerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlanningWrapsSentinelAndCause(t *testing.T) {
	cause := errors.New("no json in response")
	err := Planning("llm returned unparseable plan", cause)

	assert.ErrorIs(t, err, ErrPlanning)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "planning error")
}

func TestBindingIdentifiesStep(t *testing.T) {
	err := Binding("step-2", "required field query unresolved")

	assert.ErrorIs(t, err, ErrBinding)
	assert.NotErrorIs(t, err, ErrToolExecution)
	assert.Contains(t, err.Error(), "step-2")
}

func TestToolExecutionCarriesToolAndStep(t *testing.T) {
	cause := errors.New("connection refused")
	err := ToolExecution("step-5", "search.web", "dispatch failed after retries", cause)

	assert.ErrorIs(t, err, ErrToolExecution)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "step-5")
	assert.Contains(t, err.Error(), "search.web")
}

func TestExpectationFailedDistinctFromToolExecution(t *testing.T) {
	err := ExpectationFailed("step-3", "codegen.write", "output missing required export")

	assert.ErrorIs(t, err, ErrExpectationFailed)
	assert.False(t, errors.Is(err, ErrToolExecution))
}

func TestKernelErrorsAreDistinguishable(t *testing.T) {
	errs := []*KernelError{
		Planning("x", nil),
		Binding("s", "x"),
		ParameterValidation("s", "t", "x"),
		ToolExecution("s", "t", "x", nil),
		ExpectationFailed("s", "t", "x"),
	}
	sentinels := []error{ErrPlanning, ErrBinding, ErrParameterValidation, ErrToolExecution, ErrExpectationFailed}

	for i, e := range errs {
		for j, sentinel := range sentinels {
			if i == j {
				assert.ErrorIsf(t, e, sentinel, "error %d should match its own sentinel", i)
			} else {
				assert.Falsef(t, errors.Is(e, sentinel), "error %d should not match sentinel %d", i, j)
			}
		}
	}
}
