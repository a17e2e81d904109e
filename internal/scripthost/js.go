package scripthost

import (
	"context"
	"fmt"
	"time"

	"github.com/robertkrimen/otto"
)

// evalJS runs source against a freshly constructed otto VM seeded with
// ctxValues as a read-only `ctx` global. Unlike a long-lived challenge
// solver VM shared across calls, the ScriptHost must treat each evaluation
// as a pure function of (source, context): a fresh otto.New() per call rules
// out one script's globals leaking into the next HeaderConfig evaluation.
func evalJS(parent context.Context, source string, ctxValues Context, timeout time.Duration) (result string, err error) {
	vm := otto.New()
	vm.Interrupt = make(chan func(), 1)
	if setErr := seedContext(vm, ctxValues); setErr != nil {
		return "", &ScriptError{Kind: ErrCompile, Err: setErr}
	}

	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	type outcome struct {
		value string
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				if _, ok := r.(error); ok {
					done <- outcome{err: &ScriptError{Kind: ErrTimeout}}
					return
				}
				done <- outcome{err: &ScriptError{Kind: ErrRuntime, Err: fmt.Errorf("panic: %v", r)}}
			}
		}()

		val, runErr := vm.Run(source)
		if runErr != nil {
			done <- outcome{err: classifyJSError(runErr)}
			return
		}
		str, convErr := val.ToString()
		if convErr != nil {
			done <- outcome{err: &ScriptError{Kind: ErrRuntime, Err: convErr}}
			return
		}
		done <- outcome{value: str}
	}()

	select {
	case o := <-done:
		return o.value, o.err
	case <-ctx.Done():
		vm.Interrupt <- func() { panic(errTimeoutSentinel) }
		<-done // wait for the goroutine to observe the interrupt and exit
		return "", &ScriptError{Kind: ErrTimeout}
	}
}

var errTimeoutSentinel = fmt.Errorf("scripthost: js evaluation exceeded its timeout")

func classifyJSError(err error) error {
	if _, ok := err.(*otto.Error); ok {
		return &ScriptError{Kind: ErrRuntime, Err: err}
	}
	return &ScriptError{Kind: ErrCompile, Err: err}
}

func seedContext(vm *otto.Otto, ctxValues Context) error {
	if ctxValues == nil {
		ctxValues = Context{}
	}
	return vm.Set("ctx", map[string]interface{}(ctxValues))
}
