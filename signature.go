package hotswap

import (
	"errors"
	"fmt"
	"reflect"
)

// SignatureError describes how a resolved symbol's function type differs
// from the expected one. A nil element means that position matches.
type SignatureError struct {
	Want, Got reflect.Type

	In  []*ArgDifference
	Out []*ArgDifference

	// Variadic is set when exactly one of the types is variadic.
	Variadic bool
}

// ArgDifference records one parameter or result position that differs. A nil
// type means the position doesn't exist on that side.
type ArgDifference struct {
	Want reflect.Type
	Got  reflect.Type
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("signature mismatch: want %v, got %v: %v", e.Want, e.Got, e.Err())
}

// Err joins one error per differing position.
func (e *SignatureError) Err() error {
	errs := []error{}
	for i, arg := range e.In {
		if arg != nil {
			errs = append(errs, fmt.Errorf("argument %d: %v != %v", i, arg.Want, arg.Got))
		}
	}
	for i, out := range e.Out {
		if out != nil {
			errs = append(errs, fmt.Errorf("output %d: %v != %v", i, out.Want, out.Got))
		}
	}
	if e.Variadic {
		errs = append(errs, errors.New("variadic mismatch"))
	}
	return errors.Join(errs...)
}

// CheckSignature returns nil if got is the function type want, and a
// *SignatureError otherwise. Non-function types are reported as plain errors.
func CheckSignature(want, got reflect.Type) error {
	if want == nil || want.Kind() != reflect.Func {
		return fmt.Errorf("not a function type: %v", want)
	}
	if got == nil || got.Kind() != reflect.Func {
		return fmt.Errorf("not a function, kind: %v", kindOf(got))
	}
	if want == got {
		return nil
	}

	diff := &SignatureError{
		Want:     want,
		Got:      got,
		In:       diffArgs(want.NumIn(), got.NumIn(), want.In, got.In),
		Out:      diffArgs(want.NumOut(), got.NumOut(), want.Out, got.Out),
		Variadic: want.IsVariadic() != got.IsVariadic(),
	}
	if diff.Err() == nil {
		// Identical layouts under different named types.
		return nil
	}
	return diff
}

func diffArgs(wantN, gotN int, want, got func(int) reflect.Type) []*ArgDifference {
	n := max(wantN, gotN)
	diffs := make([]*ArgDifference, n)
	for i := 0; i < n; i++ {
		var w, g reflect.Type
		if i < wantN {
			w = want(i)
		}
		if i < gotN {
			g = got(i)
		}
		if w != g {
			diffs[i] = &ArgDifference{Want: w, Got: g}
		}
	}
	return diffs
}

func kindOf(t reflect.Type) reflect.Kind {
	if t == nil {
		return reflect.Invalid
	}
	return t.Kind()
}
