//go:build property
// +build property

// Property tests for translator totality: resolution and predicate
// building must either succeed or fail with a TranslationError, never
// panic or emit a silent no-op predicate.
package query

import (
	"errors"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestResolveTotality verifies Resolve never panics and classifies every
// failure as a TranslationError.
func TestResolveTotality(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	mapping := testMapping()

	properties.Property("resolve is total over arbitrary paths", prop.ForAll(
		func(segments []string) bool {
			path := strings.Join(segments, ".")
			_, err := mapping.Resolve(path)
			if err == nil {
				return true
			}
			var translationErr *TranslationError
			return errors.As(err, &translationErr)
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestPredicateArgCount verifies every generated placeholder has exactly
// one bound argument.
func TestPredicateArgCount(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	mapping := testMapping()

	properties.Property("placeholders and args stay in lockstep", prop.ForAll(
		func(state int, asset string) bool {
			spec := Spec(Eq("state", state), Eq("dataRequest.assetId", asset))
			text, args, err := BuildPredicate(spec, mapping, SQLite)
			if err != nil {
				return false
			}
			return strings.Count(text, "?") == len(args)
		},
		gen.Int(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
