package ownership

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/loomworks/agentd/broker/inmem"
)

type marker struct {
	runID string
	step  int
	op    string
}

func genMarker() gopter.Gen {
	return gopter.CombineGens(
		gen.RegexMatch(`run-[0-4]`),
		gen.IntRange(1, 5),
		gen.RegexMatch(`(append_turn|reserve|release)`),
	).Map(func(vs []interface{}) marker {
		return marker{runID: vs[0].(string), step: vs[1].(int), op: vs[2].(string)}
	})
}

func TestCheckAndMarkSingleFire(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	// The small value spaces force duplicate triples into most sequences.
	properties.Property("fires exactly once per distinct triple", prop.ForAll(
		func(ms []marker) bool {
			ctx := context.Background()
			idem := NewIdempotency(inmem.New(), time.Hour)
			seen := make(map[marker]bool)
			for _, m := range ms {
				first, err := idem.CheckAndMark(ctx, m.runID, m.step, m.op)
				if err != nil {
					return false
				}
				if first == seen[m] {
					return false
				}
				seen[m] = true
			}
			return true
		},
		gen.SliceOf(genMarker()),
	))

	properties.TestingRun(t)
}
