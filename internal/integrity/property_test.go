package integrity_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Dicklesworthstone/warden/internal/integrity"
	"github.com/Dicklesworthstone/warden/internal/testutil"
)

func TestDigestTracksEveryRuleRow(t *testing.T) {
	ctx := context.Background()
	database := testutil.NewTestDB(t)
	clean, err := integrity.ComputeDigest(ctx, database)
	testutil.RequireNoError(t, err, "clean digest")

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("flipping one rule's savable flag changes the digest and flipping it back restores it", prop.ForAll(
		func(mode, trust, op, loc string) bool {
			flip := fmt.Sprintf(`UPDATE approval_rules SET savable = 1 - savable
				WHERE mode_id = '%s' AND trust_id = '%s' AND classification = '%s' AND location = '%s'`,
				mode, trust, op, loc)

			testutil.TamperBuiltin(t, database, flip)
			tampered, err := integrity.ComputeDigest(ctx, database)
			if err != nil {
				return false
			}
			testutil.TamperBuiltin(t, database, flip)
			restored, err := integrity.ComputeDigest(ctx, database)
			if err != nil {
				return false
			}
			return tampered != clean && restored == clean
		},
		gen.OneConstOf("ask", "plan", "build"),
		gen.OneConstOf("manual", "careful", "balanced"),
		gen.OneConstOf("read", "write", "delete"),
		gen.OneConstOf("in_workdir", "outside"),
	))

	properties.TestingRun(t)
}
