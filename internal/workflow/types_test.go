package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrepareInputsAppliesDefaults(t *testing.T) {
	def := &Definition{
		Inputs: []InputSpec{
			{Name: "account_name", Type: "string", Required: true},
			{Name: "limit", Type: "int", Default: 50},
		},
	}

	inputs, err := def.PrepareInputs(map[string]any{"account_name": "Globex"})
	require.NoError(t, err)
	require.Equal(t, "Globex", inputs["account_name"])
	require.Equal(t, 50, inputs["limit"])
}

func TestPrepareInputsEnumeratesAllMissing(t *testing.T) {
	def := &Definition{
		Inputs: []InputSpec{
			{Name: "account_name", Required: true},
			{Name: "region", Required: true},
			{Name: "limit", Default: 50},
		},
	}

	_, err := def.PrepareInputs(nil)
	require.Error(t, err)

	var missing *MissingInputsError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, []string{"account_name", "region"}, missing.Names)
	require.Contains(t, err.Error(), "account_name, region")
}

func TestPrepareInputsDoesNotMutateProvided(t *testing.T) {
	def := &Definition{
		Inputs: []InputSpec{{Name: "limit", Default: 50}},
	}
	provided := map[string]any{"other": 1}

	inputs, err := def.PrepareInputs(provided)
	require.NoError(t, err)
	require.Equal(t, 50, inputs["limit"])
	require.NotContains(t, provided, "limit")
}

func TestStepByID(t *testing.T) {
	def := &Definition{Steps: []Step{{ID: "a"}, {ID: "b"}}}
	require.NotNil(t, def.StepByID("b"))
	require.Nil(t, def.StepByID("c"))
}
