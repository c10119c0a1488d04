package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractMentionsQuoted(t *testing.T) {
	mentions := extractMentions(`show overdue invoices for "Acme Ltd" and 'Globex'`)
	require.Equal(t, []string{"Acme Ltd", "Globex"}, mentions)
}

func TestExtractMentionsCapitalizedRuns(t *testing.T) {
	mentions := extractMentions("show payments of Rohan Robert from billing")
	require.Equal(t, []string{"Rohan Robert"}, mentions)
}

func TestExtractMentionsIgnoresSentenceCasing(t *testing.T) {
	require.Empty(t, extractMentions("Show me all open invoices"))
}

func TestExtractMentionsQuotedWinsOverCapitalized(t *testing.T) {
	mentions := extractMentions(`compare "Initech" with Globex Corp`)
	require.Equal(t, []string{"Initech"}, mentions)
}

func TestExtractMentionsDeduplicates(t *testing.T) {
	mentions := extractMentions(`"Acme" invoices and "acme" payments`)
	require.Equal(t, []string{"Acme"}, mentions)
}
