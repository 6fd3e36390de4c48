package scylla

import (
	"strings"
	"testing"

	"github.com/gocql/gocql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConsistency(t *testing.T) {
	c, err := parseConsistency("")
	require.NoError(t, err)
	assert.Equal(t, gocql.LocalQuorum, c)

	c, err = parseConsistency("ONE")
	require.NoError(t, err)
	assert.Equal(t, gocql.One, c)

	_, err = parseConsistency("SOMETIMES")
	assert.Error(t, err)
}

func TestAccountStatementsBindAllColumns(t *testing.T) {
	st := accountStatements
	assert.Equal(t, 10, strings.Count(st.CreateAccount, "?"))
	assert.Equal(t, 4, strings.Count(st.ClaimEmail, "?"))
	assert.Contains(t, st.ClaimEmail, "IF NOT EXISTS")
	assert.Equal(t, 2, strings.Count(st.GetAccountByID, "?"))
	assert.Equal(t, 4, strings.Count(st.UpdateLastLogin, "?"))
	for _, ddl := range Schema {
		assert.Contains(t, ddl, "IF NOT EXISTS")
	}
}
