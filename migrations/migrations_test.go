package migrations

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUp(t *testing.T) {
	migrations, err := Up()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)

	for i, m := range migrations {
		assert.True(t, strings.HasSuffix(m.Name, ".up.sql"), "unexpected file %s", m.Name)
		assert.NotEmpty(t, strings.TrimSpace(m.SQL))
		if i > 0 {
			assert.Less(t, migrations[i-1].Name, m.Name)
		}
	}

	assert.Contains(t, migrations[0].SQL, "UNIQUE (conversation_id, external_message_id)")
	assert.Contains(t, migrations[0].SQL, "UNIQUE (account_id, external_user_id)")
	assert.Contains(t, migrations[0].SQL, "UNIQUE (account_id, contact_id)")
}
