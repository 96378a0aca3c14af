package changes

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/ddfstore/internal/domain"
)

const foundationResource = `{
	"path": "ddf--entities--company--foundation.csv",
	"name": "ddf--entities--company--foundation",
	"schema": {
		"fields": [{"name": "foundation"}, {"name": "full_name_changed"}, {"name": "is--foundation"}],
		"primaryKey": "foundation"
	}
}`

func decode(t *testing.T, raw string) *Descriptor {
	t.Helper()
	var rec Record
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))
	return New(rec)
}

func TestDescriptorGidAndConceptForRemove(t *testing.T) {
	d := decode(t, `{"object": {"gid": "foundation", "foundation": "xsoft"}, "metadata": {"action": "remove", "type": "entities"}}`)

	assert.True(t, d.IsRemove())
	assert.True(t, d.Describes(domain.DataTypeEntities))
	assert.Equal(t, "foundation", d.Concept())
	assert.Equal(t, "xsoft", d.Gid())
	assert.Empty(t, d.RemovedColumns())
	assert.NotNil(t, d.RemovedColumns())
}

func TestDescriptorConceptComesFromPrimaryKeyOnCreate(t *testing.T) {
	d := decode(t, `{
		"object": {"gid": "NOT_USED", "foundation": "xsoft"},
		"metadata": {"action": "create", "type": "entities", "file": {"new": `+foundationResource+`}}
	}`)

	assert.Equal(t, "foundation", d.Concept())
	assert.Equal(t, "xsoft", d.Gid())
	assert.Equal(t, d.Changes(), d.Original())

	res, err := d.CurrentResource()
	require.NoError(t, err)
	assert.Equal(t, "ddf--entities--company--foundation.csv", res.Path)

	old, err := d.OldResource()
	require.NoError(t, err)
	assert.Nil(t, old)
}

func TestDescriptorOriginalAndChangesOnUpdate(t *testing.T) {
	for _, action := range []string{ActionUpdate, ActionChange} {
		t.Run(action, func(t *testing.T) {
			d := decode(t, `{
				"object": {
					"gid": "foundation",
					"foundation": "xsoft",
					"data-origin": {"foundation": "xsoft", "is--foundation": true, "full_name_changed": "bla"},
					"data-update": {"full_name_changed": "new"}
				},
				"metadata": {"action": "`+action+`", "type": "entities", "removedColumns": ["legacy"]}
			}`)

			require.True(t, d.IsUpdate())
			assert.Equal(t, domain.Properties{
				"foundation":        domain.String("xsoft"),
				"is--foundation":    domain.Bool(true),
				"full_name_changed": domain.String("bla"),
			}, d.Original())
			assert.Equal(t, domain.Properties{"full_name_changed": domain.String("new")}, d.Changes())
			assert.Equal(t, "foundation", d.Concept())
			assert.Equal(t, "xsoft", d.Gid())
			assert.Equal(t, []string{"legacy"}, d.RemovedColumns())
		})
	}
}

func TestDescriptorTranslation(t *testing.T) {
	d := decode(t, `{"object": {"gid": "concept", "concept": "pop", "name": "Población"}, "metadata": {"action": "create", "type": "concepts", "lang": "es"}}`)
	assert.True(t, d.IsTranslation())
	assert.Equal(t, "es", d.Language())
}

func TestReadStream(t *testing.T) {
	input := strings.Join([]string{
		`{"object": {"gid": "concept", "concept": "a"}, "metadata": {"action": "remove", "type": "concepts"}}`,
		``,
		`{"object": {"gid": "geo", "geo": "usa"}, "metadata": {"action": "remove", "type": "entities"}}`,
	}, "\n")

	all, err := ReadAll(context.Background(), strings.NewReader(input), func(d *Descriptor) bool {
		return d.Describes(domain.DataTypeEntities)
	})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "usa", all[0].Gid())
}

func TestReadStreamReportsLine(t *testing.T) {
	input := `{"object": {}, "metadata": {"action": "remove"}}` + "\n" + `{broken`
	_, err := ReadAll(context.Background(), strings.NewReader(input), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "diff line 2")
}
