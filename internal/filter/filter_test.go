package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/dbsentry/pkg/inventory"
)

func record(id, engine string, tags map[string]string) inventory.InstanceRecord {
	return inventory.InstanceRecord{AccountID: "111111111111", Region: "us-east-1", InstanceID: id, Engine: engine, Tags: tags}
}

func TestMatch_NoFilters(t *testing.T) {
	f := New(nil, nil, nil)
	assert.True(t, f.IsEmpty())
	assert.True(t, f.Match(record("orders", "postgres", nil)))
}

func TestMatch_ExcludedEngine(t *testing.T) {
	f := New([]string{"Redis"}, nil, nil)
	assert.False(t, f.Match(record("sessions", "redis", nil)))
	assert.True(t, f.Match(record("orders", "postgres", nil)))
}

func TestMatch_IncludeTags_AllRequired(t *testing.T) {
	f := New(nil, map[string]string{"env": "prod", "team": "payments"}, nil)

	assert.True(t, f.Match(record("a", "postgres", map[string]string{"env": "prod", "team": "payments", "x": "y"})))
	assert.False(t, f.Match(record("b", "postgres", map[string]string{"env": "prod"})))
	assert.False(t, f.Match(record("c", "postgres", nil)))
}

func TestMatch_IncludeTagWithEmptyValue(t *testing.T) {
	f := New(nil, map[string]string{"critical": ""}, nil)

	assert.True(t, f.Match(record("a", "mysql", map[string]string{"critical": ""})))
	assert.False(t, f.Match(record("b", "mysql", nil)))
}

func TestMatch_ExcludeTags_AnyRejects(t *testing.T) {
	f := New(nil, nil, map[string]string{"dbsentry-ignore": "true", "env": "sandbox"})

	assert.False(t, f.Match(record("a", "postgres", map[string]string{"env": "sandbox"})))
	assert.False(t, f.Match(record("b", "postgres", map[string]string{"dbsentry-ignore": "true"})))
	assert.True(t, f.Match(record("c", "postgres", map[string]string{"env": "prod"})))
}

func TestApply_KeepsOrder(t *testing.T) {
	f := New([]string{"redshift"}, nil, nil)
	in := []inventory.InstanceRecord{
		record("c", "postgres", nil),
		record("b", "redshift", nil),
		record("a", "mysql", nil),
	}

	out := f.Apply(in)
	require.Len(t, out, 2)
	assert.Equal(t, "c", out[0].InstanceID)
	assert.Equal(t, "a", out[1].InstanceID)
}

func TestParseTags(t *testing.T) {
	tags, err := ParseTags([]string{"env=prod", "owner=db=team", "flag="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"env": "prod", "owner": "db=team", "flag": ""}, tags)

	tags, err = ParseTags(nil)
	require.NoError(t, err)
	assert.Nil(t, tags)

	_, err = ParseTags([]string{"novalue"})
	assert.Error(t, err)
	_, err = ParseTags([]string{"=x"})
	assert.Error(t, err)
}
