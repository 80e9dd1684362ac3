package scenario

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParse разбирает сценарий со всеми формами действий
func TestParse(t *testing.T) {
	doc := []byte(`<config>
  <actions>
    <action type="register" username="alice" password="secret" realm="sip.example.org" registrar="sip.example.org"/>
    <action type="accept" account="bob" wait_until="CONFIRMED"/>
    <action type="call" caller="alice@10.0.0.1" callee="bob@10.0.0.2" expected_cause_code="200">
      <x-header name="X-Foo" value="bar"/>
      <x-header name="X-Request-Id" value="r-17"/>
    </action>
    <action type="wait" complete=""/>
  </actions>
</config>`)

	steps, err := Parse(doc)
	require.NoError(t, err)
	require.Len(t, steps, 4)

	assert.Equal(t, "register", steps[0].Type)
	assert.Equal(t, "alice", steps[0].Attrs["username"])
	assert.NotContains(t, steps[0].Attrs, "type", "type не попадает в атрибуты")

	assert.Equal(t, "accept", steps[1].Type)
	assert.Equal(t, "CONFIRMED", steps[1].Attrs["wait_until"])

	require.Len(t, steps[2].XHeaders, 2)
	assert.Equal(t, "X-Foo", steps[2].XHeaders[0].Name)
	assert.Equal(t, "bar", steps[2].XHeaders[0].Value)

	// Булев атрибут-присутствие сохраняется с пустым значением
	assert.Equal(t, "wait", steps[3].Type)
	_, ok := steps[3].Attrs["complete"]
	assert.True(t, ok)
}

// TestParseEnvIndirection значения x-header резолвятся из окружения
func TestParseEnvIndirection(t *testing.T) {
	t.Setenv("VP_ENV_TENANT", "acme")

	steps, err := Parse([]byte(`<config><actions>
    <action type="call" caller="a@h" callee="b@h">
      <x-header name="X-Tenant" value="VP_ENV_TENANT"/>
    </action>
  </actions></config>`))
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.Len(t, steps[0].XHeaders, 1)
	assert.Equal(t, "acme", steps[0].XHeaders[0].Value)

	// Атрибуты действия при разборе не резолвятся: это делает привязка схемы
	assert.Equal(t, "a@h", steps[0].Attrs["caller"])
}

// TestParseErrors ошибки структуры документа
func TestParseErrors(t *testing.T) {
	t.Run("malformed xml", func(t *testing.T) {
		_, err := Parse([]byte(`<config><actions><action type="wait"`))
		require.Error(t, err)
	})

	t.Run("action without type", func(t *testing.T) {
		_, err := Parse([]byte(`<config><actions><action username="alice"/></actions></config>`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "без атрибута type")
	})

	t.Run("nameless x-header", func(t *testing.T) {
		_, err := Parse([]byte(`<config><actions>
      <action type="call" caller="a@h" callee="b@h"><x-header value="bar"/></action>
    </actions></config>`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "x-header без имени")
	})
}

// TestParseEmpty пустой список действий допустим
func TestParseEmpty(t *testing.T) {
	steps, err := Parse([]byte(`<config><actions></actions></config>`))
	require.NoError(t, err)
	assert.Empty(t, steps)
}

// TestLoad читает сценарий с диска
func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.xml")
	require.NoError(t, os.WriteFile(path, []byte(
		`<config><actions><action type="wait" ms="100"/></actions></config>`), 0o644))

	steps, err := Load(path)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "wait", steps[0].Type)
	assert.Equal(t, "100", steps[0].Attrs["ms"])
}

// TestLoadMissingFile отсутствующий файл — ошибка чтения
func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "no-such.xml"))
	require.Error(t, err)
}
