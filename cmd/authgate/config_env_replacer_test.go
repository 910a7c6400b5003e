package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type replacerTestStruct struct {
	Int    int
	String string
	NotMe  string
}

type replacerTest struct {
	Int    int
	String string
	Struct replacerTestStruct
	Hash   string // a bcrypt hash starts with $ too, so it is substituted like any other $-prefixed value
	Map    map[string]interface{}
}

func TestReplaceEnvKeys(t *testing.T) {
	data := &replacerTest{
		String: "$replace_me",
		Hash:   "$2a$10$33EMT0cVYVlPy6WAMCLsceLYjWhuHpbz5yuZxu/GAFj03J9Lytjuy",
		Struct: replacerTestStruct{
			String: "$me_too",
			NotMe:  "$does_not_exist",
		},
	}

	replacer := func(key string) string {
		switch key {
		case "replace_me":
			return "foo"
		case "me_too":
			return "bar"
		default:
			return ""
		}
	}

	require.NoError(t, replaceEnvKeys(data, replacer))

	assert.Equal(t, &replacerTest{
		String: "foo",
		Struct: replacerTestStruct{String: "bar", NotMe: ""},
		Hash:   "",
	}, data)
}
