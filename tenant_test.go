package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInstanceOrgPattern(t *testing.T) {
	cases := []struct {
		instance string
		org      string
	}{
		{"org1-loja-abc123", "1"},
		{"org42-x", "42"},
		{"org-loja", ""},
		{"loja-org1", ""},
		{"ORG1-loja", ""},
		{"org1", ""},
	}
	for _, c := range cases {
		m := instanceOrgRe.FindStringSubmatch(c.instance)
		if c.org == "" {
			assert.Nil(t, m, c.instance)
			continue
		}
		if assert.NotNil(t, m, c.instance) {
			assert.Equal(t, c.org, m[1], c.instance)
		}
	}
}

func TestDeviceStatusFromState(t *testing.T) {
	assert.Equal(t, "connected", deviceStatusFromState(map[string]any{"instance": map[string]any{"state": "open"}}))
	assert.Equal(t, "connecting", deviceStatusFromState(map[string]any{"state": "connecting"}))
	assert.Equal(t, "disconnected", deviceStatusFromState(map[string]any{"state": "close"}))
	assert.Equal(t, "", deviceStatusFromState(map[string]any{"state": "banana"}))
	assert.Equal(t, "", deviceStatusFromState(map[string]any{}))
}
