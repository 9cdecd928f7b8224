package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServiceDescriptor_HasDependency(t *testing.T) {
	web := ServiceDescriptor{Name: "web", DependsOn: []string{"store", "broker"}}

	assert.True(t, web.HasDependency("broker"))
	assert.False(t, web.HasDependency("build"))
	assert.False(t, web.HasDependency("web"))
}

func TestEnvironmentProfile_Keys(t *testing.T) {
	p := &EnvironmentProfile{Vars: map[string]string{"SECRET_KEY": "x", "DATABASE_URL": "y", "DEBUG": "0"}}
	assert.Equal(t, []string{"DATABASE_URL", "DEBUG", "SECRET_KEY"}, p.Keys())

	var missing *EnvironmentProfile
	assert.Nil(t, missing.Keys())
	_, ok := missing.Lookup("DEBUG")
	assert.False(t, ok)
}
