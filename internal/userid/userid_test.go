package userid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveIsDeterministic(t *testing.T) {
	a := Derive("alice@example.com")
	b := Derive("alice@example.com")
	assert.Equal(t, a, b)
}

func TestDeriveDistinguishesIdentifiers(t *testing.T) {
	a := Derive("alice@example.com")
	b := Derive("bob@example.com")
	assert.NotEqual(t, a, b)
}
