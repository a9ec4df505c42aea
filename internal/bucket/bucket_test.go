package bucket

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCredentials_Identity(t *testing.T) {
	a := Credentials{AccountID: "acct", Key: "secret"}
	b := Credentials{AccountID: "acct", Key: "other"}

	assert.Equal(t, a.Identity(), a.Identity())
	assert.NotEqual(t, a.Identity(), b.Identity())
	assert.NotEqual(t, "acct", a.Identity())

	// The separator keeps id and key from running together.
	assert.NotEqual(t,
		Credentials{AccountID: "ab", Key: "c"}.Identity(),
		Credentials{AccountID: "a", Key: "bc"}.Identity())
}
