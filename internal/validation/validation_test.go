package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidID(t *testing.T) {
	valid := []string{
		"usr_a1b2c3d4e5f60718293a4b5c",
		"bkg_0123456789abcdef",
		"wdr_00000000000000000000",
		"d94f3a1c-0000-4000-8000-aabbccddeeff",
	}
	for _, id := range valid {
		assert.True(t, IsValidID(id), "expected %q to be valid", id)
	}

	invalid := []string{
		"",
		"usr_short",
		"usr_ZZZZZZZZZZZZZZZZ",
		"toolongprefix_0123456789abcdef",
		"usr-0123456789abcdef",
		"'; DROP TABLE users;--",
	}
	for _, id := range invalid {
		assert.False(t, IsValidID(id), "expected %q to be invalid", id)
	}
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello", SanitizeString("  hello  ", 100))
	assert.Equal(t, "abc", SanitizeString("abcdef", 3))
	assert.Equal(t, "ab", SanitizeString("a\x00b", 100))
}

func TestValidateCollectsErrors(t *testing.T) {
	errs := Validate(
		Required("name", ""),
		MaxLength("note", "hello", 3),
		PositiveTokens("price", 0),
		OneOf("role", "WIZARD", "SEEKER", "PROVIDER"),
	)
	assert.Len(t, errs, 4)
	assert.Equal(t, "name", errs[0].Field)

	errs = Validate(
		Required("name", "fine"),
		MaxLength("note", "ok", 10),
		PositiveTokens("price", 100),
		OneOf("role", "SEEKER", "SEEKER", "PROVIDER"),
	)
	assert.Empty(t, errs)
}

func TestOneOfAllowsEmpty(t *testing.T) {
	// Empty values pass; pair with Required when the field is mandatory.
	errs := Validate(OneOf("status", "", "OPEN", "CLOSED"))
	assert.Empty(t, errs)
}
