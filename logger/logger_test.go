package logger

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskToken(t *testing.T) {
	token := strings.Repeat("a", 40) + "WXYZ"
	masked := MaskToken(token)

	assert.Equal(t, "aaaaaaaa********WXYZ", masked)
	assert.Equal(t, "***", MaskToken("short"))
	assert.NotContains(t, MaskToken(token), strings.Repeat("a", 20))
}

func TestMaskSensitiveString(t *testing.T) {
	assert.Equal(t, "", MaskSensitiveString("", 2, 2))
	assert.Equal(t, "****", MaskSensitiveString("abcd", 2, 2))
	assert.Equal(t, "ab...yz", MaskSensitiveString("abcdefghijklmnopqrstuvwxyz", 2, 2))
}

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "jo...n@example.com", MaskEmail("johnathan@example.com"))
	assert.Equal(t, "", MaskEmail(""))
}

func TestMaskConnectionString(t *testing.T) {
	assert.Equal(t, "postgres://app:***@db:5432/orders", MaskConnectionString("postgres://app:s3cret@db:5432/orders"))
	assert.Equal(t, "postgres://db:5432/orders", MaskConnectionString("postgres://db:5432/orders"))
	assert.Equal(t, "host=db", MaskConnectionString("host=db"))
}

func TestGetLoggerIsShared(t *testing.T) {
	IsTest = true
	first := GetLogger()
	second := GetLogger()

	assert.Same(t, first, second)
	assert.NotNil(t, Named("test"))
}
